// Package event defines the atomic record the engine stores and its
// self-delimited wire/disk encoding.
package event

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Action is the kind of operation an Event records.
type Action uint8

const (
	ActionRead Action = iota
	ActionWrite
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "Read"
	case ActionWrite:
		return "Write"
	case ActionDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// terminator marks the end of an encoded event. The same byte may occur
// inside a body, since seq, tid and payload bytes are written as they are;
// decoding never searches for it: every field has a fixed width or a length
// prefix, and the terminator is only checked where those lengths say the
// record ends.
const terminator = '|'

// ErrTruncatedRecord is returned when a stream ends mid-record: fewer bytes
// were available than the record's own length prefixes promised, or the
// terminator byte following the body was missing.
var ErrTruncatedRecord = errors.New("event: truncated trailing record")

// TID is the engine-issued 128-bit transaction identifier shared by every
// event written for a given key.
type TID [16]byte

func (t TID) String() string {
	return uuid.UUID(t).String()
}

// Less reports whether t sorts strictly before other, used to keep memtables
// and SSTables in ascending tid order.
func (t TID) Less(other TID) bool {
	for i := range t {
		if t[i] != other[i] {
			return t[i] < other[i]
		}
	}
	return false
}

func newTID() TID {
	return TID(uuid.New())
}

// NewTID generates a fresh 128-bit transaction identifier, used by callers
// that need to assign one to a key before any event exists yet.
func NewTID() TID {
	return newTID()
}

// Event is an immutable record once constructed, except that Payload may be
// attached exactly once, immediately after construction, and only for writes.
type Event struct {
	seq     uint64
	tid     TID
	action  Action
	payload []byte // nil unless action == ActionWrite and a payload was set
	hasPld  bool
}

// New creates a fresh event with a newly generated tid.
func New(action Action, seq uint64) *Event {
	return &Event{seq: seq, tid: newTID(), action: action}
}

// NewWithTID creates an event carrying a caller-supplied tid, used when a key
// already has an assigned tid and a later write or delete reuses it.
func NewWithTID(action Action, seq uint64, tid TID) *Event {
	return &Event{seq: seq, tid: tid, action: action}
}

func (e *Event) Seq() uint64    { return e.seq }
func (e *Event) TID() TID       { return e.tid }
func (e *Event) Action() Action { return e.action }

// Payload returns the event's payload and whether one was ever attached.
func (e *Event) Payload() ([]byte, bool) { return e.payload, e.hasPld }

// SetPayload attaches a payload. It is a silent no-op unless the action is
// Write and no payload has been attached yet, matching the single-attachment
// invariant of the data model.
func (e *Event) SetPayload(payload []byte) {
	if e.action != ActionWrite || e.hasPld {
		return
	}
	e.hasPld = true
	e.payload = payload
}

// Encode appends the self-delimited binary form of e to dst and returns the
// extended slice: seq, tid, action, a presence flag, an optional
// length-prefixed payload, then the terminator byte.
func (e *Event) Encode(dst []byte) []byte {
	var hdr [8 + 16 + 1 + 1]byte
	binary.LittleEndian.PutUint64(hdr[0:8], e.seq)
	copy(hdr[8:24], e.tid[:])
	hdr[24] = byte(e.action)
	if e.hasPld {
		hdr[25] = 1
	}
	dst = append(dst, hdr[:]...)
	if e.hasPld {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(e.payload)))
		dst = append(dst, lenBuf[:]...)
		dst = append(dst, e.payload...)
	}
	dst = append(dst, terminator)
	return dst
}

// Decode reads one encoded event from r. It returns io.EOF when the stream
// ends cleanly between records (zero bytes read before the next record's
// header), and ErrTruncatedRecord when a record begins but cannot be read or
// read in full — the signature of a WAL or SSTable file cut off mid-write.
func Decode(r *bufio.Reader) (*Event, error) {
	first, err := r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if err := r.UnreadByte(); err != nil {
		return nil, err
	}

	var hdr [8 + 16 + 1 + 1]byte
	hdr[0] = first
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, truncated(err)
	}

	e := &Event{
		seq:    binary.LittleEndian.Uint64(hdr[0:8]),
		action: Action(hdr[24]),
	}
	copy(e.tid[:], hdr[8:24])

	if hdr[25] == 1 {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, truncated(err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, truncated(err)
		}
		e.hasPld = true
		e.payload = payload
	}

	term, err := r.ReadByte()
	if err != nil || term != terminator {
		return nil, ErrTruncatedRecord
	}
	return e, nil
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncatedRecord
	}
	return err
}

// Size estimates the in-memory footprint of e in bytes, used by the memtable
// to decide when it has crossed the compaction threshold.
func (e *Event) Size() int {
	const fixed = 8 + 16 + 1 + 1
	if e.hasPld {
		return fixed + 4 + len(e.payload)
	}
	return fixed
}

func (e *Event) String() string {
	payload, ok := e.Payload()
	if ok {
		return fmt.Sprintf("seq=%d tid=%s action=%s payload=%q", e.seq, e.tid, e.action, payload)
	}
	return fmt.Sprintf("seq=%d tid=%s action=%s", e.seq, e.tid, e.action)
}
