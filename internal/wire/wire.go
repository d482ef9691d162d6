// Package wire defines the engine-to-transport message contract: a thin,
// length-delimited binary framing for Request/Response pairs. The
// transport that carries these bytes over a socket is out of scope; this
// package only encodes and decodes the messages themselves.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/relaydb/engine/internal/event"
	"github.com/relaydb/engine/internal/storage"
)

// Op mirrors event.Action; kept as a distinct type at the wire boundary so
// a change to the internal event model never silently changes the wire
// contract.
type Op uint8

const (
	OpRead   Op = 0
	OpWrite  Op = 1
	OpDelete Op = 2
)

func (o Op) toAction() event.Action {
	switch o {
	case OpWrite:
		return event.ActionWrite
	case OpDelete:
		return event.ActionDelete
	default:
		return event.ActionRead
	}
}

func fromAction(a event.Action) Op {
	switch a {
	case event.ActionWrite:
		return OpWrite
	case event.ActionDelete:
		return OpDelete
	default:
		return OpRead
	}
}

// Status mirrors storage.Status at the wire boundary, for the same reason
// as Op.
type Status uint8

const (
	StatusOk          Status = 0
	StatusInvalidKey  Status = 1
	StatusInvalidOp   Status = 2
	StatusServerError Status = 3
)

func fromEngineStatus(s storage.Status) Status {
	switch s {
	case storage.StatusInvalidKey:
		return StatusInvalidKey
	case storage.StatusInvalidOp:
		return StatusInvalidOp
	case storage.StatusServerError:
		return StatusServerError
	default:
		return StatusOk
	}
}

// ErrMessageTooLarge guards against a corrupt or hostile length prefix
// causing an unbounded allocation.
var ErrMessageTooLarge = errors.New("wire: message exceeds maximum frame size")

// MaxFrameSize bounds a single decoded message body.
const MaxFrameSize = 64 << 20

// Request is the engine-facing shape of one client operation.
type Request struct {
	Key     string
	Op      Op
	Seq     uint64
	Payload []byte
}

// ToEngineRequest adapts a decoded wire Request into the storage engine's
// own Request shape.
func (r Request) ToEngineRequest() storage.Request {
	return storage.Request{Key: r.Key, Op: r.Op.toAction(), Seq: r.Seq, Payload: r.Payload}
}

// Response is the engine-facing shape of one operation's result.
type Response struct {
	Key     string
	Op      Op
	Status  Status
	Payload []byte
}

// FromEngineResponse adapts a storage.Response into its wire shape.
func FromEngineResponse(resp storage.Response) Response {
	return Response{
		Key:     resp.Key,
		Op:      fromAction(resp.Op),
		Status:  fromEngineStatus(resp.Status),
		Payload: resp.Payload,
	}
}

// EncodeRequest writes r as a varint length prefix followed by its body.
func EncodeRequest(w io.Writer, r Request) error {
	return writeFrame(w, encodeRequestBody(r))
}

// DecodeRequest reads one varint-framed Request from r.
func DecodeRequest(r *bufio.Reader) (Request, error) {
	body, err := readFrame(r)
	if err != nil {
		return Request{}, err
	}
	return decodeRequestBody(body)
}

// EncodeResponse writes r as a varint length prefix followed by its body.
func EncodeResponse(w io.Writer, r Response) error {
	return writeFrame(w, encodeResponseBody(r))
}

// DecodeResponse reads one varint-framed Response from r.
func DecodeResponse(r *bufio.Reader) (Response, error) {
	body, err := readFrame(r)
	if err != nil {
		return Response{}, err
	}
	return decodeResponseBody(body)
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrMessageTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}
	return body, nil
}

// Body layout (both messages): keyLen(varint) key op(1) seq(8, request
// only) statusOrNothing(1, response only) payloadLen(varint) payload.

func encodeRequestBody(r Request) []byte {
	var buf []byte
	buf = appendString(buf, r.Key)
	buf = append(buf, byte(r.Op))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], r.Seq)
	buf = append(buf, seqBuf[:]...)
	buf = appendBytes(buf, r.Payload)
	return buf
}

func decodeRequestBody(body []byte) (Request, error) {
	key, rest, err := takeString(body)
	if err != nil {
		return Request{}, err
	}
	op, rest, err := takeByte(rest)
	if err != nil {
		return Request{}, err
	}
	if len(rest) < 8 {
		return Request{}, io.ErrUnexpectedEOF
	}
	seq := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]
	payload, _, err := takeBytes(rest)
	if err != nil {
		return Request{}, err
	}
	return Request{Key: key, Op: Op(op), Seq: seq, Payload: payload}, nil
}

func encodeResponseBody(r Response) []byte {
	var buf []byte
	buf = appendString(buf, r.Key)
	buf = append(buf, byte(r.Op))
	buf = append(buf, byte(r.Status))
	buf = appendBytes(buf, r.Payload)
	return buf
}

func decodeResponseBody(body []byte) (Response, error) {
	key, rest, err := takeString(body)
	if err != nil {
		return Response{}, err
	}
	op, rest, err := takeByte(rest)
	if err != nil {
		return Response{}, err
	}
	status, rest, err := takeByte(rest)
	if err != nil {
		return Response{}, err
	}
	payload, _, err := takeBytes(rest)
	if err != nil {
		return Response{}, err
	}
	return Response{Key: key, Op: Op(op), Status: Status(status), Payload: payload}, nil
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendBytes(buf []byte, b []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, b...)
}

func takeByte(b []byte) (byte, []byte, error) {
	if len(b) < 1 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return b[0], b[1:], nil
}

func takeBytes(b []byte) ([]byte, []byte, error) {
	length, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, io.ErrUnexpectedEOF
	}
	b = b[n:]
	if uint64(len(b)) < length {
		return nil, nil, io.ErrUnexpectedEOF
	}
	return b[:length], b[length:], nil
}

func takeString(b []byte) (string, []byte, error) {
	raw, rest, err := takeBytes(b)
	if err != nil {
		return "", nil, err
	}
	return string(raw), rest, nil
}
