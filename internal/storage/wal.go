package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaydb/engine/internal/event"
)

// filePrefix names every WAL and SSTable file this engine creates:
// "<filePrefix>-<epoch>.wal" / "<filePrefix>-<epoch>.table".
const filePrefix = "relaydb"

// WAL is the append-only write-ahead log protecting the current memtable.
// Every event inserted into the memtable has first been appended here and
// flushed.
type WAL struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

func epochNow() uint64 {
	return uint64(time.Now().UnixMicro())
}

// NewWAL opens a fresh WAL file in dir, named with the current
// microsecond-resolution epoch.
func NewWAL(dir string) (*WAL, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.wal", filePrefix, epochNow()))
	return openWAL(path)
}

// OpenWAL opens (creating if absent) the WAL at an existing path, used when
// reopening a WAL discovered during recovery.
func OpenWAL(path string) (*WAL, error) {
	return openWAL(path)
}

func openWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the WAL's file path.
func (w *WAL) Path() string { return w.path }

// Append writes the encoded event followed by the terminator, then flushes
// to the underlying device. Only whole events committed this way survive a
// power loss.
func (w *WAL) Append(e *event.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := e.Encode(nil)
	if _, err := w.w.Write(buf); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// AppendDelete synthesizes a Delete-action event carrying tid and seq and
// appends it.
func (w *WAL) AppendDelete(tid event.TID, seq uint64) error {
	return w.Append(event.NewWithTID(event.ActionDelete, seq, tid))
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Remove closes and unlinks the WAL file. Callers must only do this once the
// WAL's contents are durably reflected elsewhere (a sealed memtable/SSTable,
// or a freshly opened successor WAL).
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	return os.Remove(w.path)
}

// Iterate opens a read-only, single-pass iterator over the WAL's events in
// the order they were appended. It consumes the file handle it opens, not
// the live append handle.
func (w *WAL) Iterate() (*EventReader, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	return &EventReader{file: f, r: bufio.NewReader(f)}, nil
}

// EventReader is a single-pass iterator over encoded events in a file.
type EventReader struct {
	file *os.File
	r    *bufio.Reader
}

// Next returns the next event, io.EOF at a clean end of stream, or logs and
// stops (returning io.EOF) on a truncated trailing record — the documented
// signature of a file cut off mid-write by a crash.
func (r *EventReader) Next() (*event.Event, error) {
	e, err := event.Decode(r.r)
	if err != nil {
		if errors.Is(err, event.ErrTruncatedRecord) {
			log.Printf("storage: discarding truncated trailing record in %s", r.file.Name())
			return nil, io.EOF
		}
		return nil, err
	}
	return e, nil
}

// Close releases the reader's file handle.
func (r *EventReader) Close() error {
	return r.file.Close()
}
