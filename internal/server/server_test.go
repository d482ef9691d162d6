package server

import (
	"context"
	"testing"
	"time"

	"github.com/relaydb/engine/internal/event"
	"github.com/relaydb/engine/internal/storage"
	"github.com/relaydb/engine/internal/wire"
)

func mustEngine(t *testing.T, opts ...storage.Option) *storage.Engine {
	t.Helper()
	e, err := storage.Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestWriteThenReadThroughWriterTask(t *testing.T) {
	e := mustEngine(t)
	s := New(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunWriterTask(ctx)

	resp := s.Handle(wire.Request{Key: "a", Op: wire.OpWrite, Seq: 1, Payload: []byte("hello")})
	if resp.Status != wire.StatusOk {
		t.Fatalf("expected optimistic Ok on write, got %v", resp.Status)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got := s.Handle(wire.Request{Key: "a", Op: wire.OpRead})
		if got.Status == wire.StatusOk && string(got.Payload) == "hello" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("write never became visible through the writer task")
}

func TestReadOfUnknownKeyIsInvalidKey(t *testing.T) {
	e := mustEngine(t)
	s := New(e)
	resp := s.Handle(wire.Request{Key: "missing", Op: wire.OpRead})
	if resp.Status != wire.StatusInvalidKey {
		t.Fatalf("expected InvalidKey, got %v", resp.Status)
	}
}

func TestUnknownOpIsInvalidOp(t *testing.T) {
	e := mustEngine(t)
	s := New(e)
	resp := s.Handle(wire.Request{Key: "a", Op: wire.Op(99)})
	if resp.Status != wire.StatusInvalidOp {
		t.Fatalf("expected InvalidOp, got %v", resp.Status)
	}
}

func TestCompactorSealsMemTable(t *testing.T) {
	e := mustEngine(t, storage.WithCompactionThreshold(1))
	s := New(e)

	e.AddEvent(storage.Request{Key: "a", Op: event.ActionWrite, Seq: 1, Payload: []byte("x")})
	e.AddEvent(storage.Request{Key: "b", Op: event.ActionWrite, Seq: 2, Payload: []byte("y")})

	s.tryCompact()
	if e.SSTableCount() == 0 {
		t.Fatalf("expected compactor to seal the memtable into at least one sstable")
	}
}

// A write must wake the compactor task itself, not merely wait for the next
// ticker fire: the fallback interval here is far longer than the test
// timeout, so only the write-triggered signal (Handle -> signalCompactor)
// can make this pass.
func TestWriteSignalsCompactor(t *testing.T) {
	e := mustEngine(t, storage.WithCompactionThreshold(1))
	s := New(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunWriterTask(ctx)
	go s.RunCompactorTask(ctx, time.Hour)

	resp := s.Handle(wire.Request{Key: "a", Op: wire.OpWrite, Seq: 1, Payload: []byte("x")})
	if resp.Status != wire.StatusOk {
		t.Fatalf("expected Ok on write, got %v", resp.Status)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.SSTableCount() > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("write never triggered the compactor via the signal channel")
}
