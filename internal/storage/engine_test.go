package storage

import (
	"errors"
	"testing"

	"github.com/relaydb/engine/internal/event"
)

func mustOpen(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

// Scenario A: boot on an empty directory, write, read back.
func TestScenarioA_WriteThenRead(t *testing.T) {
	e := mustOpen(t)
	resp, err := e.AddEvent(Request{Key: "a", Op: event.ActionWrite, Seq: 1, Payload: []byte("α")})
	if err != nil || resp.Status != StatusOk {
		t.Fatalf("AddEvent: resp=%v err=%v", resp, err)
	}
	got, err := e.GetEventByKey("a")
	if err != nil || got.Status != StatusOk || string(got.Payload) != "α" {
		t.Fatalf("GetEventByKey: got=%v err=%v", got, err)
	}
}

// Scenario B: overwrite a key, observe the latest payload.
func TestScenarioB_Overwrite(t *testing.T) {
	e := mustOpen(t)
	if _, err := e.AddEvent(Request{Key: "a", Op: event.ActionWrite, Seq: 1, Payload: []byte("α")}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddEvent(Request{Key: "a", Op: event.ActionWrite, Seq: 2, Payload: []byte("β")}); err != nil {
		t.Fatal(err)
	}
	got, err := e.GetEventByKey("a")
	if err != nil || string(got.Payload) != "β" {
		t.Fatalf("expected β, got=%v err=%v", got, err)
	}
}

// Scenario C: delete then read returns InvalidKey.
func TestScenarioC_DeleteThenRead(t *testing.T) {
	e := mustOpen(t)
	e.AddEvent(Request{Key: "a", Op: event.ActionWrite, Seq: 1, Payload: []byte("α")})
	e.AddEvent(Request{Key: "a", Op: event.ActionWrite, Seq: 2, Payload: []byte("β")})

	resp, err := e.DeleteEvent("a", 3)
	if err != nil || resp.Status != StatusOk {
		t.Fatalf("DeleteEvent: resp=%v err=%v", resp, err)
	}

	got, err := e.GetEventByKey("a")
	if !errors.Is(err, ErrInvalidKey) || got.Status != StatusInvalidKey {
		t.Fatalf("expected InvalidKey, got=%v err=%v", got, err)
	}
}

// Scenario D: seal + merge tombstone leaves only the surviving key.
func TestScenarioD_SealAndMergeTombstone(t *testing.T) {
	e := mustOpen(t, WithCompactionThreshold(1))

	e.AddEvent(Request{Key: "a", Op: event.ActionWrite, Seq: 1, Payload: []byte("α")})
	if err := e.TryMemTableCompact(); err != nil {
		t.Fatalf("compact 1: %v", err)
	}

	e.AddEvent(Request{Key: "b", Op: event.ActionWrite, Seq: 2, Payload: []byte("β")})
	if err := e.TryMemTableCompact(); err != nil {
		t.Fatalf("compact 2: %v", err)
	}

	e.DeleteEvent("a", 3)
	if err := e.TryMemTableCompact(); err != nil {
		t.Fatalf("compact 3: %v", err)
	}

	if err := e.TryTablesCompact(); err != nil {
		t.Fatalf("merge 1: %v", err)
	}
	if err := e.TryTablesCompact(); err != nil {
		t.Fatalf("merge 2: %v", err)
	}

	if got := e.SSTableCount(); got != 1 {
		t.Fatalf("expected exactly one surviving sstable, got %d", got)
	}

	events, err := e.sstables[0].Events()
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one surviving event, got %d", len(events))
	}
	payload, _ := events[0].Payload()
	if string(payload) != "β" {
		t.Fatalf("expected surviving event to be key b's write, got payload %q", payload)
	}
}

// Scenario E: crash (no compaction) and recover from WAL alone.
func TestScenarioE_CrashAndRecover(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	e.AddEvent(Request{Key: "a", Op: event.ActionWrite, Seq: 1, Payload: []byte("α")})
	e.AddEvent(Request{Key: "a", Op: event.ActionWrite, Seq: 2, Payload: []byte("β")})
	// Simulate a crash: no Close, no compaction, just reopen on the same dir.

	e2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := e2.GetEventByKey("a")
	if err != nil || string(got.Payload) != "β" {
		t.Fatalf("expected recovered payload β, got=%v err=%v", got, err)
	}
}

func TestDeleteUnknownKeyIsInvalidKey(t *testing.T) {
	e := mustOpen(t)
	resp, err := e.DeleteEvent("missing", 1)
	if !errors.Is(err, ErrInvalidKey) || resp.Status != StatusInvalidKey {
		t.Fatalf("expected InvalidKey, got resp=%v err=%v", resp, err)
	}
}

func TestAddEventRejectsReadOp(t *testing.T) {
	e := mustOpen(t)
	_, err := e.AddEvent(Request{Key: "a", Op: event.ActionRead, Seq: 1})
	if !errors.Is(err, ErrInvalidOp) {
		t.Fatalf("expected ErrInvalidOp, got %v", err)
	}
}

func TestTryMemTableCompactIsNoopBelowThreshold(t *testing.T) {
	e := mustOpen(t)
	e.AddEvent(Request{Key: "a", Op: event.ActionWrite, Seq: 1, Payload: []byte("x")})
	if err := e.TryMemTableCompact(); err != nil {
		t.Fatal(err)
	}
	if e.SSTableCount() != 0 {
		t.Fatalf("expected no compaction below threshold, got %d sstables", e.SSTableCount())
	}
}

func TestTryTablesCompactIsNoopWithFewerThanTwo(t *testing.T) {
	e := mustOpen(t, WithCompactionThreshold(1))
	e.AddEvent(Request{Key: "a", Op: event.ActionWrite, Seq: 1, Payload: []byte("x")})
	e.TryMemTableCompact()
	if err := e.TryTablesCompact(); err != nil {
		t.Fatal(err)
	}
	if e.SSTableCount() != 1 {
		t.Fatalf("expected the lone sstable untouched, got %d", e.SSTableCount())
	}
}
