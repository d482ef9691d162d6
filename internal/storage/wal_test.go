package storage

import (
	"io"
	"testing"

	"github.com/relaydb/engine/internal/event"
)

func TestWALAppendAndIterate(t *testing.T) {
	dir := t.TempDir()
	wal, err := NewWAL(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer wal.Close()

	e1 := event.New(event.ActionWrite, 1)
	e1.SetPayload([]byte("one"))
	e2 := event.New(event.ActionWrite, 2)
	e2.SetPayload([]byte("two"))

	if err := wal.Append(e1); err != nil {
		t.Fatal(err)
	}
	if err := wal.Append(e2); err != nil {
		t.Fatal(err)
	}

	r, err := wal.Iterate()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	first, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if first.TID() != e1.TID() {
		t.Fatalf("expected first record to be e1")
	}
	second, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if second.TID() != e2.TID() {
		t.Fatalf("expected second record to be e2")
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestWALAppendDeleteCarriesTIDAndSeq(t *testing.T) {
	dir := t.TempDir()
	wal, err := NewWAL(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer wal.Close()

	tid := event.NewTID()
	if err := wal.AppendDelete(tid, 7); err != nil {
		t.Fatal(err)
	}

	r, err := wal.Iterate()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if got.TID() != tid || got.Seq() != 7 || got.Action() != event.ActionDelete {
		t.Fatalf("unexpected delete record: %+v", got)
	}
}
