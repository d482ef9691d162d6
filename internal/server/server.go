// Package server binds the storage engine to request intake: decoding
// validated requests into engine calls, queuing durable writes onto a
// writer task, and driving compaction from write signals with a fallback
// timer. The socket listener that
// feeds Handle its decoded requests is the transport layer and is out of
// scope here.
package server

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/relaydb/engine/internal/storage"
	"github.com/relaydb/engine/internal/wire"
)

// queuedOp is one write or delete waiting for the writer task to drain it
// into the engine.
type queuedOp struct {
	isDelete  bool
	req       storage.Request
	deleteKey string
	deleteSeq uint64
}

// Server binds a storage engine to request intake. Reads are served
// synchronously against the engine; writes and deletes are enqueued and
// acknowledged immediately, per spec's documented intake durability
// tradeoff — a crash between enqueue and WAL append silently drops the
// event. Callers who need end-to-end durability must call
// Engine.AddEvent/DeleteEvent directly from the intake path instead of
// going through Handle.
type Server struct {
	engine *storage.Engine
	queue  chan queuedOp

	// compactSignal wakes the compactor task on every successful Write/Delete
	// enqueue, per spec's intake contract, and again once the writer task has
	// applied the op; it is coalesced to depth 1 since
	// the compactor only ever needs to know "something changed since my last
	// pass", not how many times.
	compactSignal chan struct{}
	compacting    atomic.Bool

	writerLog    *log.Logger
	compactorLog *log.Logger
}

// Option configures a Server at construction.
type Option func(*Server)

// WithQueueCapacity sets the writer task's intake queue depth. Default 1024.
func WithQueueCapacity(n int) Option {
	return func(s *Server) { s.queue = make(chan queuedOp, n) }
}

// New constructs a Server bound to engine.
func New(engine *storage.Engine, opts ...Option) *Server {
	s := &Server{
		engine:        engine,
		queue:         make(chan queuedOp, 1024),
		compactSignal: make(chan struct{}, 1),
		writerLog:     log.New(os.Stderr, "[writer] ", log.LstdFlags),
		compactorLog:  log.New(os.Stderr, "[compactor] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle decodes one wire Request into an engine operation. Reads resolve
// synchronously; writes and deletes enqueue for the writer task and return
// an optimistic Ok response.
func (s *Server) Handle(req wire.Request) wire.Response {
	switch req.Op {
	case wire.OpRead:
		resp, _ := s.engine.GetEventByKey(req.Key)
		return wire.FromEngineResponse(resp)

	case wire.OpWrite:
		select {
		case s.queue <- queuedOp{req: req.ToEngineRequest()}:
			s.signalCompactor()
			return wire.Response{Key: req.Key, Op: req.Op, Status: wire.StatusOk}
		default:
			return wire.Response{Key: req.Key, Op: req.Op, Status: wire.StatusServerError}
		}

	case wire.OpDelete:
		select {
		case s.queue <- queuedOp{isDelete: true, deleteKey: req.Key, deleteSeq: req.Seq}:
			s.signalCompactor()
			return wire.Response{Key: req.Key, Op: req.Op, Status: wire.StatusOk}
		default:
			return wire.Response{Key: req.Key, Op: req.Op, Status: wire.StatusServerError}
		}

	default:
		return wire.Response{Key: req.Key, Status: wire.StatusInvalidOp}
	}
}

// RunWriterTask drains the intake queue into the engine until ctx is
// cancelled. A failed AddEvent/DeleteEvent is logged and the event is
// dropped — this is the documented weakness of the intake's durability
// contract, not a bug: the caller already received its Ok response. After
// each op it signals the compactor again, so a compaction attempt always
// follows the write that woke it.
func (s *Server) RunWriterTask(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.queue:
			s.drain(op)
			s.signalCompactor()
		}
	}
}

func (s *Server) drain(op queuedOp) {
	if op.isDelete {
		if _, err := s.engine.DeleteEvent(op.deleteKey, op.deleteSeq); err != nil {
			s.writerLog.Printf("dropped delete for key %q: %v", op.deleteKey, err)
		}
		return
	}
	if _, err := s.engine.AddEvent(op.req); err != nil {
		s.writerLog.Printf("dropped write for key %q: %v", op.req.Key, err)
	}
}

// signalCompactor wakes RunCompactorTask after a successful Write/Delete
// enqueue. Non-blocking: if a signal is already pending, this one is
// redundant and dropped.
func (s *Server) signalCompactor() {
	select {
	case s.compactSignal <- struct{}{}:
	default:
	}
}

// RunCompactorTask seals the memtable and merges SSTable pairs whenever
// Handle signals a write/delete, with interval as a periodic fallback, until
// ctx is cancelled. Overlapping runs are skipped rather than queued,
// matching the teacher's own compacting-flag guard.
func (s *Server) RunCompactorTask(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tryCompact()
		case <-s.compactSignal:
			s.tryCompact()
		}
	}
}

func (s *Server) tryCompact() {
	if !s.compacting.CompareAndSwap(false, true) {
		return
	}
	defer s.compacting.Store(false)

	if err := s.engine.TryMemTableCompact(); err != nil {
		s.compactorLog.Printf("memtable seal failed: %v", err)
		return
	}
	for s.engine.SSTableCount() >= 2 {
		before := s.engine.SSTableCount()
		if err := s.engine.TryTablesCompact(); err != nil {
			s.compactorLog.Printf("sstable merge failed: %v", err)
			return
		}
		if s.engine.SSTableCount() >= before {
			return
		}
	}
}
