// Package storage implements the per-node log-structured-merge storage
// engine: WAL, memtable, SSTables, bloom filter, recovery, and the
// orchestration operations the server binding calls.
package storage

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/relaydb/engine/internal/bloom"
	"github.com/relaydb/engine/internal/event"
)

// Status is the outcome of an engine operation, part of the engine surface
// described in spec §7.
type Status uint8

const (
	StatusOk Status = iota
	StatusInvalidKey
	StatusInvalidOp
	StatusServerError
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusInvalidKey:
		return "InvalidKey"
	case StatusInvalidOp:
		return "InvalidOp"
	case StatusServerError:
		return "ServerError"
	default:
		return "Unknown"
	}
}

// Request is a keyed operation submitted to the engine. Op reuses
// event.Action: the wire-level op and the event's action are the same
// three-valued concept throughout this engine.
type Request struct {
	Key     string
	Op      event.Action
	Seq     uint64
	Payload []byte
}

// Response answers a Request.
type Response struct {
	Key     string
	Op      event.Action
	Status  Status
	Payload []byte
}

// Engine errors, matching spec §7's error-kind surface.
var (
	ErrInvalidKey = errors.New("storage: invalid key")
	ErrInvalidOp  = errors.New("storage: invalid op")
	ErrServer     = errors.New("storage: server error")
)

// DefaultCompactionThreshold is the memtable size, in bytes, at which
// try_memtable_compact seals it into a new SSTable. original_source's
// memtable carries the same default (MAX_SIZE_IN_BYTES = 2048).
const DefaultCompactionThreshold = 2048

// Engine orchestrates the WAL, memtable, SSTable list, bloom filter and
// key-to-tid map for one node's directory. All state is guarded by a single
// readers-writer lock: readers may race with each other but never with a
// write or a compaction, matching spec §5's concurrency model.
type Engine struct {
	mu sync.RWMutex

	dir       string
	threshold int64

	wal      *WAL
	memtable *MemTable
	sstables []*SSTable // position 0 is oldest
	filter   *bloom.Filter
	keyToTID map[string]event.TID
	cache    *readCache

	logger *log.Logger
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithCompactionThreshold overrides DefaultCompactionThreshold.
func WithCompactionThreshold(bytes int64) Option {
	return func(e *Engine) { e.threshold = bytes }
}

// WithReadCache enables a bounded read-through cache of the given capacity.
func WithReadCache(capacity int) Option {
	return func(e *Engine) {
		if capacity > 0 {
			e.cache = newReadCache(capacity)
		}
	}
}

// Open recovers (or initializes) an engine rooted at dir: every .wal file is
// replayed into a fresh memtable, every .table file is loaded as an
// SSTable, the bloom filter is rebuilt from both, and a new empty WAL is
// opened for subsequent writes. The key-to-tid map starts empty: keys are
// not stored on disk, so recovered events keep their tids but cannot be
// reached through GetEventByKey, and a later write to the same key is
// assigned a new tid.
func Open(dir string, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	e := &Engine{
		dir:       dir,
		threshold: DefaultCompactionThreshold,
		keyToTID:  make(map[string]event.TID),
		filter:    bloom.New(),
		logger:    log.New(os.Stderr, "[storage] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}

	recovered, err := Recover(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: recover: %w", err)
	}
	e.memtable = recovered.MemTable
	e.sstables = recovered.SSTables
	e.rebuildIndexesLocked()

	wal, err := NewWAL(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: open wal: %w", err)
	}
	e.wal = wal

	return e, nil
}

// rebuildIndexesLocked recomputes the bloom filter from the authoritative
// memtable + SSTable contents. The caller must hold mu. The key-to-tid map
// is left as it is: events carry no key, so it cannot be derived from them.
//
// This is the engine's chosen answer to the bloom-filter-delete open
// question (spec §9, option c): the filter is never shrunk by a live
// delete_event call, only rebuilt wholesale here, at startup and after every
// merge — so a non-counting filter never shadows an unrelated live tid.
func (e *Engine) rebuildIndexesLocked() {
	e.filter.Reset()

	apply := func(ev *event.Event) {
		e.filter.Add(ev.TID())
	}
	for _, ev := range e.memtable.Events() {
		apply(ev)
	}
	for _, sst := range e.sstables {
		for _, tid := range sst.TIDs() {
			e.filter.Add(tid)
		}
	}
}

// resolveTID returns the tid assigned to key and whether key has one. New
// mappings are recorded only by AddEvent, and a key maps to at most one tid
// for the engine's lifetime.
func (e *Engine) resolveTID(key string) (event.TID, bool) {
	tid, ok := e.keyToTID[key]
	return tid, ok
}

// AddEvent resolves or assigns key's tid, appends the event to the WAL,
// inserts it into the memtable, and returns the outcome. Only Write and
// Delete ops are accepted here; Read requests are rejected with InvalidOp
// (reads go through GetEventByKey instead).
func (e *Engine) AddEvent(req Request) (Response, error) {
	if req.Op != event.ActionWrite && req.Op != event.ActionDelete {
		return Response{Key: req.Key, Op: req.Op, Status: StatusInvalidOp}, ErrInvalidOp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tid, existing := e.resolveTID(req.Key)
	if !existing {
		tid = event.NewTID()
		e.keyToTID[req.Key] = tid
		e.filter.Add(tid)
	}

	ev := event.NewWithTID(req.Op, req.Seq, tid)
	if req.Op == event.ActionWrite {
		ev.SetPayload(req.Payload)
	}

	if err := e.wal.Append(ev); err != nil {
		return Response{Key: req.Key, Op: req.Op, Status: StatusServerError}, fmt.Errorf("%w: %v", ErrServer, err)
	}

	e.memtable.Insert(ev)
	if e.cache != nil {
		e.cache.put(tid, ev)
	}

	return Response{Key: req.Key, Op: req.Op, Status: StatusOk}, nil
}

// DeleteEvent resolves key's tid, appends a Delete WAL record carrying tid
// and seq, and applies the tombstone to the memtable immediately so the
// memtable and WAL agree after a subsequent recovery. The bloom filter is
// left unchanged; it is only ever rebuilt wholesale (see
// rebuildIndexesLocked).
func (e *Engine) DeleteEvent(key string, seq uint64) (Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tid, ok := e.resolveTID(key)
	if !ok {
		return Response{Key: key, Op: event.ActionDelete, Status: StatusInvalidKey}, ErrInvalidKey
	}

	if err := e.wal.AppendDelete(tid, seq); err != nil {
		return Response{Key: key, Op: event.ActionDelete, Status: StatusServerError}, fmt.Errorf("%w: %v", ErrServer, err)
	}

	tombstone := event.NewWithTID(event.ActionDelete, seq, tid)
	e.memtable.Insert(tombstone)
	if e.cache != nil {
		e.cache.remove(tid)
	}

	return Response{Key: key, Op: event.ActionDelete, Status: StatusOk}, nil
}

// GetEventByKey resolves key's tid, consults the bloom filter, then the
// memtable, then the SSTable list newest-to-oldest. Reads never mutate
// engine state beyond the optional read cache.
func (e *Engine) GetEventByKey(key string) (Response, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tid, ok := e.resolveTID(key)
	if !ok {
		return Response{Key: key, Status: StatusInvalidKey}, ErrInvalidKey
	}
	if !e.filter.Contains(tid) {
		return Response{Key: key, Status: StatusInvalidKey}, ErrInvalidKey
	}

	if e.cache != nil {
		if ev, hit := e.cache.get(tid); hit {
			return responseFromEvent(key, ev)
		}
	}

	if ev, found := e.memtable.Get(tid); found {
		if e.cache != nil {
			e.cache.put(tid, ev)
		}
		return responseFromEvent(key, ev)
	}

	for i := len(e.sstables) - 1; i >= 0; i-- {
		ev, err := e.sstables[i].Get(tid)
		if err != nil {
			return Response{Key: key, Status: StatusServerError}, fmt.Errorf("%w: %v", ErrServer, err)
		}
		if ev != nil {
			if e.cache != nil {
				e.cache.put(tid, ev)
			}
			return responseFromEvent(key, ev)
		}
	}

	return Response{Key: key, Status: StatusInvalidKey}, ErrInvalidKey
}

func responseFromEvent(key string, ev *event.Event) (Response, error) {
	if ev.Action() == event.ActionDelete {
		return Response{Key: key, Op: ev.Action(), Status: StatusInvalidKey}, ErrInvalidKey
	}
	payload, _ := ev.Payload()
	return Response{Key: key, Op: ev.Action(), Status: StatusOk, Payload: payload}, nil
}

// ContainsEvent reports whether tid is present in the memtable or any
// SSTable, short-circuiting on a bloom filter miss.
func (e *Engine) ContainsEvent(tid event.TID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.filter.Contains(tid) {
		return false
	}
	if e.memtable.Contains(tid) {
		return true
	}
	for _, sst := range e.sstables {
		if sst.Contains(tid) {
			return true
		}
	}
	return false
}

// TryMemTableCompact seals the memtable into a new SSTable when its size
// has reached the configured threshold. On success it swaps in an empty
// memtable, appends the new SSTable, opens a fresh WAL, and retires the
// prior WAL (its contents are now durable in the new SSTable). It is a
// no-op below the threshold.
func (e *Engine) TryMemTableCompact() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.memtable.Size() < e.threshold {
		return nil
	}

	sealed := e.memtable
	sst, err := FromMemTable(e.dir, sealed)
	if err != nil {
		return fmt.Errorf("storage: seal memtable: %w", err)
	}

	oldWAL := e.wal
	newWAL, err := NewWAL(e.dir)
	if err != nil {
		return fmt.Errorf("storage: open new wal: %w", err)
	}

	e.sstables = append(e.sstables, sst)
	e.memtable = New()
	e.wal = newWAL

	if err := oldWAL.Remove(); err != nil {
		e.logger.Printf("failed to remove sealed wal %s: %v", oldWAL.Path(), err)
	}

	return nil
}

// TryTablesCompact merges the two oldest SSTables (positions 0 and 1) when
// at least two exist, replacing both with the merged result at position 0.
// It is a no-op with fewer than two tables. The bloom filter is rebuilt
// afterward from the authoritative post-merge tid set — see
// rebuildIndexesLocked.
func (e *Engine) TryTablesCompact() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.sstables) < 2 {
		return nil
	}

	oldest, second := e.sstables[0], e.sstables[1]
	merged, err := Merge(e.dir, oldest, second)
	if err != nil {
		return fmt.Errorf("storage: merge sstables: %w", err)
	}

	rest := append([]*SSTable{merged}, e.sstables[2:]...)
	e.sstables = rest
	e.rebuildIndexesLocked()

	return nil
}

// Close flushes and closes the current WAL and every SSTable's mapping.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, sst := range e.sstables {
		if err := sst.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MemTableSize exposes the current memtable size in bytes.
func (e *Engine) MemTableSize() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.memtable.Size()
}

// SSTableCount reports how many SSTables the engine currently holds.
func (e *Engine) SSTableCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sstables)
}
