package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/relaydb/engine/internal/event"
)

// SSTable is an immutable on-disk, ascending-tid-ordered file of events,
// named "<prefix>-<epoch>.table". It is memory-mapped read-only after
// creation or load, matching the teacher's mmap-backed read path.
type SSTable struct {
	path  string
	epoch uint64
	file  *os.File
	mm    []byte
	index []indexEntry // ascending by tid
}

type indexEntry struct {
	tid    event.TID
	offset int
	size   int
}

// Epoch is the microsecond-resolution timestamp this table was created (or
// produced by a merge) at; it breaks ties during merge and orders the
// engine's SSTable list.
func (s *SSTable) Epoch() uint64 { return s.epoch }

// Path returns the table's file path.
func (s *SSTable) Path() string { return s.path }

// FromMemTable seals mt into a brand-new SSTable file in dir. The memtable's
// contents are fully consumed into the file; mt itself is left intact for
// the caller to discard.
func FromMemTable(dir string, mt *MemTable) (*SSTable, error) {
	epoch := epochNow()
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.table", filePrefix, epoch))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	var index []indexEntry
	offset := 0
	w := bufio.NewWriter(f)
	for _, e := range mt.Events() {
		buf := e.Encode(nil)
		if _, err := w.Write(buf); err != nil {
			f.Close()
			return nil, err
		}
		index = append(index, indexEntry{tid: e.TID(), offset: offset, size: len(buf)})
		offset += len(buf)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return openMapped(path, epoch, index)
}

// OpenSSTable loads an existing SSTable file, memory-maps it read-only, and
// rebuilds its index with a single sequential scan (the format carries no
// persisted index header; spec.md allows this).
func OpenSSTable(path string) (*SSTable, error) {
	epoch, err := epochFromFilename(path)
	if err != nil {
		return nil, err
	}

	index, err := scanIndex(path)
	if err != nil {
		return nil, err
	}
	return openMapped(path, epoch, index)
}

func scanIndex(path string) ([]indexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var index []indexEntry
	offset := 0
	r := bufio.NewReader(f)
	for {
		start := offset
		e, err := event.Decode(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		size := len(e.Encode(nil))
		index = append(index, indexEntry{tid: e.TID(), offset: start, size: size})
		offset += size
	}
	return index, nil
}

func openMapped(path string, epoch uint64, index []indexEntry) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	var mm []byte
	if stat.Size() > 0 {
		mm, err = unix.Mmap(int(f.Fd()), 0, int(stat.Size()), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	return &SSTable{path: path, epoch: epoch, file: f, mm: mm, index: index}, nil
}

// Close unmaps and closes the underlying file.
func (s *SSTable) Close() error {
	if s.mm != nil {
		if err := unix.Munmap(s.mm); err != nil {
			return err
		}
	}
	return s.file.Close()
}

// Contains scans the in-memory index for tid. Files are small after
// compaction, so a binary search over the index suffices without any
// further disk access.
func (s *SSTable) Contains(tid event.TID) bool {
	_, ok := s.find(tid)
	return ok
}

// Get returns the event for tid, if present.
func (s *SSTable) Get(tid event.TID) (*event.Event, error) {
	entry, ok := s.find(tid)
	if !ok {
		return nil, nil
	}
	r := bufio.NewReader(bytes.NewReader(s.mm[entry.offset : entry.offset+entry.size]))
	return event.Decode(r)
}

func (s *SSTable) find(tid event.TID) (indexEntry, bool) {
	i := sort.Search(len(s.index), func(i int) bool {
		return !s.index[i].tid.Less(tid)
	})
	if i >= len(s.index) || s.index[i].tid != tid {
		return indexEntry{}, false
	}
	return s.index[i], true
}

// Events returns every event in the table in ascending tid order.
func (s *SSTable) Events() ([]*event.Event, error) {
	out := make([]*event.Event, 0, len(s.index))
	for _, entry := range s.index {
		r := bufio.NewReader(bytes.NewReader(s.mm[entry.offset : entry.offset+entry.size]))
		e, err := event.Decode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func epochFromFilename(path string) (uint64, error) {
	name := filepath.Base(path)
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '.' })
	if len(parts) < 2 {
		return 0, fmt.Errorf("storage: cannot parse epoch from filename %q", name)
	}
	return strconv.ParseUint(parts[1], 10, 64)
}

// Merge consumes two SSTables and produces a new one in the same directory,
// per the ascending-tid pairwise merge rule: on a tid collision the event
// from the newer epoch wins; any event whose action is Delete tombstones its
// tid, erasing every prior event for that tid from the merged output. The
// merged file's epoch is the newer of the two inputs. The merged stream is
// written to a temporary file first; only once it is fully written and
// flushed is it renamed over the newer input's path and the older input
// unlinked. If writing fails, both inputs are left intact.
func Merge(dir string, a, b *SSTable) (*SSTable, error) {
	aEvents, err := a.Events()
	if err != nil {
		return nil, err
	}
	bEvents, err := b.Events()
	if err != nil {
		return nil, err
	}

	merged := pairwiseMerge(aEvents, a.epoch, bEvents, b.epoch)
	merged = dropTombstoned(merged)

	epoch := a.epoch
	if b.epoch > epoch {
		epoch = b.epoch
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.table", filePrefix, epoch))
	tmp := path + ".tmp"

	if err := writeEvents(tmp, merged); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	if err := a.Close(); err != nil {
		return nil, err
	}
	if err := b.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	for _, in := range []*SSTable{a, b} {
		if in.path == path {
			continue
		}
		if err := os.Remove(in.path); err != nil {
			return nil, err
		}
	}

	return OpenSSTable(path)
}

func pairwiseMerge(a []*event.Event, epochA uint64, b []*event.Event, epochB uint64) []*event.Event {
	var out []*event.Event
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i >= len(a):
			out = append(out, b[j])
			j++
		case j >= len(b):
			out = append(out, a[i])
			i++
		case a[i].TID() == b[j].TID():
			if epochA > epochB {
				out = append(out, a[i])
			} else {
				out = append(out, b[j])
			}
			i++
			j++
		case a[i].TID().Less(b[j].TID()):
			out = append(out, a[i])
			i++
		default:
			out = append(out, b[j])
			j++
		}
	}
	return out
}

func dropTombstoned(events []*event.Event) []*event.Event {
	tombstoned := make(map[event.TID]struct{})
	for _, e := range events {
		if e.Action() == event.ActionDelete {
			tombstoned[e.TID()] = struct{}{}
		}
	}
	out := events[:0:0]
	for _, e := range events {
		if _, dead := tombstoned[e.TID()]; dead {
			continue
		}
		out = append(out, e)
	}
	return out
}

func writeEvents(path string, events []*event.Event) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, e := range events {
		if _, err := w.Write(e.Encode(nil)); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// TIDs returns, in ascending order, every tid this table holds. Used to
// rebuild the engine's bloom filter from the authoritative post-merge set.
func (s *SSTable) TIDs() []event.TID {
	out := make([]event.TID, len(s.index))
	for i, entry := range s.index {
		out[i] = entry.tid
	}
	return out
}
