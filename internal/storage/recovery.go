package storage

import (
	"bufio"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// cataloged file discovered in a directory, with its epoch extracted from
// its filename for ascending-order replay.
type cataloged struct {
	epoch uint64
	path  string
}

// catalog lists every file in dir with the given extension (without the
// leading dot), sorted in ascending epoch order.
func catalog(dir, ext string) ([]cataloged, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var found []cataloged
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, "."+ext) {
			continue
		}
		epoch, err := epochFromFilename(name)
		if err != nil {
			log.Printf("storage: skipping unparsable %s file %q: %v", ext, name, err)
			continue
		}
		found = append(found, cataloged{epoch: epoch, path: filepath.Join(dir, name)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].epoch < found[j].epoch })
	return found, nil
}

// Recovered is the result of scanning a directory at startup: a freshly
// reconstructed memtable from every WAL, and the ordered SSTable list from
// every table file.
type Recovered struct {
	MemTable *MemTable
	SSTables []*SSTable
}

// Recover reconstructs the engine's memtable and SSTable list from dir.
// Every .wal file is replayed in ascending epoch order into one fresh
// memtable (later events overwrite earlier ones for the same tid, per
// Insert's own semantics). Every .table file is loaded, in ascending epoch
// order, into the SSTable list.
func Recover(dir string) (*Recovered, error) {
	mt := New()

	wals, err := catalog(dir, "wal")
	if err != nil {
		return nil, err
	}
	for _, w := range wals {
		if err := replayInto(mt, w.path); err != nil {
			return nil, err
		}
	}

	tables, err := catalog(dir, "table")
	if err != nil {
		return nil, err
	}
	sstables := make([]*SSTable, 0, len(tables))
	for _, t := range tables {
		sst, err := OpenSSTable(t.path)
		if err != nil {
			return nil, err
		}
		sstables = append(sstables, sst)
	}

	return &Recovered{MemTable: mt, SSTables: sstables}, nil
}

func replayInto(mt *MemTable, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	reader := &EventReader{file: f, r: bufio.NewReader(f)}
	defer reader.Close()

	for {
		e, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		mt.Insert(e)
	}
	return nil
}
