package catalog

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stratadb/strata/core"
)

// Key layout for the badger backend. Records use the binary codec in
// codec.go.
//
//	m:version          catalog version counter
//	m:seq              file creation sequence counter
//	t:<tableID>        table record
//	f:<path>           live file metadata
//	d:<path>           tombstone
//	c:<table><lvl><bk> file-index counter
var (
	keyVersion = []byte("m:version")
	keySeq     = []byte("m:seq")
)

// Badger is the durable catalog backend. The full state is mirrored in
// memory; every mutation is validated on a copy, persisted in a single
// badger transaction, and only then swapped in, so a failed write never
// leaves the mirror ahead of disk.
type Badger struct {
	mu     sync.Mutex
	db     *badger.DB
	st     *state
	logger *slog.Logger
}

var (
	_ Catalog = (*Badger)(nil)
	_ Admin   = (*Badger)(nil)
)

// OpenBadger opens (or creates) the catalog database at dir and loads
// its state.
func OpenBadger(dir string, logger *slog.Logger) (*Badger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database at %s: %w", dir, err)
	}
	b := &Badger{db: db, logger: logger.With("component", "BadgerCatalog")}
	if err := b.load(); err != nil {
		db.Close()
		return nil, err
	}
	b.logger.Info("Catalog loaded.", "tables", len(b.st.tables), "live_files", len(b.st.files), "tombstones", len(b.st.tombstones), "version", b.st.version)
	return b, nil
}

// Close releases the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) load() error {
	st := newState()
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := loadRecord(st, key, val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load catalog state: %w", err)
	}
	b.st = st
	return nil
}

func loadRecord(st *state, key, val []byte) error {
	switch {
	case string(key) == string(keyVersion):
		v, err := decodeUint64(val)
		if err != nil {
			return err
		}
		st.version = v
	case string(key) == string(keySeq):
		v, err := decodeUint64(val)
		if err != nil {
			return err
		}
		st.seq = v
	case len(key) > 2 && key[0] == 't':
		ts, err := decodeTableRecord(val)
		if err != nil {
			return err
		}
		st.tables[ts.ref.TableID] = ts
	case len(key) > 2 && key[0] == 'f':
		f, err := decodeFileMetadata(val)
		if err != nil {
			return err
		}
		st.files[f.Path] = f
	case len(key) > 2 && key[0] == 'd':
		t, err := decodeTombstone(val)
		if err != nil {
			return err
		}
		st.tombstones[t.File.Path] = t
	case len(key) > 2 && key[0] == 'c':
		ck, err := decodeCounterKey(key)
		if err != nil {
			return err
		}
		v, err := decodeUint64(val)
		if err != nil {
			return err
		}
		st.counters[ck] = v
	default:
		return fmt.Errorf("unknown catalog record key %q", key)
	}
	return nil
}

// record is one pending write produced by a mutation.
type record struct {
	key []byte
	val []byte // nil means delete
}

// mutate runs fn against a copy of the state, persists the records fn
// produced plus the version/sequence counters, then swaps the copy in.
func (b *Badger) mutate(fn func(st *state) ([]record, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.st.clone()
	records, err := fn(st)
	if err != nil {
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			if rec.val == nil {
				if err := txn.Delete(rec.key); err != nil {
					return err
				}
			} else if err := txn.Set(rec.key, rec.val); err != nil {
				return err
			}
		}
		if err := txn.Set(keyVersion, encodeUint64(st.version)); err != nil {
			return err
		}
		return txn.Set(keySeq, encodeUint64(st.seq))
	})
	if err != nil {
		return fmt.Errorf("%w: failed to persist catalog mutation: %v", ErrUnavailable, err)
	}
	b.st = st
	return nil
}

func fileKey(path string) []byte { return append([]byte("f:"), path...) }
func tombKey(path string) []byte { return append([]byte("d:"), path...) }

func tableKey(id core.TableID) []byte {
	buf := make([]byte, 2, 6)
	copy(buf, "t:")
	return binary.BigEndian.AppendUint32(buf, uint32(id))
}

func (b *Badger) ReadSnapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.snapshot(), nil
}

func (b *Badger) NextFileIndex(ctx context.Context, table core.TableID, level core.GenerationLevel, bucketStart int64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key := counterKey{Table: table, Level: level, BucketStart: bucketStart}
	var idx uint64
	err := b.mutate(func(st *state) ([]record, error) {
		idx = st.nextFileIndex(key)
		return []record{{key: encodeCounterKey(key), val: encodeUint64(st.counters[key])}}, nil
	})
	return idx, err
}

func (b *Badger) Commit(ctx context.Context, expectedVersion uint64, newFiles []core.FileMetadata, tombstonePaths []string, deleteAfter time.Time) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var newVersion uint64
	err := b.mutate(func(st *state) ([]record, error) {
		v, err := st.commit(expectedVersion, newFiles, tombstonePaths, deleteAfter)
		if err != nil {
			return nil, err
		}
		newVersion = v
		var records []record
		for _, path := range tombstonePaths {
			records = append(records, record{key: fileKey(path), val: nil})
			tombBytes, err := encodeTombstone(st.tombstones[path])
			if err != nil {
				return nil, err
			}
			records = append(records, record{key: tombKey(path), val: tombBytes})
		}
		for _, nf := range newFiles {
			// Sequences were assigned by st.commit; persist the stored copy.
			fileBytes, err := encodeFileMetadata(st.files[nf.Path])
			if err != nil {
				return nil, err
			}
			records = append(records, record{key: fileKey(nf.Path), val: fileBytes})
		}
		return records, nil
	})
	return newVersion, err
}

func (b *Badger) RegisterTable(ctx context.Context, ref TableRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.mutate(func(st *state) ([]record, error) {
		if !st.registerTable(ref) {
			return nil, nil
		}
		tableBytes, err := encodeTableRecord(st.tables[ref.TableID])
		if err != nil {
			return nil, err
		}
		return []record{{key: tableKey(ref.TableID), val: tableBytes}}, nil
	})
}

func (b *Badger) AddFile(ctx context.Context, file core.FileMetadata) (core.FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return core.FileMetadata{}, err
	}
	var added core.FileMetadata
	err := b.mutate(func(st *state) ([]record, error) {
		f, err := st.addFile(file)
		if err != nil {
			return nil, err
		}
		added = f
		fileBytes, err := encodeFileMetadata(f)
		if err != nil {
			return nil, err
		}
		return []record{{key: fileKey(f.Path), val: fileBytes}}, nil
	})
	return added, err
}

func (b *Badger) AdvanceWatermark(ctx context.Context, table core.TableID, watermark int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.mutate(func(st *state) ([]record, error) {
		if err := st.advanceWatermark(table, watermark); err != nil {
			return nil, err
		}
		tableBytes, err := encodeTableRecord(st.tables[table])
		if err != nil {
			return nil, err
		}
		return []record{{key: tableKey(table), val: tableBytes}}, nil
	})
}

func (b *Badger) ExpiredTombstones(ctx context.Context, now time.Time) ([]Tombstone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.expiredTombstones(now), nil
}

func (b *Badger) RemoveTombstones(ctx context.Context, paths []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.mutate(func(st *state) ([]record, error) {
		st.removeTombstones(paths)
		records := make([]record, 0, len(paths))
		for _, p := range paths {
			records = append(records, record{key: tombKey(p), val: nil})
		}
		return records, nil
	})
}

// IsReferenced reports whether the catalog knows the path, live or
// tombstoned.
func (b *Badger) IsReferenced(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.isReferenced(path), nil
}
