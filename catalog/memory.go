package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/stratadb/strata/core"
)

// Memory is the in-process catalog backend. It is the reference
// implementation for the commit semantics and the backend tests run
// against.
type Memory struct {
	mu sync.Mutex
	st *state
}

var (
	_ Catalog = (*Memory)(nil)
	_ Admin   = (*Memory)(nil)
)

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) ReadSnapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.snapshot(), nil
}

func (m *Memory) NextFileIndex(ctx context.Context, table core.TableID, level core.GenerationLevel, bucketStart int64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.nextFileIndex(counterKey{Table: table, Level: level, BucketStart: bucketStart}), nil
}

func (m *Memory) Commit(ctx context.Context, expectedVersion uint64, newFiles []core.FileMetadata, tombstonePaths []string, deleteAfter time.Time) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.commit(expectedVersion, newFiles, tombstonePaths, deleteAfter)
}

func (m *Memory) RegisterTable(ctx context.Context, ref TableRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.registerTable(ref)
	return nil
}

func (m *Memory) AddFile(ctx context.Context, file core.FileMetadata) (core.FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return core.FileMetadata{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.addFile(file)
}

func (m *Memory) AdvanceWatermark(ctx context.Context, table core.TableID, watermark int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.advanceWatermark(table, watermark)
}

func (m *Memory) ExpiredTombstones(ctx context.Context, now time.Time) ([]Tombstone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.expiredTombstones(now), nil
}

func (m *Memory) RemoveTombstones(ctx context.Context, paths []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.removeTombstones(paths)
	return nil
}

// IsReferenced reports whether the catalog knows the path, live or
// tombstoned.
func (m *Memory) IsReferenced(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.isReferenced(path), nil
}
