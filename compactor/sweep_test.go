package compactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/catalog"
	"github.com/stratadb/strata/core"
	"github.com/stratadb/strata/internal/testutil"
	"github.com/stratadb/strata/objstore"
)

func TestSweepOrphans(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()
	cat := catalog.NewMemory()
	require.NoError(t, cat.RegisterTable(ctx, testutil.TableRef))

	// Live file: registered and present.
	live, err := cat.AddFile(ctx, core.FileMetadata{
		DatabaseID: 1, TableID: 1, Level: 1,
		MinTime: 0, MaxTime: tenMinutes,
		Path: "dbs/cpu-1/cpu-1/gen1/live.parquet",
	})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, live.Path, []byte("live")))

	// Consumed file: tombstoned but inside its grace period. Still
	// referenced, must survive the sweep.
	consumed, err := cat.AddFile(ctx, core.FileMetadata{
		DatabaseID: 1, TableID: 1, Level: 1,
		MinTime: tenMinutes, MaxTime: 2 * tenMinutes,
		Path: "dbs/cpu-1/cpu-1/gen1/consumed.parquet",
	})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, consumed.Path, []byte("consumed")))

	promoted := core.FileMetadata{
		DatabaseID: 1, TableID: 1, Level: 2,
		MinTime: tenMinutes, MaxTime: 2 * tenMinutes,
		Path: "dbs/cpu-1/cpu-1/gen2/promoted.parquet",
	}
	require.NoError(t, store.Put(ctx, promoted.Path, []byte("promoted")))

	snap, err := cat.ReadSnapshot(ctx)
	require.NoError(t, err)
	_, err = cat.Commit(ctx, snap.Version, []core.FileMetadata{promoted}, []string{consumed.Path}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	// Orphan: a losing job's output the catalog never heard of.
	require.NoError(t, store.Put(ctx, "dbs/cpu-1/cpu-1/gen2/orphan.parquet", []byte("orphan")))

	metrics := NewMetrics("test_orphan_sweep")
	deleted, err := SweepOrphans(ctx, store, cat, nil, metrics)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, int64(1), metrics.OrphansDeleted.Value())

	_, err = store.Get(ctx, "dbs/cpu-1/cpu-1/gen2/orphan.parquet")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	for _, path := range []string{live.Path, consumed.Path, promoted.Path} {
		_, err = store.Get(ctx, path)
		assert.NoError(t, err, path)
	}
}

func TestSweepOrphansIgnoresForeignPrefixes(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()
	cat := catalog.NewMemory()

	// Objects outside the data prefix are not ours to touch.
	require.NoError(t, store.Put(ctx, "wal/00001.log", []byte("wal")))

	deleted, err := SweepOrphans(ctx, store, cat, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	_, err = store.Get(ctx, "wal/00001.log")
	assert.NoError(t, err)
}

func TestSweepOrphansHonorsContext(t *testing.T) {
	store := objstore.NewMemory()
	cat := catalog.NewMemory()
	require.NoError(t, store.Put(context.Background(), "dbs/x.parquet", []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := SweepOrphans(ctx, store, cat, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
