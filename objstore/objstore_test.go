package objstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendTest exercises the Store contract against one backend.
func backendTest(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "dbs/none/missing.parquet")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put get round trip", func(t *testing.T) {
		payload := []byte("segment-bytes")
		require.NoError(t, store.Put(ctx, "dbs/cpu-1/cpu-1/gen1/2023-01-01/00-00/0.parquet", payload))

		got, err := store.Get(ctx, "dbs/cpu-1/cpu-1/gen1/2023-01-01/00-00/0.parquet")
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("list by prefix", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "dbs/cpu-1/cpu-1/gen1/2023-01-01/00-10/0.parquet", []byte("a")))
		require.NoError(t, store.Put(ctx, "dbs/cpu-1/cpu-1/gen2/2023-01-01/00-00/0.parquet", []byte("b")))
		require.NoError(t, store.Put(ctx, "other/file", []byte("c")))

		paths, err := store.List(ctx, "dbs/cpu-1/cpu-1/gen1/")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"dbs/cpu-1/cpu-1/gen1/2023-01-01/00-00/0.parquet",
			"dbs/cpu-1/cpu-1/gen1/2023-01-01/00-10/0.parquet",
		}, paths)

		all, err := store.List(ctx, "dbs/")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "dbs/tmp/x.parquet", []byte("x")))
		require.NoError(t, store.Delete(ctx, "dbs/tmp/x.parquet"))
		_, err := store.Get(ctx, "dbs/tmp/x.parquet")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, store.Delete(ctx, "dbs/tmp/x.parquet"), ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	backendTest(t, NewMemory())
}

func TestFilesystemStore(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	backendTest(t, fs)
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	payload := []byte("original")
	require.NoError(t, store.Put(ctx, "p", payload))
	payload[0] = 'X'

	got, err := store.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[1] = 'Y'
	again, err := store.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestFilesystemPutIsAtomic(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFilesystem(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Put(ctx, "dbs/a/b.parquet", []byte("data")))

	// No temp artifacts left behind, and listings never expose them.
	var leftovers []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".tmp" {
			leftovers = append(leftovers, path)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	paths, err := fs.List(ctx, "dbs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"dbs/a/b.parquet"}, paths)
}
