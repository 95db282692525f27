package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/catalog"
	"github.com/stratadb/strata/core"
	"github.com/stratadb/strata/objstore"
	"github.com/stratadb/strata/segment"
)

// TableRef is the fixture table used across tests.
var TableRef = catalog.TableRef{
	DatabaseID:   1,
	DatabaseName: "testdb",
	TableID:      1,
	TableName:    "cpu",
}

// MakeRows produces n rows for one series starting at startTime, spaced
// by step, with WAL sequences counting up from firstSeq.
func MakeRows(series string, n int, startTime int64, step time.Duration, firstSeq uint64) []core.Row {
	rows := make([]core.Row, n)
	for i := range rows {
		rows[i] = core.Row{
			SeriesKey: []byte(series),
			Timestamp: startTime + int64(i)*int64(step),
			Value:     []byte(fmt.Sprintf("v%d", firstSeq+uint64(i))),
			Sequence:  firstSeq + uint64(i),
		}
	}
	return rows
}

// WriteSegment encodes rows into a segment and stores it at path,
// registering the metadata with the catalog admin. Rows must already be
// in merge order.
func WriteSegment(t *testing.T, store objstore.Store, admin catalog.Admin, path string, level core.GenerationLevel, compressor core.Compressor, rows []core.Row) core.FileMetadata {
	t.Helper()
	require.NotEmpty(t, rows)

	w, err := segment.NewWriter(segment.WriterOptions{Compressor: compressor})
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, w.Append(row))
	}
	data, err := w.Finish()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, path, data))

	meta := core.FileMetadata{
		DatabaseID: TableRef.DatabaseID,
		TableID:    TableRef.TableID,
		Level:      level,
		MinTime:    w.MinTime(),
		MaxTime:    w.MaxTime(),
		RowCount:   w.RowCount(),
		SizeBytes:  uint64(len(data)),
		Path:       path,
	}
	registered, err := admin.AddFile(ctx, meta)
	require.NoError(t, err)
	return registered
}

// ReadAllRows decodes every row of the object at path.
func ReadAllRows(t *testing.T, store objstore.Store, path string) []core.Row {
	t.Helper()
	data, err := store.Get(context.Background(), path)
	require.NoError(t, err)
	r, err := segment.OpenReader(data)
	require.NoError(t, err)
	var rows []core.Row
	it := r.Iter()
	for it.Next() {
		rows = append(rows, it.Row())
	}
	require.NoError(t, it.Err())
	return rows
}
