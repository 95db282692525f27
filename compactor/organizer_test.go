package compactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPathLayout(t *testing.T) {
	bucketStart := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	got := Path(1, "test", 1, "test", 1, bucketStart, 0)
	assert.Equal(t, "dbs/test-1/test-1/gen1/2023-01-01/00-00/0.parquet", got)

	// The table name appears in both directory components; the database
	// name only contributes its id.
	bucketStart = time.Date(2023, 6, 15, 10, 30, 0, 0, time.UTC).UnixNano()
	got = Path(4, "prod", 9, "cpu", 2, bucketStart, 7)
	assert.Equal(t, "dbs/cpu-4/cpu-9/gen2/2023-06-15/10-30/7.parquet", got)
}

func TestPathUsesUTC(t *testing.T) {
	// A bucket start just before midnight UTC must not roll the date
	// component, regardless of the host timezone.
	bucketStart := time.Date(2023, 12, 31, 23, 50, 0, 0, time.UTC).UnixNano()
	got := Path(1, "db", 2, "mem", 3, bucketStart, 12)
	assert.Equal(t, "dbs/mem-1/mem-2/gen3/2023-12-31/23-50/12.parquet", got)
}

func TestPathIsDeterministic(t *testing.T) {
	bucketStart := time.Date(2024, 2, 29, 6, 0, 0, 0, time.UTC).UnixNano()
	a := Path(3, "db", 5, "disk", 4, bucketStart, 42)
	b := Path(3, "db", 5, "disk", 4, bucketStart, 42)
	assert.Equal(t, a, b)
}

func TestTablePrefix(t *testing.T) {
	assert.Equal(t, "dbs/cpu-1/cpu-9/", TablePrefix(1, 9, "cpu"))

	bucketStart := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	path := Path(1, "db", 9, "cpu", 1, bucketStart, 0)
	assert.Contains(t, path, TablePrefix(1, 9, "cpu"))
}
