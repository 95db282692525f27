package core

import (
	"fmt"
	"time"
)

// DBID uniquely identifies a database within the catalog.
type DBID uint32

// TableID uniquely identifies a table within a database.
type TableID uint32

// GenerationLevel is one of the 1-5 tiers of increasing time-bucket
// coarseness. Level 1 files are produced by the WAL flusher; levels 2-5
// are produced exclusively by compaction.
type GenerationLevel int

const (
	MinGenerationLevel GenerationLevel = 1
	MaxGenerationLevel GenerationLevel = 5
)

func (l GenerationLevel) Valid() bool {
	return l >= MinGenerationLevel && l <= MaxGenerationLevel
}

func (l GenerationLevel) String() string {
	return fmt.Sprintf("gen%d", int(l))
}

// TimeBucket is the half-open interval [Start, End) covered by one bucket
// of a generation level. Times are Unix nanoseconds in UTC.
type TimeBucket struct {
	Level GenerationLevel
	Start int64
	End   int64
}

// Contains reports whether ts falls inside the bucket.
func (b TimeBucket) Contains(ts int64) bool {
	return ts >= b.Start && ts < b.End
}

// ContainsRange reports whether the inclusive range [minTime, maxTime]
// lies entirely inside the bucket.
func (b TimeBucket) ContainsRange(minTime, maxTime int64) bool {
	return minTime >= b.Start && maxTime < b.End
}

// Duration returns the width of the bucket.
func (b TimeBucket) Duration() time.Duration {
	return time.Duration(b.End - b.Start)
}

func (b TimeBucket) String() string {
	return fmt.Sprintf("%s[%s,%s)", b.Level,
		time.Unix(0, b.Start).UTC().Format(time.RFC3339),
		time.Unix(0, b.End).UTC().Format(time.RFC3339))
}

// FileMetadata describes one persisted columnar file. Entries are
// immutable once registered; promotion to a higher generation replaces
// old entries with new ones plus tombstones, it never mutates in place.
type FileMetadata struct {
	DatabaseID DBID
	TableID    TableID
	Level      GenerationLevel
	MinTime    int64 // inclusive, Unix nanoseconds
	MaxTime    int64 // inclusive, Unix nanoseconds
	RowCount   uint64
	SizeBytes  uint64
	Path       string
	Sequence   uint64 // catalog-assigned creation sequence
}

// OverlapsRange reports whether the file's time range intersects the
// inclusive range [minTime, maxTime].
func (f FileMetadata) OverlapsRange(minTime, maxTime int64) bool {
	return f.MinTime <= maxTime && f.MaxTime >= minTime
}

// CoversBucket reports whether the file's time range spans at least the
// whole bucket. Used for the idempotency check during planning: a bucket
// already covered by a target-level file must not be re-compacted.
func (f FileMetadata) CoversBucket(b TimeBucket) bool {
	return f.MinTime <= b.Start && f.MaxTime >= b.End-1
}

// CompactionJob is the unit of work merging a bounded set of same-level
// files inside one bucket into the next generation level.
type CompactionJob struct {
	DatabaseID   DBID
	DatabaseName string
	TableID      TableID
	TableName    string
	SourceLevel  GenerationLevel
	TargetLevel  GenerationLevel
	TargetBucket TimeBucket
	// Inputs are ordered by creation sequence, oldest first. All inputs
	// belong to the same table and source level and lie fully inside
	// TargetBucket.
	Inputs []FileMetadata
}

// InputBytes sums the byte sizes of the job's input files.
func (j *CompactionJob) InputBytes() uint64 {
	var total uint64
	for _, f := range j.Inputs {
		total += f.SizeBytes
	}
	return total
}

// Row is one time-series row flowing through a merge: the series key as
// established by the ingest path, the row timestamp, the encoded field
// payload, and the WAL sequence that fixed its write order.
type Row struct {
	SeriesKey []byte
	Timestamp int64
	Value     []byte
	Sequence  uint64
}
