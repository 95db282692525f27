// Package catalog is the single mutable source of truth for file
// metadata. It is shared by ingestion, compaction and query paths, so it
// never hands out locks: readers get immutable snapshots and writers go
// through compare-and-swap style commits against an append-only version
// counter.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/stratadb/strata/core"
)

var (
	// ErrConflict is returned by Commit when a concurrent catalog
	// mutation consumed one of the files the commit tombstones, or
	// already promoted the commit's target bucket.
	ErrConflict = errors.New("catalog commit conflict")
	// ErrUnavailable is returned when a snapshot cannot be obtained.
	ErrUnavailable = errors.New("catalog unavailable")
	// ErrUnknownTable is returned for operations against an unregistered table.
	ErrUnknownTable = errors.New("unknown table")
)

// TableRef identifies one table and carries the display names used in
// object-store paths.
type TableRef struct {
	DatabaseID   core.DBID
	DatabaseName string
	TableID      core.TableID
	TableName    string
}

// Tombstone marks a consumed file that is soft-deleted: the object is
// only physically removed once DeleteAfter has passed.
type Tombstone struct {
	File        core.FileMetadata
	DeleteAfter time.Time
}

// TableSnapshot is the per-table slice of a Snapshot.
type TableSnapshot struct {
	Ref TableRef
	// IngestWatermark is the timestamp the exogenous flush path has
	// durably persisted past; buckets ending before it (minus the
	// safety margin) can still receive files and are not closed.
	IngestWatermark int64
	// Files holds all live (non-tombstoned) files, all levels, ordered
	// by creation sequence.
	Files []core.FileMetadata
}

// FilesAtLevel returns the table's live files at one generation level.
func (t *TableSnapshot) FilesAtLevel(level core.GenerationLevel) []core.FileMetadata {
	var out []core.FileMetadata
	for _, f := range t.Files {
		if f.Level == level {
			out = append(out, f)
		}
	}
	return out
}

// Snapshot is an immutable point-in-time read of the catalog used for
// planning. Identification never mutates it.
type Snapshot struct {
	Version uint64
	Tables  []TableSnapshot
}

// Catalog is the interface the compaction engine consumes.
type Catalog interface {
	// ReadSnapshot returns a consistent immutable view of all tables.
	ReadSnapshot(ctx context.Context) (*Snapshot, error)

	// NextFileIndex atomically draws the next output-file index for a
	// (table, level, bucket) scope. Indices are never reused, which is
	// the sole collision-freedom mechanism for output paths.
	NextFileIndex(ctx context.Context, table core.TableID, level core.GenerationLevel, bucketStart int64) (uint64, error)

	// Commit atomically registers newFiles and tombstones the files at
	// tombstonePaths with the given delete-after time. It fails with
	// ErrConflict when a concurrent mutation has advanced the catalog
	// past expectedVersion in a way that touches the same files, and
	// returns the new catalog version on success.
	Commit(ctx context.Context, expectedVersion uint64, newFiles []core.FileMetadata, tombstonePaths []string, deleteAfter time.Time) (uint64, error)
}

// Admin is the surface used by the exogenous collaborators (WAL flusher,
// cleanup) and by the driver's tombstone purge. Both shipped backends
// implement Catalog and Admin.
type Admin interface {
	// RegisterTable makes a table known to the catalog. Registering an
	// existing table is a no-op.
	RegisterTable(ctx context.Context, ref TableRef) error

	// AddFile registers an exogenously created level-1 file. The catalog
	// assigns the creation sequence number.
	AddFile(ctx context.Context, file core.FileMetadata) (core.FileMetadata, error)

	// AdvanceWatermark moves a table's ingest watermark forward. Calls
	// that would move it backward are ignored.
	AdvanceWatermark(ctx context.Context, table core.TableID, watermark int64) error

	// ExpiredTombstones lists tombstones whose grace period has elapsed.
	ExpiredTombstones(ctx context.Context, now time.Time) ([]Tombstone, error)

	// RemoveTombstones drops tombstone entries after their objects have
	// been physically deleted.
	RemoveTombstones(ctx context.Context, paths []string) error
}
