package compactor

import (
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/stratadb/strata/catalog"
	"github.com/stratadb/strata/core"
	"github.com/stratadb/strata/generations"
)

// Identifier turns a catalog snapshot into an ordered list of compaction
// jobs. It is side-effect-free: it never mutates the snapshot or talks to
// the catalog, so planning can race freely with ingestion and execution.
type Identifier struct {
	gens         *generations.Manager
	minFiles     int
	maxFiles     int
	safetyMargin time.Duration
	logger       *slog.Logger
}

// IdentifierParams holds the dependencies for NewIdentifier.
type IdentifierParams struct {
	Generations           *generations.Manager
	MinFilesForCompaction int
	MaxCompactionFiles    int
	SafetyMargin          time.Duration
	Logger                *slog.Logger
}

// NewIdentifier creates an Identifier.
func NewIdentifier(params IdentifierParams) *Identifier {
	logger := params.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Identifier{
		gens:         params.Generations,
		minFiles:     params.MinFilesForCompaction,
		maxFiles:     params.MaxCompactionFiles,
		safetyMargin: params.SafetyMargin,
		logger:       logger.With("component", "JobIdentifier"),
	}
}

// Identify plans jobs from the snapshot: per table and per source level,
// files are grouped by the target-level bucket they fall inside, and each
// closed, not-yet-promoted bucket with enough files becomes one job.
// A single pass never chains levels over the same data; promotion across
// levels cascades over successive cycles because each cycle plans only
// from files the snapshot already contains.
func (id *Identifier) Identify(snap *catalog.Snapshot) []core.CompactionJob {
	var jobs []core.CompactionJob
	for i := range snap.Tables {
		table := &snap.Tables[i]
		for source := core.MinGenerationLevel; source < core.MaxGenerationLevel; source++ {
			target := source + 1
			if !id.gens.LevelActive(target) {
				break
			}
			jobs = append(jobs, id.planLevel(table, source, target)...)
		}
	}

	// Oldest bucket first, across all tables and levels, so backlog is
	// drained fairly under sustained overload. Ties are broken on level
	// and table id to keep the order deterministic.
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := &jobs[i], &jobs[j]
		if a.TargetBucket.Start != b.TargetBucket.Start {
			return a.TargetBucket.Start < b.TargetBucket.Start
		}
		if a.SourceLevel != b.SourceLevel {
			return a.SourceLevel < b.SourceLevel
		}
		return a.TableID < b.TableID
	})
	return jobs
}

func (id *Identifier) planLevel(table *catalog.TableSnapshot, source, target core.GenerationLevel) []core.CompactionJob {
	sourceFiles := table.FilesAtLevel(source)
	if len(sourceFiles) == 0 {
		return nil
	}
	targetFiles := table.FilesAtLevel(target)

	// Group source files by the target-level bucket they fall inside.
	// Snapshot files are ordered by creation sequence, and grouping
	// preserves that order within each bucket.
	byBucket := make(map[int64][]core.FileMetadata)
	buckets := make(map[int64]core.TimeBucket)
	for _, f := range sourceFiles {
		bucket, err := id.gens.BucketFor(target, f.MinTime)
		if err != nil {
			id.logger.Warn("Skipping file at inactive target level.", "path", f.Path, "target_level", int(target), "error", err)
			continue
		}
		if !bucket.ContainsRange(f.MinTime, f.MaxTime) {
			// Violates the single-bucket invariant; leave the file alone
			// rather than produce an output spanning two buckets.
			id.logger.Warn("File spans multiple target buckets, skipping.", "path", f.Path, "bucket", bucket.String())
			continue
		}
		byBucket[bucket.Start] = append(byBucket[bucket.Start], f)
		buckets[bucket.Start] = bucket
	}

	var jobs []core.CompactionJob
	for start, files := range byBucket {
		bucket := buckets[start]
		if !id.gens.IsBucketClosed(bucket, table.IngestWatermark, id.safetyMargin) {
			continue
		}
		if alreadyPromoted(targetFiles, bucket) {
			continue
		}
		if len(files) < id.minFiles {
			continue
		}
		if id.maxFiles > 0 && len(files) > id.maxFiles {
			// Oldest files by creation sequence this cycle; the rest is
			// re-evaluated next cycle.
			files = files[:id.maxFiles]
		}
		jobs = append(jobs, core.CompactionJob{
			DatabaseID:   table.Ref.DatabaseID,
			DatabaseName: table.Ref.DatabaseName,
			TableID:      table.Ref.TableID,
			TableName:    table.Ref.TableName,
			SourceLevel:  source,
			TargetLevel:  target,
			TargetBucket: bucket,
			Inputs:       files,
		})
	}
	return jobs
}

// alreadyPromoted reports whether a target-level file already covers the
// bucket, meaning a previous job promoted it and planning must skip it.
func alreadyPromoted(targetFiles []core.FileMetadata, bucket core.TimeBucket) bool {
	for _, f := range targetFiles {
		if f.CoversBucket(bucket) {
			return true
		}
	}
	return false
}
