package compactor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/catalog"
	"github.com/stratadb/strata/core"
	"github.com/stratadb/strata/generations"
)

const (
	tenMinutes = int64(10 * time.Minute)
	oneHour    = int64(time.Hour)
	oneDay     = int64(24 * time.Hour)
)

// twoLevels is 10m gen1 / 1h gen2, the configuration most planning tests
// run against.
func twoLevels(t *testing.T) *generations.Manager {
	t.Helper()
	m, err := generations.NewManager(generations.Options{
		Gen1: 10 * time.Minute,
		Gen2: time.Hour,
	})
	require.NoError(t, err)
	return m
}

func threeLevels(t *testing.T) *generations.Manager {
	t.Helper()
	m, err := generations.NewManager(generations.Options{
		Gen1: 10 * time.Minute,
		Gen2: time.Hour,
		Gen3: generations.Day,
	})
	require.NoError(t, err)
	return m
}

func newTestIdentifier(t *testing.T, gens *generations.Manager, minFiles, maxFiles int, margin time.Duration) *Identifier {
	t.Helper()
	return NewIdentifier(IdentifierParams{
		Generations:           gens,
		MinFilesForCompaction: minFiles,
		MaxCompactionFiles:    maxFiles,
		SafetyMargin:          margin,
	})
}

// gen1Files produces n level-1 files covering successive 10-minute slices
// starting at bucketStart, sequences counting up from firstSeq.
func gen1Files(n int, bucketStart int64, firstSeq uint64) []core.FileMetadata {
	files := make([]core.FileMetadata, n)
	for i := range files {
		start := bucketStart + int64(i%6)*tenMinutes
		files[i] = core.FileMetadata{
			DatabaseID: 1,
			TableID:    1,
			Level:      1,
			MinTime:    start,
			MaxTime:    start + tenMinutes - 1,
			SizeBytes:  1024,
			Path:       fmt.Sprintf("dbs/cpu-1/cpu-1/gen1/f-%d.parquet", firstSeq+uint64(i)),
			Sequence:   firstSeq + uint64(i),
		}
	}
	return files
}

func snapshotOf(watermark int64, files ...core.FileMetadata) *catalog.Snapshot {
	return &catalog.Snapshot{
		Version: 1,
		Tables: []catalog.TableSnapshot{{
			Ref:             catalog.TableRef{DatabaseID: 1, DatabaseName: "testdb", TableID: 1, TableName: "cpu"},
			IngestWatermark: watermark,
			Files:           files,
		}},
	}
}

func TestIdentifyPlansClosedBucket(t *testing.T) {
	id := newTestIdentifier(t, twoLevels(t), 10, 0, 5*time.Minute)

	// 12 level-1 files inside the gen2 bucket [0, 1h), watermark well past
	// the bucket end plus the margin.
	files := gen1Files(12, 0, 1)
	snap := snapshotOf(oneHour+int64(10*time.Minute), files...)

	jobs := id.Identify(snap)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, core.GenerationLevel(1), job.SourceLevel)
	assert.Equal(t, core.GenerationLevel(2), job.TargetLevel)
	assert.Equal(t, core.TimeBucket{Level: 2, Start: 0, End: oneHour}, job.TargetBucket)
	assert.Equal(t, "cpu", job.TableName)
	assert.Len(t, job.Inputs, 12)
}

func TestIdentifyRespectsMinFiles(t *testing.T) {
	id := newTestIdentifier(t, twoLevels(t), 10, 0, 5*time.Minute)

	snap := snapshotOf(oneHour*2, gen1Files(6, 0, 1)...)
	assert.Empty(t, id.Identify(snap))

	// One more file over the threshold and the bucket qualifies.
	snap = snapshotOf(oneHour*2, gen1Files(10, 0, 1)...)
	assert.Len(t, id.Identify(snap), 1)
}

func TestIdentifyCapsJobSizeOldestFirst(t *testing.T) {
	id := newTestIdentifier(t, twoLevels(t), 10, 100, 0)

	snap := snapshotOf(oneHour*2, gen1Files(250, 0, 1)...)
	jobs := id.Identify(snap)
	require.Len(t, jobs, 1)
	require.Len(t, jobs[0].Inputs, 100)

	// The cap keeps the oldest files by creation sequence; the remainder
	// waits for the next cycle.
	for i, f := range jobs[0].Inputs {
		assert.Equal(t, uint64(i+1), f.Sequence)
	}
}

func TestIdentifySkipsOpenBucket(t *testing.T) {
	margin := 5 * time.Minute
	id := newTestIdentifier(t, twoLevels(t), 1, 0, margin)
	files := gen1Files(12, 0, 1)

	// Watermark one nanosecond short of end+margin: still open.
	snap := snapshotOf(oneHour+int64(margin)-1, files...)
	assert.Empty(t, id.Identify(snap))

	// Exactly at end+margin: closed.
	snap = snapshotOf(oneHour+int64(margin), files...)
	assert.Len(t, id.Identify(snap), 1)
}

func TestIdentifySkipsPromotedBucket(t *testing.T) {
	id := newTestIdentifier(t, twoLevels(t), 1, 0, 0)

	files := gen1Files(12, 0, 1)
	promoted := core.FileMetadata{
		DatabaseID: 1, TableID: 1, Level: 2,
		MinTime: 0, MaxTime: oneHour - 1,
		Path: "dbs/cpu-1/cpu-1/gen2/p.parquet", Sequence: 100,
	}
	snap := snapshotOf(oneHour*2, append(files, promoted)...)

	// The gen2 file covers [0, 1h); re-planning the same bucket would
	// duplicate data, so it is skipped even though the inputs are live.
	assert.Empty(t, id.Identify(snap))
}

func TestIdentifyOrdersJobsOldestBucketFirst(t *testing.T) {
	id := newTestIdentifier(t, twoLevels(t), 2, 0, 0)

	newer := gen1Files(4, oneHour*3, 50)
	older := gen1Files(4, 0, 1)
	middle := gen1Files(4, oneHour, 20)
	snap := snapshotOf(oneHour*10, append(append(newer, older...), middle...)...)

	jobs := id.Identify(snap)
	require.Len(t, jobs, 3)
	assert.Equal(t, int64(0), jobs[0].TargetBucket.Start)
	assert.Equal(t, oneHour, jobs[1].TargetBucket.Start)
	assert.Equal(t, oneHour*3, jobs[2].TargetBucket.Start)
}

func TestIdentifyDoesNotChainLevelsInOnePass(t *testing.T) {
	id := newTestIdentifier(t, threeLevels(t), 2, 0, 0)

	// Only gen1 files exist. A single pass may plan gen1 -> gen2, but it
	// must not assume those outputs and plan gen2 -> gen3 over them.
	snap := snapshotOf(oneDay*2, gen1Files(12, 0, 1)...)
	jobs := id.Identify(snap)
	require.Len(t, jobs, 1)
	assert.Equal(t, core.GenerationLevel(2), jobs[0].TargetLevel)
}

func TestIdentifyPlansHigherLevelsFromExistingFiles(t *testing.T) {
	id := newTestIdentifier(t, threeLevels(t), 2, 0, 0)

	// Two gen2 files inside the gen3 bucket [0, 1d): a later cycle's view
	// after gen1 -> gen2 promotions landed.
	g2 := []core.FileMetadata{
		{DatabaseID: 1, TableID: 1, Level: 2, MinTime: 0, MaxTime: oneHour - 1, Path: "dbs/g2-a.parquet", Sequence: 30},
		{DatabaseID: 1, TableID: 1, Level: 2, MinTime: oneHour, MaxTime: 2*oneHour - 1, Path: "dbs/g2-b.parquet", Sequence: 31},
	}
	snap := snapshotOf(oneDay*2, g2...)
	jobs := id.Identify(snap)
	require.Len(t, jobs, 1)
	assert.Equal(t, core.GenerationLevel(2), jobs[0].SourceLevel)
	assert.Equal(t, core.GenerationLevel(3), jobs[0].TargetLevel)
	assert.Equal(t, core.TimeBucket{Level: 3, Start: 0, End: oneDay}, jobs[0].TargetBucket)
}

func TestIdentifyStopsAtMaxActiveLevel(t *testing.T) {
	id := newTestIdentifier(t, twoLevels(t), 1, 0, 0)

	// Gen3 is not configured, so gen2 files have nowhere to go.
	g2 := core.FileMetadata{DatabaseID: 1, TableID: 1, Level: 2, MinTime: 0, MaxTime: oneHour - 1, Path: "dbs/g2.parquet", Sequence: 5}
	snap := snapshotOf(oneDay, g2)
	assert.Empty(t, id.Identify(snap))
}

func TestIdentifySkipsFileSpanningBuckets(t *testing.T) {
	id := newTestIdentifier(t, twoLevels(t), 1, 0, 0)

	straddler := core.FileMetadata{
		DatabaseID: 1, TableID: 1, Level: 1,
		MinTime: oneHour - tenMinutes, MaxTime: oneHour + tenMinutes,
		Path: "dbs/straddler.parquet", Sequence: 1,
	}
	clean := gen1Files(2, 0, 2)
	snap := snapshotOf(oneHour*3, append([]core.FileMetadata{straddler}, clean...)...)

	jobs := id.Identify(snap)
	require.Len(t, jobs, 1)
	for _, f := range jobs[0].Inputs {
		assert.NotEqual(t, straddler.Path, f.Path)
	}
}

func TestIdentifyEmptySnapshot(t *testing.T) {
	id := newTestIdentifier(t, twoLevels(t), 1, 0, 0)
	assert.Empty(t, id.Identify(&catalog.Snapshot{Version: 1}))
	assert.Empty(t, id.Identify(snapshotOf(oneHour)))
}
