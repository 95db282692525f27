package compactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/stratadb/strata/catalog"
	"github.com/stratadb/strata/core"
	"github.com/stratadb/strata/hooks"
	"github.com/stratadb/strata/objstore"
	"github.com/stratadb/strata/segment"
)

// JobExecutor executes one compaction job against the object store and
// the catalog. snapshotVersion is the catalog version the job was planned
// from; the commit is conditioned on it.
type JobExecutor interface {
	Execute(ctx context.Context, snapshotVersion uint64, job *core.CompactionJob) ([]core.FileMetadata, error)
}

// ExecutorParams holds the dependencies for NewExecutor.
type ExecutorParams struct {
	Store                objstore.Store
	Catalog              catalog.Catalog
	Compressor           core.Compressor
	Hooks                hooks.HookManager
	Clock                core.Clock
	Logger               *slog.Logger
	Tracer               trace.Tracer
	TargetRowGroupRows   int
	TargetFileSizeBytes  int64
	TombstoneGracePeriod time.Duration
	Metrics              *Metrics
}

// Executor merges a job's input files into one or more target-level
// output files and commits the swap atomically. All failure modes are
// contained to the job: the worst outcome is orphaned output objects,
// which are never visible through the catalog and are swept later.
type Executor struct {
	store      objstore.Store
	catalog    catalog.Catalog
	compressor core.Compressor
	hooks      hooks.HookManager
	clock      core.Clock
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *Metrics

	targetRowGroupRows  int
	targetFileSizeBytes int64
	tombstoneGrace      time.Duration
}

var _ JobExecutor = (*Executor)(nil)

// objectStoreRetries bounds the exponential backoff on each object-store
// get and put before the job is abandoned for this cycle.
const objectStoreRetries = 5

// NewExecutor creates an Executor.
func NewExecutor(params ExecutorParams) (*Executor, error) {
	if params.Store == nil || params.Catalog == nil || params.Compressor == nil {
		return nil, fmt.Errorf("executor requires a store, a catalog and a compressor")
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clock := params.Clock
	if clock == nil {
		clock = core.SystemClock
	}
	tracer := params.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	hookMgr := params.Hooks
	if hookMgr == nil {
		hookMgr = hooks.NewHookManager(logger)
	}
	return &Executor{
		store:               params.Store,
		catalog:             params.Catalog,
		compressor:          params.Compressor,
		hooks:               hookMgr,
		clock:               clock,
		logger:              logger.With("component", "JobExecutor"),
		tracer:              tracer,
		metrics:             params.Metrics,
		targetRowGroupRows:  params.TargetRowGroupRows,
		targetFileSizeBytes: params.TargetFileSizeBytes,
		tombstoneGrace:      params.TombstoneGracePeriod,
	}, nil
}

// Execute runs one job: merge the inputs in time order, split the output
// at the target file size, write via catalog-assigned file indices, then
// commit the promotion. A commit conflict is not retried here; the
// just-written objects are deleted and the job is re-evaluated (or found
// superseded) on the next cycle.
func (e *Executor) Execute(ctx context.Context, snapshotVersion uint64, job *core.CompactionJob) ([]core.FileMetadata, error) {
	ctx, span := e.tracer.Start(ctx, "JobExecutor.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("compaction.table_id", int64(job.TableID)),
		attribute.Int("compaction.source_level", int(job.SourceLevel)),
		attribute.Int("compaction.target_level", int(job.TargetLevel)),
		attribute.Int("compaction.input_files", len(job.Inputs)),
		attribute.String("compaction.bucket", job.TargetBucket.String()),
	)

	if err := e.hooks.Trigger(ctx, hooks.NewPreCompactionJobEvent(hooks.PreCompactionJobPayload{Job: job})); err != nil {
		span.SetStatus(codes.Error, "cancelled_by_pre_hook")
		return nil, e.failure(job, fmt.Errorf("job cancelled by pre-hook: %w", err))
	}

	iters, err := e.openInputs(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "input_read_failed")
		return nil, e.failure(job, err)
	}

	outputs, err := e.mergeAndWrite(ctx, job, iters)
	if err != nil {
		e.deleteObjects(ctx, job, outputs)
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge_failed")
		return nil, e.failure(job, err)
	}

	tombstonePaths := make([]string, len(job.Inputs))
	for i, f := range job.Inputs {
		tombstonePaths[i] = f.Path
	}
	deleteAfter := e.clock.Now().Add(e.tombstoneGrace)

	newVersion, err := e.catalog.Commit(ctx, snapshotVersion, outputs, tombstonePaths, deleteAfter)
	if err != nil {
		if errors.Is(err, catalog.ErrConflict) {
			// Lost the race. The outputs were never visible; remove them
			// and let the next cycle re-plan.
			e.logger.Info("Commit conflict, discarding job outputs.", "table", job.TableName, "bucket", job.TargetBucket.String(), "outputs", len(outputs))
			if e.metrics != nil {
				e.metrics.JobConflicts.Add(1)
			}
			e.deleteObjects(ctx, job, outputs)
			span.SetStatus(codes.Error, "commit_conflict")
			return nil, e.failure(job, err)
		}
		e.deleteObjects(ctx, job, outputs)
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit_failed")
		return nil, e.failure(job, fmt.Errorf("catalog commit: %w", err))
	}

	e.hooks.Trigger(ctx, hooks.NewPostCatalogCommitEvent(hooks.CatalogCommitPayload{
		Version:    newVersion,
		NewFiles:   len(outputs),
		Tombstoned: len(tombstonePaths),
	}))
	if e.metrics != nil {
		e.metrics.FilesMerged.Add(int64(len(job.Inputs)))
		e.metrics.FilesCreated.Add(int64(len(outputs)))
	}
	span.SetAttributes(attribute.Int("compaction.output_files", len(outputs)))
	e.logger.Info("Job committed.", "table", job.TableName, "bucket", job.TargetBucket.String(), "inputs", len(job.Inputs), "outputs", len(outputs), "catalog_version", newVersion)
	return outputs, nil
}

// openInputs fetches and opens every input file. Inputs whose time ranges
// overlap are legal; the merge iterator orders rows globally.
func (e *Executor) openInputs(ctx context.Context, job *core.CompactionJob) ([]*segment.Iterator, error) {
	iters := make([]*segment.Iterator, 0, len(job.Inputs))
	for _, f := range job.Inputs {
		data, err := e.getWithRetry(ctx, f.Path)
		if err != nil {
			return nil, fmt.Errorf("read input %s: %w", f.Path, err)
		}
		if e.metrics != nil {
			e.metrics.BytesRead.Add(int64(len(data)))
		}
		r, err := segment.OpenReader(data)
		if err != nil {
			// Corrupted input abandons the job; the file stays live in
			// the catalog so the damage is visible, not silently dropped.
			return nil, fmt.Errorf("open input %s: %w", f.Path, err)
		}
		iters = append(iters, r.Iter())
	}
	return iters, nil
}

// mergeAndWrite streams the merged rows into target-level segments,
// rolling over to a new output file when the encoded size reaches the
// target. Returns the metadata of the files it managed to write, even on
// error, so the caller can delete them.
func (e *Executor) mergeAndWrite(ctx context.Context, job *core.CompactionJob, iters []*segment.Iterator) ([]core.FileMetadata, error) {
	merge, err := segment.NewMergeIterator(iters)
	if err != nil {
		return nil, fmt.Errorf("build merge iterator: %w", err)
	}

	var (
		outputs []core.FileMetadata
		writer  *segment.Writer
	)

	finish := func() error {
		if writer == nil || writer.RowCount() == 0 {
			writer = nil
			return nil
		}
		data, err := writer.Finish()
		if err != nil {
			return fmt.Errorf("finish segment: %w", err)
		}
		idx, err := e.catalog.NextFileIndex(ctx, job.TableID, job.TargetLevel, job.TargetBucket.Start)
		if err != nil {
			return fmt.Errorf("draw file index: %w", err)
		}
		path := Path(job.DatabaseID, job.DatabaseName, job.TableID, job.TableName, job.TargetLevel, job.TargetBucket.Start, idx)
		if err := e.putWithRetry(ctx, path, data); err != nil {
			return fmt.Errorf("write output %s: %w", path, err)
		}
		meta := core.FileMetadata{
			DatabaseID: job.DatabaseID,
			TableID:    job.TableID,
			Level:      job.TargetLevel,
			MinTime:    writer.MinTime(),
			MaxTime:    writer.MaxTime(),
			RowCount:   writer.RowCount(),
			SizeBytes:  uint64(len(data)),
			Path:       path,
		}
		outputs = append(outputs, meta)
		if e.metrics != nil {
			e.metrics.BytesWritten.Add(int64(len(data)))
		}
		e.hooks.Trigger(ctx, hooks.NewPostSegmentCreateEvent(hooks.SegmentPayload{
			Path:  path,
			Level: job.TargetLevel,
			Size:  int64(len(data)),
			Rows:  int64(meta.RowCount),
		}))
		writer = nil
		return nil
	}

	for merge.Next() {
		if err := ctx.Err(); err != nil {
			return outputs, err
		}
		if writer == nil {
			writer, err = segment.NewWriter(segment.WriterOptions{
				Compressor:         e.compressor,
				TargetRowGroupRows: e.targetRowGroupRows,
				Logger:             e.logger,
			})
			if err != nil {
				return outputs, err
			}
		}
		if err := writer.Append(merge.Row()); err != nil {
			return outputs, fmt.Errorf("append row: %w", err)
		}
		if e.targetFileSizeBytes > 0 && writer.EstimatedSize() >= e.targetFileSizeBytes {
			if err := finish(); err != nil {
				return outputs, err
			}
		}
	}
	if err := merge.Err(); err != nil {
		return outputs, fmt.Errorf("merge inputs: %w", err)
	}
	if err := finish(); err != nil {
		return outputs, err
	}
	return outputs, nil
}

// deleteObjects best-effort removes output objects that will never be
// committed. Anything left behind is picked up by the orphan sweep.
func (e *Executor) deleteObjects(ctx context.Context, job *core.CompactionJob, outputs []core.FileMetadata) {
	for _, f := range outputs {
		e.hooks.Trigger(ctx, hooks.NewPreSegmentDeleteEvent(hooks.SegmentPayload{
			Path:  f.Path,
			Level: f.Level,
			Size:  int64(f.SizeBytes),
			Rows:  int64(f.RowCount),
		}))
		if err := e.store.Delete(context.WithoutCancel(ctx), f.Path); err != nil && !errors.Is(err, objstore.ErrNotFound) {
			e.logger.Warn("Failed to delete uncommitted output, leaving orphan for sweep.", "path", f.Path, "error", err)
		}
	}
}

func (e *Executor) getWithRetry(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	op := func() error {
		b, err := e.store.Get(ctx, path)
		if err != nil {
			if errors.Is(err, objstore.ErrNotFound) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		data = b
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), objectStoreRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return data, nil
}

func (e *Executor) putWithRetry(ctx context.Context, path string, data []byte) error {
	op := func() error {
		if err := e.store.Put(ctx, path, data); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), objectStoreRetries), ctx)
	return backoff.Retry(op, bo)
}

func (e *Executor) failure(job *core.CompactionJob, err error) error {
	return &ExecutionError{Table: job.TableID, Bucket: job.TargetBucket, Err: err}
}
