package compactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

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

// bucketScope identifies one (table, source level, target bucket) planning
// scope, the granularity at which corrupted-input failures are tracked.
type bucketScope struct {
	table       core.TableID
	sourceLevel core.GenerationLevel
	bucketStart int64
}

// State is the driver lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// DriverParams holds the dependencies for NewDriver.
type DriverParams struct {
	Catalog    catalog.Catalog
	Admin      catalog.Admin // optional; enables the tombstone purge
	Store      objstore.Store
	Identifier *Identifier
	Executor   JobExecutor

	Interval          time.Duration
	DrainTimeout      time.Duration
	MaxConcurrentJobs int

	Hooks   hooks.HookManager
	Clock   core.Clock
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *Metrics
}

// Driver owns the periodic compaction loop: one planning goroutine that
// fans jobs out to a bounded worker pool. Cycles never overlap; a tick
// arriving while the previous cycle's jobs are still in flight is
// skipped, not queued. The worker bound is purely a resource control;
// correctness against double-consumption comes from the catalog's
// optimistic commit alone.
type Driver struct {
	catalog    catalog.Catalog
	admin      catalog.Admin
	store      objstore.Store
	identifier *Identifier
	executor   JobExecutor

	interval     time.Duration
	drainTimeout time.Duration

	hooks   hooks.HookManager
	clock   core.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *Metrics

	state       atomic.Int32
	cycleActive atomic.Bool

	quarantineMu sync.Mutex
	quarantine   map[bucketScope]struct{}

	triggerChan  chan struct{}
	shutdownChan chan struct{}
	jobSem       chan struct{}

	loopWg sync.WaitGroup
	jobsWg sync.WaitGroup

	jobCtx    context.Context
	jobCancel context.CancelFunc
}

// NewDriver creates a stopped Driver. Configuration problems surface
// here, before the loop ever runs.
func NewDriver(params DriverParams) (*Driver, error) {
	if params.Catalog == nil || params.Identifier == nil || params.Executor == nil {
		return nil, fmt.Errorf("driver requires a catalog, an identifier and an executor")
	}
	if params.Interval <= 0 {
		return nil, fmt.Errorf("compaction interval must be positive, got %s", params.Interval)
	}
	if params.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("max concurrent jobs must be positive, got %d", params.MaxConcurrentJobs)
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
	return &Driver{
		catalog:      params.Catalog,
		admin:        params.Admin,
		store:        params.Store,
		identifier:   params.Identifier,
		executor:     params.Executor,
		interval:     params.Interval,
		drainTimeout: params.DrainTimeout,
		hooks:        hookMgr,
		clock:        clock,
		logger:       logger.With("component", "CompactionDriver"),
		tracer:       tracer,
		metrics:      params.Metrics,
		quarantine:   make(map[bucketScope]struct{}),
		triggerChan:  make(chan struct{}, 1),
		shutdownChan: make(chan struct{}),
		jobSem:       make(chan struct{}, params.MaxConcurrentJobs),
	}, nil
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Start transitions Stopped -> Running and launches the planning loop.
func (d *Driver) Start() error {
	if !d.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return fmt.Errorf("driver is %s, cannot start", d.State())
	}
	d.jobCtx, d.jobCancel = context.WithCancel(context.Background())
	d.loopWg.Add(1)
	go func() {
		defer d.loopWg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.runCycle()
			case <-d.triggerChan:
				d.runCycle()
			case <-d.shutdownChan:
				d.logger.Info("Shutting down compaction loop.")
				return
			}
		}
	}()
	d.logger.Info("Started compaction loop.", "interval", d.interval, "max_concurrent_jobs", cap(d.jobSem))
	return nil
}

// Trigger manually requests a cycle. Coalesced if one is already pending.
func (d *Driver) Trigger() {
	select {
	case d.triggerChan <- struct{}{}:
		d.logger.Info("Manual compaction cycle triggered.")
	default:
		d.logger.Info("Compaction cycle already pending, skipping manual trigger.")
	}
}

// Stop transitions Running -> Draining -> Stopped. In-flight jobs get up
// to the drain timeout to finish; after that their contexts are cancelled
// and any partial writes are left as orphans for a later sweep.
func (d *Driver) Stop() error {
	if !d.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return fmt.Errorf("driver is %s, cannot stop", d.State())
	}
	close(d.shutdownChan)
	d.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		d.jobsWg.Wait()
		close(done)
	}()
	if d.drainTimeout > 0 {
		select {
		case <-done:
		case <-time.After(d.drainTimeout):
			d.logger.Warn("Drain timeout reached, cancelling in-flight jobs.", "drain_timeout", d.drainTimeout)
			d.jobCancel()
			<-done
		}
	} else {
		<-done
	}
	d.jobCancel()
	d.hooks.Stop()
	d.state.Store(int32(StateStopped))
	d.logger.Info("Compaction driver stopped.")
	return nil
}

// runCycle performs one Identify -> Dispatch pass. The cycle stays
// "active" until every job it dispatched has finished, which is what
// keeps cycles from overlapping.
func (d *Driver) runCycle() {
	if !d.cycleActive.CompareAndSwap(false, true) {
		d.logger.Debug("Previous cycle still in flight, skipping tick.")
		if d.metrics != nil {
			d.metrics.CyclesSkipped.Add(1)
		}
		return
	}

	ctx, span := d.tracer.Start(d.jobCtx, "CompactionDriver.runCycle")
	started := d.clock.Now()
	if d.metrics != nil {
		d.metrics.CyclesTotal.Add(1)
	}
	d.hooks.Trigger(ctx, hooks.NewPreCompactionCycleEvent())

	snap, err := d.catalog.ReadSnapshot(ctx)
	if err != nil {
		perr := &PlanningError{Err: fmt.Errorf("%w: %v", catalog.ErrUnavailable, err)}
		d.logger.Error("Skipping cycle, catalog snapshot unavailable.", "error", perr)
		span.RecordError(perr)
		span.SetStatus(codes.Error, "snapshot_unavailable")
		span.End()
		d.finishCycle(started, 0, nil, nil)
		return
	}

	jobs := d.dropQuarantined(d.identifier.Identify(snap))
	span.SetAttributes(
		attribute.Int("compaction.jobs_planned", len(jobs)),
		attribute.Int64("compaction.snapshot_version", int64(snap.Version)),
	)
	if d.metrics != nil {
		d.metrics.JobsPlanned.Add(int64(len(jobs)))
	}
	if len(jobs) == 0 {
		d.logger.Debug("No compaction needed this cycle.")
		span.End()
		d.finishCycle(started, 0, nil, nil)
		return
	}
	d.logger.Info("Dispatching compaction jobs.", "jobs", len(jobs), "snapshot_version", snap.Version)

	var succeeded, failed atomic.Int64
	var cycleWg sync.WaitGroup
	for i := range jobs {
		job := &jobs[i]
		select {
		case d.jobSem <- struct{}{}:
		case <-d.shutdownChan:
			d.logger.Info("Shutdown requested, abandoning remaining jobs this cycle.", "remaining", len(jobs)-i)
			span.SetAttributes(attribute.Int("compaction.jobs_abandoned", len(jobs)-i))
			span.End()
			d.finishCycle(started, len(jobs), &succeeded, &failed, cycleWg.Wait)
			return
		}
		cycleWg.Add(1)
		d.jobsWg.Add(1)
		go func(job *core.CompactionJob, snapshotVersion uint64) {
			defer func() {
				<-d.jobSem
				cycleWg.Done()
				d.jobsWg.Done()
			}()
			d.runJob(job, snapshotVersion, &succeeded, &failed)
		}(job, snap.Version)
	}
	span.End()
	d.finishCycle(started, len(jobs), &succeeded, &failed, cycleWg.Wait)
}

// finishCycle waits (asynchronously) for the cycle's jobs, emits the
// post-cycle hook and the tombstone purge, and releases cycleActive.
func (d *Driver) finishCycle(started time.Time, planned int, succeeded, failed *atomic.Int64, waits ...func()) {
	d.jobsWg.Add(1)
	go func() {
		defer d.jobsWg.Done()
		for _, wait := range waits {
			wait()
		}
		var ok, bad int
		if succeeded != nil {
			ok = int(succeeded.Load())
		}
		if failed != nil {
			bad = int(failed.Load())
		}
		d.hooks.Trigger(d.jobCtx, hooks.NewPostCompactionCycleEvent(hooks.PostCompactionCyclePayload{
			JobsPlanned:   planned,
			JobsSucceeded: ok,
			JobsFailed:    bad,
			Duration:      d.clock.Now().Sub(started),
		}))
		d.purgeTombstones()
		d.cycleActive.Store(false)
	}()
}

func (d *Driver) runJob(job *core.CompactionJob, snapshotVersion uint64, succeeded, failed *atomic.Int64) {
	ctx, span := d.tracer.Start(d.jobCtx, "CompactionDriver.runJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("compaction.table", job.TableName),
		attribute.String("compaction.bucket", job.TargetBucket.String()),
	)

	start := d.clock.Now()
	outputs, err := d.executor.Execute(ctx, snapshotVersion, job)
	duration := d.clock.Now().Sub(start)

	d.hooks.Trigger(d.jobCtx, hooks.NewPostCompactionJobEvent(hooks.PostCompactionJobPayload{
		Job:      *job,
		Outputs:  outputs,
		Duration: duration,
		Error:    err,
	}))

	if err != nil {
		failed.Add(1)
		if d.metrics != nil {
			d.metrics.JobsFailed.Add(1)
		}
		switch {
		case errors.Is(err, catalog.ErrConflict):
			// Normal outcome under concurrency; the next cycle re-plans.
			d.logger.Info("Job lost commit race.", "table", job.TableName, "bucket", job.TargetBucket.String())
		case errors.Is(err, segment.ErrCorrupted):
			d.quarantineBucket(job)
			if d.metrics != nil {
				d.metrics.JobsCorrupted.Add(1)
			}
			d.logger.Error("Corrupted input, bucket flagged for manual inspection and excluded from planning.",
				"table", job.TableName, "source_level", int(job.SourceLevel), "bucket", job.TargetBucket.String(), "error", err)
		default:
			d.logger.Error("Compaction job failed.", "table", job.TableName, "bucket", job.TargetBucket.String(), "error", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "job_failed")
		return
	}

	succeeded.Add(1)
	if d.metrics != nil {
		d.metrics.JobsSucceeded.Add(1)
		observeLatency(d.metrics.JobLatencyHist, duration.Seconds())
	}
	span.SetAttributes(
		attribute.Int("compaction.output_files", len(outputs)),
		attribute.Float64("compaction.duration_seconds", duration.Seconds()),
	)
}

// dropQuarantined filters out jobs whose (table, level, bucket) scope
// previously failed on corrupted input. Re-running such a job would fail
// identically every cycle; the scope stays excluded until an operator
// repairs or removes the damaged objects and clears the quarantine.
func (d *Driver) dropQuarantined(jobs []core.CompactionJob) []core.CompactionJob {
	d.quarantineMu.Lock()
	defer d.quarantineMu.Unlock()
	if len(d.quarantine) == 0 {
		return jobs
	}
	kept := jobs[:0]
	for _, job := range jobs {
		scope := bucketScope{table: job.TableID, sourceLevel: job.SourceLevel, bucketStart: job.TargetBucket.Start}
		if _, flagged := d.quarantine[scope]; flagged {
			d.logger.Warn("Skipping quarantined bucket.", "table", job.TableName, "source_level", int(job.SourceLevel), "bucket", job.TargetBucket.String())
			continue
		}
		kept = append(kept, job)
	}
	return kept
}

func (d *Driver) quarantineBucket(job *core.CompactionJob) {
	d.quarantineMu.Lock()
	defer d.quarantineMu.Unlock()
	d.quarantine[bucketScope{table: job.TableID, sourceLevel: job.SourceLevel, bucketStart: job.TargetBucket.Start}] = struct{}{}
	if d.metrics != nil {
		d.metrics.Quarantined.Set(int64(len(d.quarantine)))
	}
}

// QuarantinedBuckets reports how many planning scopes are currently
// excluded because of corrupted inputs.
func (d *Driver) QuarantinedBuckets() int {
	d.quarantineMu.Lock()
	defer d.quarantineMu.Unlock()
	return len(d.quarantine)
}

// ClearQuarantine re-admits all flagged buckets, to be called after the
// damaged objects have been repaired or removed.
func (d *Driver) ClearQuarantine() {
	d.quarantineMu.Lock()
	defer d.quarantineMu.Unlock()
	if len(d.quarantine) == 0 {
		return
	}
	d.logger.Info("Clearing bucket quarantine.", "buckets", len(d.quarantine))
	d.quarantine = make(map[bucketScope]struct{})
	if d.metrics != nil {
		d.metrics.Quarantined.Set(0)
	}
}

// purgeTombstones physically deletes objects whose tombstone grace period
// has elapsed, then drops the tombstone entries. Runs between cycles so
// it never races an in-flight job of this process.
func (d *Driver) purgeTombstones() {
	if d.admin == nil || d.store == nil {
		return
	}
	ctx := d.jobCtx
	expired, err := d.admin.ExpiredTombstones(ctx, d.clock.Now())
	if err != nil {
		d.logger.Warn("Failed to list expired tombstones.", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	deleted := make([]string, 0, len(expired))
	for _, t := range expired {
		d.hooks.Trigger(ctx, hooks.NewPreSegmentDeleteEvent(hooks.SegmentPayload{
			Path:  t.File.Path,
			Level: t.File.Level,
			Size:  int64(t.File.SizeBytes),
			Rows:  int64(t.File.RowCount),
		}))
		if err := d.store.Delete(ctx, t.File.Path); err != nil && !errors.Is(err, objstore.ErrNotFound) {
			d.logger.Warn("Failed to delete tombstoned object, will retry next cycle.", "path", t.File.Path, "error", err)
			continue
		}
		deleted = append(deleted, t.File.Path)
	}
	if len(deleted) == 0 {
		return
	}
	if err := d.admin.RemoveTombstones(ctx, deleted); err != nil {
		d.logger.Warn("Failed to drop tombstone entries.", "error", err)
		return
	}
	d.logger.Info("Purged expired tombstones.", "deleted", len(deleted))
}
