package compactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/catalog"
	"github.com/stratadb/strata/core"
	"github.com/stratadb/strata/internal/testutil"
	"github.com/stratadb/strata/objstore"
	"github.com/stratadb/strata/segment"
)

// stubExecutor records jobs and optionally blocks until its context is
// cancelled, to exercise drain behavior.
type stubExecutor struct {
	mu      sync.Mutex
	calls   []core.CompactionJob
	lastErr error

	err     error
	started chan struct{}
	block   bool
}

func (s *stubExecutor) Execute(ctx context.Context, snapshotVersion uint64, job *core.CompactionJob) ([]core.FileMetadata, error) {
	s.mu.Lock()
	s.calls = append(s.calls, *job)
	s.mu.Unlock()
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.block {
		<-ctx.Done()
		s.mu.Lock()
		s.lastErr = ctx.Err()
		s.mu.Unlock()
		return nil, ctx.Err()
	}
	return nil, s.err
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type driverFixture struct {
	cat    *catalog.Memory
	store  *objstore.Memory
	driver *Driver
}

func newDriverFixture(t *testing.T, exec JobExecutor, adjust func(*DriverParams)) *driverFixture {
	t.Helper()
	cat := catalog.NewMemory()
	store := objstore.NewMemory()
	require.NoError(t, cat.RegisterTable(context.Background(), testutil.TableRef))

	params := DriverParams{
		Catalog:           cat,
		Admin:             cat,
		Store:             store,
		Identifier:        newTestIdentifier(t, twoLevels(t), 2, 0, 0),
		Executor:          exec,
		Interval:          time.Hour,
		DrainTimeout:      time.Second,
		MaxConcurrentJobs: 2,
	}
	if adjust != nil {
		adjust(&params)
	}
	driver, err := NewDriver(params)
	require.NoError(t, err)
	return &driverFixture{cat: cat, store: store, driver: driver}
}

// seedClosedBucket registers gen1 files inside the gen2 bucket [0, 1h)
// and moves the watermark past it, so the next cycle plans one job.
func (f *driverFixture) seedClosedBucket(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	for _, file := range gen1Files(n, 0, 1) {
		_, err := f.cat.AddFile(ctx, file)
		require.NoError(t, err)
	}
	require.NoError(t, f.cat.AdvanceWatermark(ctx, testutil.TableRef.TableID, oneHour*2))
}

func TestNewDriverValidation(t *testing.T) {
	exec := &stubExecutor{}
	cat := catalog.NewMemory()
	id := newTestIdentifier(t, twoLevels(t), 2, 0, 0)

	base := DriverParams{Catalog: cat, Identifier: id, Executor: exec, Interval: time.Minute, MaxConcurrentJobs: 1}

	_, err := NewDriver(base)
	assert.NoError(t, err)

	bad := base
	bad.Catalog = nil
	_, err = NewDriver(bad)
	assert.Error(t, err)

	bad = base
	bad.Interval = 0
	_, err = NewDriver(bad)
	assert.Error(t, err)

	bad = base
	bad.MaxConcurrentJobs = 0
	_, err = NewDriver(bad)
	assert.Error(t, err)
}

func TestDriverLifecycle(t *testing.T) {
	f := newDriverFixture(t, &stubExecutor{}, nil)

	assert.Equal(t, StateStopped, f.driver.State())
	assert.Error(t, f.driver.Stop(), "stopping a stopped driver fails")

	require.NoError(t, f.driver.Start())
	assert.Equal(t, StateRunning, f.driver.State())
	assert.Error(t, f.driver.Start(), "double start fails")

	require.NoError(t, f.driver.Stop())
	assert.Equal(t, StateStopped, f.driver.State())
	assert.Error(t, f.driver.Stop())
}

func TestDriverTriggerRunsPlannedJobs(t *testing.T) {
	exec := &stubExecutor{}
	f := newDriverFixture(t, exec, nil)
	f.seedClosedBucket(t, 12)

	require.NoError(t, f.driver.Start())
	f.driver.Trigger()

	require.Eventually(t, func() bool {
		return exec.callCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.driver.Stop())

	exec.mu.Lock()
	defer exec.mu.Unlock()
	job := exec.calls[0]
	assert.Equal(t, core.GenerationLevel(2), job.TargetLevel)
	assert.Len(t, job.Inputs, 12)
}

func TestDriverContainsJobFailures(t *testing.T) {
	exec := &stubExecutor{err: errors.New("store unavailable")}
	f := newDriverFixture(t, exec, nil)
	f.seedClosedBucket(t, 12)

	require.NoError(t, f.driver.Start())
	f.driver.Trigger()

	require.Eventually(t, func() bool {
		return exec.callCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// A failed job never takes the driver down.
	require.NoError(t, f.driver.Stop())
	assert.Equal(t, StateStopped, f.driver.State())
}

func TestDriverQuarantinesCorruptedBucket(t *testing.T) {
	exec := &stubExecutor{err: fmt.Errorf("open input dbs/cpu-1/cpu-1/gen1/f-1.parquet: %w", segment.ErrCorrupted)}
	f := newDriverFixture(t, exec, nil)
	f.seedClosedBucket(t, 12)

	require.NoError(t, f.driver.Start())
	f.driver.Trigger()

	require.Eventually(t, func() bool {
		return f.driver.QuarantinedBuckets() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, exec.callCount())

	// Later cycles skip the flagged bucket instead of re-failing it.
	for i := 0; i < 5; i++ {
		f.driver.Trigger()
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, 1, exec.callCount())

	// After the operator resolves the damage, the bucket is planned again.
	f.driver.ClearQuarantine()
	assert.Zero(t, f.driver.QuarantinedBuckets())
	require.Eventually(t, func() bool {
		f.driver.Trigger()
		return exec.callCount() >= 2
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, f.driver.Stop())
}

func TestDriverDrainCancelsStuckJobs(t *testing.T) {
	exec := &stubExecutor{block: true, started: make(chan struct{}, 1)}
	f := newDriverFixture(t, exec, func(p *DriverParams) {
		p.DrainTimeout = 50 * time.Millisecond
	})
	f.seedClosedBucket(t, 12)

	require.NoError(t, f.driver.Start())
	f.driver.Trigger()
	<-exec.started

	stopped := time.Now()
	require.NoError(t, f.driver.Stop())
	assert.Less(t, time.Since(stopped), 2*time.Second)
	assert.Equal(t, StateStopped, f.driver.State())

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.ErrorIs(t, exec.lastErr, context.Canceled)
}

func TestDriverPurgesExpiredTombstones(t *testing.T) {
	exec := &stubExecutor{}
	f := newDriverFixture(t, exec, nil)
	ctx := context.Background()

	// One consumed file whose grace period has already elapsed.
	in, err := f.cat.AddFile(ctx, core.FileMetadata{
		DatabaseID: 1, TableID: 1, Level: 1,
		MinTime: 0, MaxTime: tenMinutes,
		Path: "dbs/cpu-1/cpu-1/gen1/old.parquet",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, in.Path, []byte("payload")))

	snap, err := f.cat.ReadSnapshot(ctx)
	require.NoError(t, err)
	_, err = f.cat.Commit(ctx, snap.Version, nil, []string{in.Path}, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	require.NoError(t, f.driver.Start())
	f.driver.Trigger()

	require.Eventually(t, func() bool {
		_, err := f.store.Get(ctx, in.Path)
		return errors.Is(err, objstore.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.driver.Stop())

	expired, err := f.cat.ExpiredTombstones(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestDriverCyclesDoNotOverlap(t *testing.T) {
	exec := &stubExecutor{block: true, started: make(chan struct{}, 1)}
	f := newDriverFixture(t, exec, func(p *DriverParams) {
		p.DrainTimeout = 50 * time.Millisecond
	})
	f.seedClosedBucket(t, 12)

	require.NoError(t, f.driver.Start())
	f.driver.Trigger()
	<-exec.started

	// The first cycle is still in flight; further triggers must not
	// dispatch the same job again.
	f.driver.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, exec.callCount())

	require.NoError(t, f.driver.Stop())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "unknown(9)", State(9).String())
}
