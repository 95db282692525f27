package compactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/stratadb/strata/objstore"
)

// ReferenceChecker answers whether an object path is known to the
// catalog, live or tombstoned. Both shipped catalog backends implement it.
type ReferenceChecker interface {
	IsReferenced(ctx context.Context, path string) (bool, error)
}

// sweepConcurrency bounds parallel reference checks and deletes; the
// sweep is object-store latency bound, not CPU bound.
const sweepConcurrency = 8

// SweepOrphans deletes objects under the data prefix that the catalog has
// no record of. Orphans appear when a job wrote outputs and then lost its
// commit race or was abandoned mid-drain. The sweep must only run while
// no job is writing, since an in-flight job's outputs are unreferenced
// until its commit; the shipped binary runs it at startup, before the
// driver starts. Returns the number of objects deleted.
func SweepOrphans(ctx context.Context, store objstore.Store, refs ReferenceChecker, logger *slog.Logger, metrics *Metrics) (int, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "OrphanSweep")

	paths, err := store.List(ctx, "dbs/")
	if err != nil {
		return 0, fmt.Errorf("list data objects: %w", err)
	}

	var deleted atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			known, err := refs.IsReferenced(ctx, path)
			if err != nil {
				return fmt.Errorf("check reference for %s: %w", path, err)
			}
			if known {
				return nil
			}
			if err := store.Delete(ctx, path); err != nil {
				if errors.Is(err, objstore.ErrNotFound) {
					return nil
				}
				logger.Warn("Failed to delete orphan, leaving for next sweep.", "path", path, "error", err)
				return nil
			}
			logger.Info("Deleted orphaned object.", "path", path)
			deleted.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(deleted.Load()), err
	}

	n := int(deleted.Load())
	if metrics != nil {
		metrics.OrphansDeleted.Add(int64(n))
	}
	if n > 0 {
		logger.Info("Orphan sweep complete.", "deleted", n, "scanned", len(paths))
	}
	return n, nil
}
