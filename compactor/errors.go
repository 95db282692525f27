package compactor

import (
	"fmt"

	"github.com/stratadb/strata/core"
)

// PlanningError wraps a failure to produce a cycle's job list. Planning
// failures are never fatal; the driver logs them and skips the cycle.
type PlanningError struct {
	Err error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("compaction planning failed: %v", e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// ExecutionError carries the scope of a failed job. Job failures are
// contained: the driver logs them and the job is re-evaluated on a later
// cycle.
type ExecutionError struct {
	Table  core.TableID
	Bucket core.TimeBucket
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("compaction job for table %d bucket %s failed: %v", e.Table, e.Bucket, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
