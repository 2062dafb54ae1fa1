// Package driver implements the per-split execution unit the TaskExecutor
// schedules (spec.md §4.4) and the per-pipeline wrapper that binds split
// or task lifecycle policy to a DriverFactory (spec.md §4.3).
package driver

import (
	"sync"
	"time"

	"github.com/scatterquery/taskexec/pkg/future"
	"github.com/scatterquery/taskexec/pkg/operator"
	"github.com/scatterquery/taskexec/pkg/plan"
)

// SplitRunner is the executor-facing contract: the minimal shape a
// TaskExecutor needs to schedule a unit of work (spec.md §6
// "Driver.{...}" plus the executor's own SplitRunner notion). *Runner
// implements it.
type SplitRunner interface {
	ProcessFor(d time.Duration) *future.Future
	IsFinished() bool
	Close()
	Info() string
}

// Runner is a single-driver execution unit (spec.md §4.4
// "DriverSplitRunner"). Its zero value is not usable; construct via
// Factory.CreateDriverRunner. Construction is free: the underlying
// operator.Driver is built lazily on the first ProcessFor call, so
// closing a task before a runner ever executes never builds a Driver.
type Runner struct {
	build        operator.BuildFunc
	ctx          operator.Context
	split        *plan.ScheduledSplit
	unpartitioned map[plan.PlanNodeID]plan.SplitAssignment
	onBuilt      func(err error) // invoked exactly once, after first build attempt or on Close without building

	mu      sync.Mutex
	driver  operator.Driver
	builder sync.Once
	closed  bool
}

func newRunner(
	build operator.BuildFunc,
	ctx operator.Context,
	split *plan.ScheduledSplit,
	unpartitioned map[plan.PlanNodeID]plan.SplitAssignment,
	onBuilt func(err error),
) *Runner {
	return &Runner{
		build:         build,
		ctx:           ctx,
		split:         split,
		unpartitioned: unpartitioned,
		onBuilt:       onBuilt,
	}
}

// ProcessFor implements SplitRunner. If the runner is already closed it
// returns an already-complete future without building a Driver. On the
// first call it builds the Driver (attaching the bound partitioned split,
// if any, and every known unpartitioned assignment) before delegating.
func (r *Runner) ProcessFor(d time.Duration) *future.Future {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return future.Completed(nil)
	}
	drv := r.driver
	r.mu.Unlock()

	if drv == nil {
		var buildErr error
		r.builder.Do(func() {
			r.mu.Lock()
			ctx := r.ctx
			if r.split != nil {
				ctx.PartitionedSplit = r.split
			}
			r.mu.Unlock()

			d, err := r.build(ctx)
			r.mu.Lock()
			if err == nil && !r.closed {
				for _, assignment := range r.unpartitioned {
					d.UpdateSplits(assignment)
				}
				r.driver = d
			} else if err == nil {
				// Closed while building: close the driver we just built.
				d.Close()
			}
			r.mu.Unlock()
			buildErr = err
			if r.onBuilt != nil {
				r.onBuilt(err)
			}
		})
		if buildErr != nil {
			return future.Completed(buildErr)
		}
		r.mu.Lock()
		drv = r.driver
		closedNow := r.closed
		r.mu.Unlock()
		if drv == nil || closedNow {
			return future.Completed(nil)
		}
	}

	return drv.ProcessFor(d)
}

// IsFinished implements SplitRunner: true iff closed, or the Driver
// exists and reports finished.
func (r *Runner) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true
	}
	return r.driver != nil && r.driver.IsFinished()
}

// Close implements SplitRunner. Idempotent; closes the underlying Driver
// if one was built. If Close happens before the driver is ever built,
// the pending-creation accounting is still released via onBuilt.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	d := r.driver
	r.mu.Unlock()

	if d != nil {
		d.Close()
		return
	}

	// Never built: release the pending-creation accounting exactly once,
	// racing peacefully with a concurrent first ProcessFor call via
	// builder.Once — whichever of Close/ProcessFor acquires the Once
	// first performs the one release.
	r.builder.Do(func() {
		if r.onBuilt != nil {
			r.onBuilt(nil)
		}
	})
}

// SourceID reports the plan node of the Driver built by r, and true, once
// that Driver has been built and itself reports a source plan node
// (unpartitioned source drivers only — partitioned drivers are fanned out
// to directly via their bound split, not through this path). Before the
// Driver is built, or for a driver with no source, it returns ("", false).
func (r *Runner) SourceID() (plan.PlanNodeID, bool) {
	r.mu.Lock()
	d := r.driver
	r.mu.Unlock()
	if d == nil {
		return "", false
	}
	return d.SourceID()
}

// UpdateSplits merges assignment into r's known unpartitioned assignments
// and, if the underlying Driver has already been built, delivers it
// immediately. A not-yet-built Driver instead receives every known
// unpartitioned assignment as part of its first ProcessFor call.
func (r *Runner) UpdateSplits(assignment plan.SplitAssignment) {
	r.mu.Lock()
	if r.unpartitioned == nil {
		r.unpartitioned = make(map[plan.PlanNodeID]plan.SplitAssignment, 1)
	}
	if existing, ok := r.unpartitioned[assignment.PlanNode]; ok {
		assignment = existing.Merge(assignment)
	}
	r.unpartitioned[assignment.PlanNode] = assignment
	d := r.driver
	closed := r.closed
	r.mu.Unlock()

	if d != nil && !closed {
		d.UpdateSplits(assignment)
	}
}

// Info implements SplitRunner: a diagnostic string, empty unless bound to
// a partitioned split.
func (r *Runner) Info() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.split == nil {
		return ""
	}
	return r.split.String()
}
