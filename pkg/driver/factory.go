package driver

import (
	"sync"

	"github.com/scatterquery/taskexec/pkg/memory"
	"github.com/scatterquery/taskexec/pkg/operator"
	"github.com/scatterquery/taskexec/pkg/plan"
	"github.com/scatterquery/taskexec/pkg/taskerrors"
)

// Factory is the per-DriverFactory wrapper binding split or task lifecycle
// policy (spec.md §4.3). A Factory with a source plan node is
// split-lifecycle: it creates one Runner per incoming scheduled split and
// is driven exclusively by the conductor's partitioned-source scheduling
// loop. A Factory without a source is task-lifecycle: it creates exactly
// Instances() runners at task start and immediately marks itself
// no-more-driver-runners.
type Factory struct {
	taskID     plan.TaskID
	account    *memory.Account
	underlying operator.Factory

	mu              sync.Mutex
	pendingCreation int32
	noMore          bool
	closed          bool
}

// NewFactory wraps an operator.Factory for the given task. taskID and
// account are stamped into every Runner's operator.Context so a Driver
// always knows which task it belongs to and has a seam to reserve and
// release bytes against the task's memory limit (spec.md §4.5.1, §5
// "Memory").
func NewFactory(taskID plan.TaskID, account *memory.Account, f operator.Factory) *Factory {
	return &Factory{taskID: taskID, account: account, underlying: f}
}

// Underlying returns the wrapped operator.Factory.
func (f *Factory) Underlying() operator.Factory { return f.underlying }

// CreateDriverRunner creates one Runner. split must be non-nil iff the
// factory has a source plan node — violating that pairing is a
// programmer error (spec.md §4.3 invariants). unpartitioned is a
// snapshot of the task's currently known unpartitioned split assignments,
// attached to the Runner's Driver when it is eventually built.
func (f *Factory) CreateDriverRunner(
	split *plan.ScheduledSplit,
	unpartitioned map[plan.PlanNodeID]plan.SplitAssignment,
) (*Runner, error) {
	if f.underlying.HasSource() && split == nil {
		return nil, taskerrors.Invariant("source pipeline %d requires a scheduled split", f.underlying.PipelineID)
	}
	if !f.underlying.HasSource() && split != nil {
		return nil, taskerrors.Invariant("task-lifecycle pipeline %d must not be bound to a split", f.underlying.PipelineID)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, taskerrors.Invariant("create_driver_runner called on closed factory for pipeline %d", f.underlying.PipelineID)
	}
	f.pendingCreation++
	f.mu.Unlock()

	ctx := operator.Context{
		TaskID:     f.taskID,
		PipelineID: f.underlying.PipelineID,
		Memory:     f.account,
	}

	return newRunner(f.underlying.Build, ctx, split, unpartitioned, func(error) {
		f.decrementPendingCreation()
	}), nil
}

func (f *Factory) decrementPendingCreation() {
	f.mu.Lock()
	f.pendingCreation--
	if f.pendingCreation < 0 {
		f.pendingCreation = 0
	}
	shouldClose := f.noMore && f.pendingCreation == 0 && !f.closed
	if shouldClose {
		f.closed = true
	}
	f.mu.Unlock()

	if shouldClose {
		f.closeUnderlying()
	}
}

// NoMoreDriverRunner latches no-more-driver-runners for this factory. For
// a task-lifecycle factory this is called once, immediately after
// scheduling its fixed instance count; for a split-lifecycle factory it
// is called once its source plan node's PendingSplits reaches NO_MORE.
func (f *Factory) NoMoreDriverRunner() {
	f.mu.Lock()
	f.noMore = true
	shouldClose := f.pendingCreation == 0 && !f.closed
	if shouldClose {
		f.closed = true
	}
	f.mu.Unlock()

	if shouldClose {
		f.closeUnderlying()
	}
}

// IsNoMoreDriverRunner reports whether NoMoreDriverRunner has latched.
func (f *Factory) IsNoMoreDriverRunner() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.noMore
}

// CloseIfFullyCreated closes the underlying operator.Factory if
// NoMoreDriverRunner has latched and no runners remain pending
// construction. It is idempotent and safe to call speculatively.
func (f *Factory) CloseIfFullyCreated() {
	f.mu.Lock()
	shouldClose := f.noMore && f.pendingCreation == 0 && !f.closed
	if shouldClose {
		f.closed = true
	}
	f.mu.Unlock()

	if shouldClose {
		f.closeUnderlying()
	}
}

func (f *Factory) closeUnderlying() {
	if f.underlying.Close != nil {
		f.underlying.Close()
	}
}

// PipelineID returns the wrapped factory's pipeline id.
func (f *Factory) PipelineID() plan.PipelineID { return f.underlying.PipelineID }

// HasSource reports whether the wrapped factory is split-lifecycle.
func (f *Factory) HasSource() bool { return f.underlying.HasSource() }

// SourcePlanNode returns the wrapped factory's source plan node, if any.
func (f *Factory) SourcePlanNode() (plan.PlanNodeID, bool) {
	if f.underlying.SourcePlanNode == nil {
		return "", false
	}
	return *f.underlying.SourcePlanNode, true
}

// Instances returns the wrapped factory's task-lifecycle instance count.
func (f *Factory) Instances() uint32 { return f.underlying.Instances() }
