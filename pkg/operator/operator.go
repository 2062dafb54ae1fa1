// Package operator defines the minimal contract a Driver and a
// DriverFactory must satisfy (spec.md §3, §4.3): operators themselves are
// opaque state objects out of scope for this core (spec.md §1); the core
// only ever drives them through this contract.
package operator

import (
	"time"

	"github.com/scatterquery/taskexec/pkg/future"
	"github.com/scatterquery/taskexec/pkg/memory"
	"github.com/scatterquery/taskexec/pkg/plan"
)

// Driver is a chain of operators executed as a single schedulable unit
// (spec.md §3). Implementations must tolerate UpdateSplits being called
// idempotently, in any order, with the same or a growing assignment.
type Driver interface {
	// SourceID returns the plan node this driver consumes splits for, and
	// true; drivers that consume no splits return ("", false). The
	// conductor fans unpartitioned assignments out only to drivers whose
	// SourceID names that assignment's plan node.
	SourceID() (plan.PlanNodeID, bool)

	// UpdateSplits delivers the accumulated SplitAssignment for the
	// driver's source plan node (unpartitioned sources only — a
	// partitioned driver instead receives its single bound split at
	// construction). Must be idempotent and tolerate repeated identical
	// calls.
	UpdateSplits(assignment plan.SplitAssignment)

	// ProcessFor runs the driver for up to d, returning a future that
	// completes when the driver can next make progress (immediately, if
	// it already can). ProcessFor must never block past d on CPU-bound
	// work; true blocking (I/O, memory pressure) must be represented by
	// an incomplete returned future, never by blocking the calling
	// goroutine.
	ProcessFor(d time.Duration) *future.Future

	// IsFinished reports whether the driver has completed all of its
	// work.
	IsFinished() bool

	// Close releases the driver's resources. Idempotent.
	Close()
}

// Context carries what a DriverFactory needs to build one Driver
// instance: the pipeline it belongs to, the single split it is bound to
// for a partitioned (split-lifecycle) driver, and the task's
// MemoryAccount (spec.md §5 "Memory") so operators have a seam to reserve
// and release bytes against the task's limit.
type Context struct {
	TaskID           plan.TaskID
	PipelineID       plan.PipelineID
	PartitionedSplit *plan.ScheduledSplit // nil for task-lifecycle / unpartitioned drivers
	Memory           *memory.Account
}

// BuildFunc constructs one Driver instance for a DriverContext. It is the
// seam through which the (out of scope) operator/expression layer plugs
// into the scheduler.
type BuildFunc func(Context) (Driver, error)

// Factory is the immutable, plan-supplied description of one pipeline
// (spec.md §3 "DriverFactory"). DriverInstances is the plan-supplied
// count of task-lifecycle drivers to create at task start (0 means the
// spec's default of 1); it is meaningless for factories with a source
// plan node, which instead create one driver per scheduled split.
type Factory struct {
	PipelineID      plan.PipelineID
	InputDriver     bool
	OutputDriver    bool
	SourcePlanNode  *plan.PlanNodeID
	DriverInstances uint32
	Build           BuildFunc
	// Close releases any resources the factory itself holds (e.g. a
	// shared connection used by every Driver it builds). Optional; may
	// be nil.
	Close func()
}

// HasSource reports whether the factory is a source (split-lifecycle)
// pipeline.
func (f Factory) HasSource() bool {
	return f.SourcePlanNode != nil
}

// Instances returns the plan-supplied driver-instance count for a
// task-lifecycle factory, defaulting to 1 when unset.
func (f Factory) Instances() uint32 {
	if f.DriverInstances == 0 {
		return 1
	}
	return f.DriverInstances
}

// Fragment is the compiled plan fragment installed into one task: its
// DriverFactories plus the order in which source plan nodes are
// scheduled (spec.md §4.5.3).
type Fragment struct {
	Factories        []Factory
	SourceStartOrder []plan.PlanNodeID
}
