// Package task implements SqlTaskExecution (spec.md §4.5), the conductor
// that owns one task's pipeline registry, pending splits, driver roster,
// and completion logic. This is the largest single component of the
// engine (spec.md §2 "~60% of the core's complexity").
package task

import (
	"sort"
	"sync"

	"github.com/scatterquery/taskexec/pkg/buffer"
	"github.com/scatterquery/taskexec/pkg/config"
	"github.com/scatterquery/taskexec/pkg/driver"
	"github.com/scatterquery/taskexec/pkg/executor"
	"github.com/scatterquery/taskexec/pkg/logging"
	"github.com/scatterquery/taskexec/pkg/metrics"
	"github.com/scatterquery/taskexec/pkg/operator"
	"github.com/scatterquery/taskexec/pkg/plan"
	"github.com/scatterquery/taskexec/pkg/splits"
	"github.com/scatterquery/taskexec/pkg/statemachine"
	"github.com/scatterquery/taskexec/pkg/taskerrors"
)

// Conductor is SqlTaskExecution: the per-task state owner (spec.md §4.5).
// Construct with New; a Conductor is live from construction — task-lifecycle
// drivers are already scheduled and the state machine is already RUNNING
// by the time New returns.
type Conductor struct {
	taskID  plan.TaskID
	log     *logging.Logger
	metrics *metrics.Recorder
	cfg     config.Config

	buf    buffer.OutputBuffer
	exec   *executor.TaskExecutor
	handle *executor.Handle
	sm     *statemachine.TaskStateMachine
	bufRef *weakRef

	splitFactories map[plan.PlanNodeID]*driver.Factory
	taskFactories  []*driver.Factory
	allFactories   []*driver.Factory
	sourceOrder    []plan.PlanNodeID

	mu                sync.Mutex
	pendingSplits     map[plan.PlanNodeID]*splits.PendingSplits
	unpartitioned     map[plan.PlanNodeID]plan.SplitAssignment
	scheduledSeqIDs   map[plan.PlanNodeID]map[uint64]struct{}
	maxAcknowledged   map[plan.PlanNodeID]uint64
	schedulingOrdinal int
	status            Status

	driversMu sync.RWMutex
	drivers   []*driver.Runner
}

// New constructs a task from a compiled plan fragment and an OutputBuffer
// (spec.md §4.5.1): it partitions the fragment's DriverFactories by
// lifecycle, seeds PendingSplits and Status, wires the OutputBuffer and
// TaskStateMachine listeners, registers with exec, starts the state
// machine, and schedules every task-lifecycle driver immediately. Errors
// returned here are invariant violations raised while creating the
// task-lifecycle driver runners, or taskerrors.ErrDuplicateTaskID if taskID
// is already registered with exec (spec.md §6 "create_task"); once New
// succeeds the task is already running. New does not check that every
// source plan node appears in fragment.SourceStartOrder.
func New(
	taskID plan.TaskID,
	fragment operator.Fragment,
	buf buffer.OutputBuffer,
	exec *executor.TaskExecutor,
	cfg config.Config,
	log *logging.Logger,
	rec *metrics.Recorder,
) (*Conductor, error) {
	if log == nil {
		log = logging.New(nil)
	}
	log = log.WithComponent("task").WithFields(map[string]interface{}{"task_id": string(taskID)})

	c := &Conductor{
		taskID:          taskID,
		log:             log,
		metrics:         rec,
		cfg:             cfg,
		buf:             buf,
		exec:            exec,
		splitFactories:  make(map[plan.PlanNodeID]*driver.Factory),
		pendingSplits:   make(map[plan.PlanNodeID]*splits.PendingSplits),
		unpartitioned:   make(map[plan.PlanNodeID]plan.SplitAssignment),
		scheduledSeqIDs: make(map[plan.PlanNodeID]map[uint64]struct{}),
		maxAcknowledged: make(map[plan.PlanNodeID]uint64),
		sourceOrder:     append([]plan.PlanNodeID(nil), fragment.SourceStartOrder...),
	}

	account := exec.MemoryPool().AccountFor(string(taskID))

	perPipeline := make(map[plan.PipelineID]*PerPipelineStatus, len(fragment.Factories))
	for _, of := range fragment.Factories {
		f := driver.NewFactory(taskID, account, of)
		c.allFactories = append(c.allFactories, f)
		perPipeline[f.PipelineID()] = &PerPipelineStatus{}
		if node, ok := f.SourcePlanNode(); ok {
			c.splitFactories[node] = f
			c.pendingSplits[node] = splits.New()
		} else {
			c.taskFactories = append(c.taskFactories, f)
		}
	}
	c.status = Status{
		TotalPipelineCount: int32(len(c.allFactories)),
		PerPipeline:        perPipeline,
	}

	c.sm = statemachine.New(exec.Notifier())

	c.bufRef = newWeakRef(c)
	ref := c.bufRef
	buf.AddStateChangeListener(func(s buffer.State) {
		if !s.IsTerminal() {
			return
		}
		if target := ref.get(); target != nil {
			target.checkTaskCompletion()
		}
	})

	c.sm.AddStateChangeListener(func(t statemachine.Transition) {
		if !t.To.IsTerminal() {
			return
		}
		c.onTerminal(t)
	})

	utilization := func() float64 { return buf.Utilization() }
	handle, err := exec.AddTask(string(taskID), cfg.InitialSplitsPerNode, cfg.MaxDriversPerTask, utilization, cfg.SplitConcurrencyAdjustmentInterval)
	if err != nil {
		return nil, err
	}
	c.handle = handle

	c.sm.Start()

	if err := c.scheduleTaskLifecycleDrivers(); err != nil {
		c.sm.Fail(err)
		return nil, err
	}

	return c, nil
}

// scheduleTaskLifecycleDrivers creates every task-lifecycle factory's
// fixed instance count and force-runs them immediately (spec.md §4.5.1
// step 6, §4.3 "Task-lifecycle").
func (c *Conductor) scheduleTaskLifecycleDrivers() error {
	for _, f := range c.taskFactories {
		n := int(f.Instances())
		runners := make([]*driver.Runner, 0, n)
		for i := 0; i < n; i++ {
			r, err := f.CreateDriverRunner(nil, c.snapshotUnpartitioned())
			if err != nil {
				return err
			}
			runners = append(runners, r)
		}
		c.enqueue(true, runners)
		f.NoMoreDriverRunner()
		c.latchNoMore(f.PipelineID())
	}
	return nil
}

// AddSplitAssignments is add_split_assignments, the hot path (spec.md
// §4.5.2). Callers must not hold any lock of their own across this call;
// Conductor takes and releases its own monitor internally per assignment.
//
// Split-lifecycle plan nodes dedupe by sequence id rather than by a single
// high-water mark: a coordinator may deliver assignments out of order (a
// later call can carry lower ids than an earlier one), and a scalar
// "greater than the max id seen so far" filter would silently drop those
// lower ids forever. Tracking the full set of ids already handed to
// PendingSplits lets a genuinely new id through no matter when it arrives,
// while still dropping an exact repeat of an id already scheduled —
// including one PendingSplits has since drained, which its own map-based
// dedup can no longer catch.
func (c *Conductor) AddSplitAssignments(assignments []plan.SplitAssignment) error {
	if c.sm.State().IsTerminal() {
		return taskerrors.ErrTaskTerminal
	}

	for _, a := range assignments {
		if ps, ok := c.pendingSplits[a.PlanNode]; ok {
			fresh := c.dedupeAgainstScheduled(a)
			for _, s := range sortedBySequence(fresh.Splits) {
				if err := ps.Add(s); err != nil {
					c.sm.Fail(err)
					return err
				}
			}
			if a.NoMoreSplits {
				ps.SetNoMore()
			}
			if err := c.runSourceSchedulingLoop(); err != nil {
				c.sm.Fail(err)
				return err
			}
		} else {
			c.mu.Lock()
			merged := c.unpartitioned[a.PlanNode].Merge(a)
			merged.PlanNode = a.PlanNode
			c.unpartitioned[a.PlanNode] = merged
			c.mu.Unlock()
			c.fanOutUnpartitioned(merged)
		}
	}

	c.checkTaskCompletion()
	return nil
}

// dedupeAgainstScheduled returns the subset of a's splits not already
// recorded as scheduled for a's plan node, recording every id it keeps so a
// later re-delivery of the same id — duplicate or out of order — is
// dropped. maxAcknowledged is updated alongside purely as the diagnostic
// high-water mark surfaced through Snapshot; it no longer gates filtering.
func (c *Conductor) dedupeAgainstScheduled(a plan.SplitAssignment) plan.SplitAssignment {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := c.scheduledSeqIDs[a.PlanNode]
	if seen == nil {
		seen = make(map[uint64]struct{}, len(a.Splits))
		c.scheduledSeqIDs[a.PlanNode] = seen
	}

	fresh := plan.SplitAssignment{
		PlanNode:     a.PlanNode,
		Splits:       make(map[uint64]plan.ScheduledSplit, len(a.Splits)),
		NoMoreSplits: a.NoMoreSplits,
	}
	for seq, s := range a.Splits {
		if _, dup := seen[seq]; dup {
			continue
		}
		seen[seq] = struct{}{}
		fresh.Splits[seq] = s
		if seq > c.maxAcknowledged[a.PlanNode] {
			c.maxAcknowledged[a.PlanNode] = seq
		}
	}
	return fresh
}

// runSourceSchedulingLoop drains and schedules the source plan node
// currently at the cursor, advancing the cursor across as many
// already-NO_MORE nodes as are ready (spec.md §4.5.3). It is safe to call
// after any split-lifecycle update, regardless of which plan node
// triggered it: a node not yet at the cursor is simply left untouched.
func (c *Conductor) runSourceSchedulingLoop() error {
	for {
		c.mu.Lock()
		if c.schedulingOrdinal >= len(c.sourceOrder) {
			c.mu.Unlock()
			return nil
		}
		node := c.sourceOrder[c.schedulingOrdinal]
		c.mu.Unlock()

		pf, ok := c.splitFactories[node]
		if !ok {
			return taskerrors.Invariant("no split-lifecycle factory registered for source plan node %s", node)
		}
		ps := c.pendingSplits[node]

		drained, err := ps.Drain()
		if err != nil {
			return err
		}
		if len(drained) > 0 {
			sort.Slice(drained, func(i, j int) bool { return drained[i].SequenceID < drained[j].SequenceID })
			runners := make([]*driver.Runner, 0, len(drained))
			for i := range drained {
				split := drained[i]
				r, err := pf.CreateDriverRunner(&split, c.snapshotUnpartitioned())
				if err != nil {
					return err
				}
				runners = append(runners, r)
			}
			c.enqueue(false, runners)
		}

		if ps.State() != splits.NoMore {
			return nil
		}

		pf.NoMoreDriverRunner()
		if err := ps.MarkCleanedUp(); err != nil {
			return err
		}
		c.latchNoMore(pf.PipelineID())

		c.mu.Lock()
		c.schedulingOrdinal++
		c.mu.Unlock()
	}
}

// enqueue is SqlTaskExecution.enqueue (spec.md §4.5.4).
func (c *Conductor) enqueue(forceRun bool, runners []*driver.Runner) {
	if len(runners) == 0 {
		return
	}

	for range runners {
		if err := c.incRemainingDriver(); err != nil {
			c.sm.Fail(err)
			return
		}
	}

	splitRunners := make([]driver.SplitRunner, len(runners))
	for i, r := range runners {
		splitRunners[i] = r
		c.registerDriver(r)
	}

	futs := c.exec.EnqueueSplits(c.handle, forceRun, splitRunners)
	for i, f := range futs {
		r := runners[i]
		f.OnComplete(c.exec.Notifier(), func(err error) {
			c.unregisterDriver(r)
			c.decRemainingDriver()
			if err != nil {
				c.sm.Fail(err)
				if c.metrics != nil {
					c.metrics.SplitsFailed.WithLabelValues(string(c.taskID)).Inc()
				}
				return
			}
			c.checkTaskCompletion()
			if c.metrics != nil {
				c.metrics.SplitsCompleted.WithLabelValues(string(c.taskID)).Inc()
			}
		})
	}
}

// checkTaskCompletion is check_task_completion (spec.md §4.5.5).
func (c *Conductor) checkTaskCompletion() {
	if c.sm.State().IsTerminal() {
		return
	}
	for _, pf := range c.splitFactories {
		if !pf.IsNoMoreDriverRunner() {
			return
		}
	}

	c.mu.Lock()
	remaining := c.status.OverallRemainingDriver
	c.mu.Unlock()
	if remaining != 0 {
		return
	}

	c.buf.NoMorePages()
	switch c.buf.State() {
	case buffer.Finished:
		c.sm.Finish()
	case buffer.Failed:
		cause := c.buf.FailureCause()
		if cause == nil {
			cause = taskerrors.ErrBufferFailureCauseMissing
		}
		c.sm.Fail(cause)
	case buffer.Aborted:
		c.sm.Fail(taskerrors.ErrUnexpectedBufferAbort)
	default:
		c.sm.Flush()
	}
}

// onTerminal runs once, off-lock, when the state machine reaches any
// terminal state: it removes the TaskHandle from the executor, closes
// every DriverFactory that is fully created, and clears the buffer
// listener's weak reference (spec.md §4.5.1 step 5).
func (c *Conductor) onTerminal(t statemachine.Transition) {
	c.exec.RemoveTask(c.handle)
	c.exec.MemoryPool().Forget(string(c.taskID))
	c.bufRef.clear()
	for _, f := range c.allFactories {
		f.CloseIfFullyCreated()
	}
	if c.metrics != nil {
		c.metrics.TaskStateTransitions.WithLabelValues(t.To.String()).Inc()
	}
	c.log.Info("task reached terminal state", map[string]interface{}{"state": t.To.String()})
}

func (c *Conductor) incRemainingDriver() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.TotalPipelineCount > 0 && c.status.PipelinesWithNoMoreDriverRunners >= c.status.TotalPipelineCount {
		return taskerrors.Invariant("increment_remaining_driver called after all %d pipelines latched no_more_driver_runners", c.status.TotalPipelineCount)
	}
	c.status.OverallRemainingDriver++
	return nil
}

func (c *Conductor) decRemainingDriver() {
	c.mu.Lock()
	if c.status.OverallRemainingDriver > 0 {
		c.status.OverallRemainingDriver--
	}
	c.mu.Unlock()
}

func (c *Conductor) latchNoMore(id plan.PipelineID) {
	c.mu.Lock()
	pp := c.status.PerPipeline[id]
	if pp != nil && !pp.NoMoreDriverRunners {
		pp.NoMoreDriverRunners = true
		c.status.PipelinesWithNoMoreDriverRunners++
	}
	c.mu.Unlock()
}

func (c *Conductor) snapshotUnpartitioned() map[plan.PlanNodeID]plan.SplitAssignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[plan.PlanNodeID]plan.SplitAssignment, len(c.unpartitioned))
	for k, v := range c.unpartitioned {
		out[k] = v
	}
	return out
}

// registerDriver/unregisterDriver maintain the copy-on-write "slot table"
// the split-fanout loop iterates without the conductor lock (spec.md §9
// "Weak references to drivers"; §5 "drivers ... copy-on-write or
// equivalent concurrent list").
func (c *Conductor) registerDriver(r *driver.Runner) {
	c.driversMu.Lock()
	next := make([]*driver.Runner, len(c.drivers), len(c.drivers)+1)
	copy(next, c.drivers)
	c.drivers = append(next, r)
	c.driversMu.Unlock()
}

func (c *Conductor) unregisterDriver(r *driver.Runner) {
	c.driversMu.Lock()
	next := make([]*driver.Runner, 0, len(c.drivers))
	for _, d := range c.drivers {
		if d != r {
			next = append(next, d)
		}
	}
	c.drivers = next
	c.driversMu.Unlock()
}

// fanOutUnpartitioned delivers assignment to every live driver whose
// built Driver reports assignment.PlanNode as its source (spec.md
// §4.5.2 "For every existing driver ... call driver.update_splits").
func (c *Conductor) fanOutUnpartitioned(assignment plan.SplitAssignment) {
	c.driversMu.RLock()
	snapshot := c.drivers
	c.driversMu.RUnlock()

	for _, r := range snapshot {
		if r.IsFinished() {
			continue
		}
		if id, ok := r.SourceID(); ok && id == assignment.PlanNode {
			r.UpdateSplits(assignment)
		}
	}
}

func sortedBySequence(m map[uint64]plan.ScheduledSplit) []plan.ScheduledSplit {
	out := make([]plan.ScheduledSplit, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	return out
}

// TaskID returns the conductor's task id.
func (c *Conductor) TaskID() plan.TaskID { return c.taskID }

// GetState returns the task's current TaskStateMachine state (spec.md §6
// "get_state").
func (c *Conductor) GetState() statemachine.State { return c.sm.State() }

// FailureCause returns the recorded failure cause, if any.
func (c *Conductor) FailureCause() error { return c.sm.FailureCause() }

// AddStateListener registers fn for every future state transition (spec.md
// §6 "add_state_listener").
func (c *Conductor) AddStateListener(fn func(statemachine.Transition)) {
	c.sm.AddStateChangeListener(fn)
}

// Cancel transitions the task to CANCELED.
func (c *Conductor) Cancel() { c.sm.Cancel() }

// Abort transitions the task to ABORTED.
func (c *Conductor) Abort() { c.sm.Abort() }

// Fail transitions the task to FAILED with cause.
func (c *Conductor) Fail(cause error) { c.sm.Fail(cause) }

// GetNoMoreSplits returns every source plan node whose PendingSplits has
// left ADDING — i.e. the coordinator is known to have delivered every
// split it will ever deliver for that node (spec.md §6
// "get_no_more_splits").
func (c *Conductor) GetNoMoreSplits() []plan.PlanNodeID {
	var out []plan.PlanNodeID
	for node, ps := range c.pendingSplits {
		if ps.State() != splits.Adding {
			out = append(out, node)
		}
	}
	return out
}

// Snapshot returns a point-in-time, lock-free-to-read copy of the task's
// status for a control-plane monitoring surface (spec.md §12 "Diagnostic
// snapshot").
type Snapshot struct {
	TaskID                           plan.TaskID
	State                            statemachine.State
	OverallRemainingDriver           int32
	PipelinesWithNoMoreDriverRunners int32
	TotalPipelineCount               int32
	PendingSplitsState               map[plan.PlanNodeID]splits.State
	MaxAcknowledgedSequenceID        map[plan.PlanNodeID]uint64
}

// Snapshot implements the diagnostic read described above.
func (c *Conductor) Snapshot() Snapshot {
	c.mu.Lock()
	overall := c.status.OverallRemainingDriver
	noMore := c.status.PipelinesWithNoMoreDriverRunners
	total := c.status.TotalPipelineCount
	maxAck := make(map[plan.PlanNodeID]uint64, len(c.maxAcknowledged))
	for k, v := range c.maxAcknowledged {
		maxAck[k] = v
	}
	c.mu.Unlock()

	psState := make(map[plan.PlanNodeID]splits.State, len(c.pendingSplits))
	for node, ps := range c.pendingSplits {
		psState[node] = ps.State()
	}

	return Snapshot{
		TaskID:                           c.taskID,
		State:                            c.sm.State(),
		OverallRemainingDriver:           overall,
		PipelinesWithNoMoreDriverRunners: noMore,
		TotalPipelineCount:               total,
		PendingSplitsState:               psState,
		MaxAcknowledgedSequenceID:        maxAck,
	}
}
