// Package executor implements the cooperative, multi-threaded scheduler
// that time-slices SplitRunners across a bounded worker pool with
// per-task admission control (spec.md §4.6): TaskExecutor.
package executor

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scatterquery/taskexec/pkg/clock"
	"github.com/scatterquery/taskexec/pkg/driver"
	"github.com/scatterquery/taskexec/pkg/future"
	"github.com/scatterquery/taskexec/pkg/logging"
	"github.com/scatterquery/taskexec/pkg/memory"
	"github.com/scatterquery/taskexec/pkg/metrics"
	"github.com/scatterquery/taskexec/pkg/taskerrors"
)

// Config tunes the TaskExecutor (spec.md §6).
type Config struct {
	// WorkerThreads is the fixed pool size. Typically cores or cores*2.
	WorkerThreads int
	// NotificationThreads sizes the callback-dispatch pool.
	NotificationThreads int
	// TaskYieldInterval upper-bounds one ProcessFor call.
	TaskYieldInterval time.Duration
	// TaskMemoryLimitBytes bounds each task's MemoryAccount in the
	// executor's shared memory.Pool; <= 0 means unbounded.
	TaskMemoryLimitBytes int64
}

// DefaultConfig returns reasonable defaults for a small deployment.
func DefaultConfig() Config {
	return Config{
		WorkerThreads:       8,
		NotificationThreads: 4,
		TaskYieldInterval:   time.Second,
	}
}

// TaskExecutor is the shared, process-wide thread pool that multiplexes
// SplitRunners across tasks (spec.md §4.6.1). Construct once at process
// startup and inject it; there is no other global mutable state in this
// module.
type TaskExecutor struct {
	cfg     Config
	clk     clock.Source
	log     *logging.Logger
	policy  ConcurrencyPolicy
	metrics *metrics.Recorder

	notifier *Notifier
	memPool  *memory.Pool

	mu      sync.Mutex
	cond    *sync.Cond
	ready   []*entry
	handles map[string]*Handle
	closed  bool
	workers errgroup.Group
}

// New starts a TaskExecutor with cfg.WorkerThreads worker goroutines and
// cfg.NotificationThreads notification goroutines.
func New(cfg Config, clk clock.Source, log *logging.Logger) *TaskExecutor {
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 1
	}
	if cfg.NotificationThreads <= 0 {
		cfg.NotificationThreads = 1
	}
	if log == nil {
		log = logging.New(nil)
	}
	e := &TaskExecutor{
		cfg:      cfg,
		clk:      clk,
		log:      log.WithComponent("executor"),
		policy:   DefaultProportionalPolicy(),
		notifier: NewNotifier(cfg.NotificationThreads),
		memPool:  memory.NewPool(cfg.TaskMemoryLimitBytes),
		handles:  make(map[string]*Handle),
	}
	e.cond = sync.NewCond(&e.mu)
	for i := 0; i < cfg.WorkerThreads; i++ {
		e.workers.Go(e.workerLoop)
	}
	return e
}

// Notifier returns the executor's notification Executor, the pool every
// completion callback in this module must be dispatched through
// (spec.md §4.1, §4.5.4, §5).
func (e *TaskExecutor) Notifier() future.Executor { return e.notifier }

// MemoryPool returns the executor's shared per-task memory.Pool (spec.md
// §5 "Memory"). A Conductor obtains its task's Account from here at
// construction and forgets it once the task reaches a terminal state.
func (e *TaskExecutor) MemoryPool() *memory.Pool { return e.memPool }

// WithConcurrencyPolicy overrides the default ProportionalPolicy. Call
// before AddTask; it is not safe to change concurrently with scheduling.
func (e *TaskExecutor) WithConcurrencyPolicy(p ConcurrencyPolicy) *TaskExecutor {
	e.policy = p
	return e
}

// WithMetrics attaches a metrics.Recorder. The ready-queue-wait histogram
// (spec.md §12) is observed only when this has been called.
func (e *TaskExecutor) WithMetrics(m *metrics.Recorder) *TaskExecutor {
	e.metrics = m
	return e
}

// AddTask registers a new task with the executor and returns its Handle
// (spec.md §6 "TaskExecutor.add_task"). u is polled every adjInterval to
// drive the concurrency-adjustment policy (spec.md §4.6.2); adjInterval
// <= 0 disables adjustment and the cap stays fixed at initialCap.
// AddTask fails with taskerrors.ErrDuplicateTaskID if taskID is still
// registered — the create_task duplicate-id check of spec.md §6 — and a
// caller must RemoveTask the prior Handle (or let it reach a terminal
// state) before a taskID can be reused.
func (e *TaskExecutor) AddTask(taskID string, initialCap, maxCap int32, u UtilizationSupplier, adjInterval time.Duration) (*Handle, error) {
	e.mu.Lock()
	if _, exists := e.handles[taskID]; exists {
		e.mu.Unlock()
		return nil, taskerrors.ErrDuplicateTaskID
	}
	h := newHandle(taskID, e, u, initialCap, maxCap, adjInterval)
	e.handles[taskID] = h
	e.mu.Unlock()
	return h, nil
}

// taskYieldInterval returns the configured per-call time slice.
func (e *TaskExecutor) taskYieldInterval() time.Duration {
	if e.cfg.TaskYieldInterval <= 0 {
		return time.Second
	}
	return e.cfg.TaskYieldInterval
}

func (e *TaskExecutor) pushReady(en *entry) {
	if e.clk != nil {
		en.readyAt = e.clk.Now()
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		en.runner.Close()
		en.fut.Complete(nil)
		en.handle.release()
		return
	}
	e.ready = append(e.ready, en)
	e.mu.Unlock()
	e.cond.Signal()
}

func (e *TaskExecutor) drainAdmission(h *Handle) {
	for {
		en := h.popAdmittable()
		if en == nil {
			return
		}
		e.pushReady(en)
	}
}

func (e *TaskExecutor) dequeueReady() (*entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.ready) == 0 && !e.closed {
		e.cond.Wait()
	}
	if len(e.ready) == 0 {
		return nil, false
	}
	en := e.ready[0]
	e.ready = e.ready[1:]
	return en, true
}

func (e *TaskExecutor) workerLoop() error {
	for {
		en, ok := e.dequeueReady()
		if !ok {
			return nil
		}
		e.runOnce(en)
	}
}

// runOnce dispatches one process_for call for en's runner and decides
// whether to finish, re-enqueue immediately, or suspend until en's
// returned future completes (spec.md §4.6.3).
func (e *TaskExecutor) runOnce(en *entry) {
	if e.metrics != nil && e.clk != nil && !en.readyAt.IsZero() {
		e.metrics.ReadyQueueWait.Observe(e.clk.Now().Sub(en.readyAt).Seconds())
	}
	if en.handle.Removed() {
		en.runner.Close()
		en.fut.Complete(nil)
		en.handle.release()
		return
	}

	f := en.runner.ProcessFor(e.taskYieldInterval())

	if en.runner.IsFinished() {
		en.fut.Complete(nil)
		en.handle.release()
		return
	}

	if f.IsDone() {
		if err := f.Err(); err != nil {
			en.runner.Close()
			en.fut.Complete(err)
			en.handle.release()
			return
		}
		// Can make progress again immediately: re-enqueue at the tail,
		// still admitted (no cap change, no release/readmit).
		e.pushReady(en)
		return
	}

	// Suspended: drop off the ready queue and wait for the returned
	// future, off the worker thread, via the notifier.
	f.OnComplete(e.notifier, func(err error) {
		if en.handle.Removed() {
			en.runner.Close()
			en.fut.Complete(nil)
			en.handle.release()
			return
		}
		if err != nil {
			en.runner.Close()
			en.fut.Complete(err)
			en.handle.release()
			return
		}
		if en.runner.IsFinished() {
			en.fut.Complete(nil)
			en.handle.release()
			return
		}
		e.pushReady(en)
	})
}

// EnqueueSplits hands runners to the executor for scheduling under
// handle's admission control, returning one completion future per runner
// (spec.md §6 "TaskExecutor.enqueue_splits"). force=true bypasses
// admission control entirely — used only for task-lifecycle bootstrap
// (spec.md §4.5.4) — starting every runner immediately regardless of the
// task's current cap.
func (e *TaskExecutor) EnqueueSplits(h *Handle, force bool, runners []driver.SplitRunner) []*future.Future {
	futs := make([]*future.Future, len(runners))
	for i, r := range runners {
		en := &entry{runner: r, handle: h, fut: future.New()}
		futs[i] = en.fut
		h.enqueue(en, force)
	}
	return futs
}

// RemoveTask deregisters handle: queued-but-not-yet-admitted runners are
// closed and their futures completed with nil (cancellation, not
// failure); already-admitted runners are closed the next time the
// scheduler observes them (spec.md §5 "Cancellation").
func (e *TaskExecutor) RemoveTask(h *Handle) {
	h.mu.Lock()
	if h.removed {
		h.mu.Unlock()
		return
	}
	h.removed = true
	close(h.stopAdjust)
	h.mu.Unlock()

	e.mu.Lock()
	delete(e.handles, h.id)
	e.mu.Unlock()

	for _, en := range h.drainQueuedOnRemove() {
		en.runner.Close()
		en.fut.Complete(nil)
	}
}

// Shutdown stops accepting new ready work, waits for in-flight
// process_for calls to return, and stops the notification pool. It does
// not forcibly cancel tasks; callers should RemoveTask everything first.
func (e *TaskExecutor) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	_ = e.workers.Wait()
	e.notifier.Close()
}
