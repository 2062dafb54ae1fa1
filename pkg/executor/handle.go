package executor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scatterquery/taskexec/pkg/clock"
	"github.com/scatterquery/taskexec/pkg/driver"
	"github.com/scatterquery/taskexec/pkg/future"
)

// Handle is a task's admission-control ticket in the TaskExecutor
// (spec.md §3 "TaskHandle"): it caps how many of the task's drivers may
// be concurrently admitted to the shared worker pool, and queues the
// rest until a running driver frees a slot or the concurrency-adjustment
// policy raises the cap.
type Handle struct {
	id  string
	exe *TaskExecutor

	mu        sync.Mutex
	cap       int32
	maxCap    int32
	running   int32
	admission []*entry
	removed   bool

	utilization UtilizationSupplier
	policy      ConcurrencyPolicy
	adjInterval time.Duration
	adjLimiter  *rate.Limiter
	stopAdjust  chan struct{}
}

type entry struct {
	runner   driver.SplitRunner
	handle   *Handle
	fut      *future.Future
	readyAt  time.Time
}

func newHandle(id string, exe *TaskExecutor, u UtilizationSupplier, initialCap, maxCap int32, adjInterval time.Duration) *Handle {
	if initialCap < 1 {
		initialCap = 1
	}
	if maxCap < initialCap {
		maxCap = initialCap
	}
	h := &Handle{
		id:          id,
		exe:         exe,
		cap:         initialCap,
		maxCap:      maxCap,
		utilization: u,
		policy:      exe.policy,
		adjInterval: adjInterval,
		stopAdjust:  make(chan struct{}),
	}
	if adjInterval > 0 && u != nil {
		// Burst of 1 caps re-evaluation to once per adjInterval even if a
		// caller later reconfigures the ticker more aggressively than this
		// Handle was constructed with; the ticker is still the primary
		// cadence control (spec.md §4.6.2).
		h.adjLimiter = rate.NewLimiter(rate.Every(adjInterval), 1)
		go h.adjustLoop(exe.clk)
	}
	return h
}

// ID returns the handle's task id.
func (h *Handle) ID() string { return h.id }

// Removed reports whether RemoveTask has been called for this handle.
func (h *Handle) Removed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removed
}

// Cap returns the current concurrent-driver cap.
func (h *Handle) Cap() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cap
}

// hasBacklog reports whether admission-queued entries are waiting for a
// cap slot.
func (h *Handle) hasBacklog() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.admission) > 0
}

// admissionLen returns the number of entries currently queued behind the
// cap, for the DriverQueueDepth gauge (spec.md §4.6.4 fairness).
func (h *Handle) admissionLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.admission)
}

func (h *Handle) adjustLoop(clk clock.Source) {
	ticker := clk.Ticker(h.adjInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if h.Removed() {
				return
			}
			if !h.adjLimiter.Allow() {
				continue
			}
			bufUtil := h.utilization()
			backlog := h.hasBacklog()
			if rec := h.exe.metrics; rec != nil {
				rec.BufferUtilization.WithLabelValues(h.id).Set(bufUtil)
				rec.DriverQueueDepth.WithLabelValues(h.id).Set(float64(h.admissionLen()))
			}
			h.mu.Lock()
			driverUtil := 0.0
			if h.cap > 0 {
				driverUtil = float64(h.running) / float64(h.cap)
			}
			u := Utilization{Driver: driverUtil, Buffer: bufUtil}
			next := h.policy.Next(h.cap, h.maxCap, u, backlog)
			h.cap = next
			h.mu.Unlock()
			h.exe.drainAdmission(h)
		case <-h.stopAdjust:
			return
		}
	}
}

// enqueue admits entry immediately if force or the cap allows it;
// otherwise it is appended to the per-task admission queue to be
// admitted later as running slots free up.
func (h *Handle) enqueue(e *entry, force bool) {
	h.mu.Lock()
	if force || h.running < h.cap {
		h.running++
		h.mu.Unlock()
		h.exe.pushReady(e)
		return
	}
	h.admission = append(h.admission, e)
	h.mu.Unlock()
}

// release accounts for one admitted driver finishing or failing, then
// admits the next queued entry if the cap now allows it.
func (h *Handle) release() {
	h.mu.Lock()
	if h.running > 0 {
		h.running--
	}
	h.mu.Unlock()
	h.exe.drainAdmission(h)
}

func (h *Handle) popAdmittable() *entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed || len(h.admission) == 0 || h.running >= h.cap {
		return nil
	}
	e := h.admission[0]
	h.admission = h.admission[1:]
	h.running++
	return e
}

func (h *Handle) drainQueuedOnRemove() []*entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.admission
	h.admission = nil
	return out
}
