// Package buffer defines the OutputBuffer contract the scheduler couples
// task completion to (spec.md §4.7), and provides MemoryBuffer, a
// reference in-memory implementation usable standalone or in tests. The
// wire format and HTTP surface that would actually move pages between
// nodes are explicitly out of scope (spec.md §1); this package only
// models the state machine and backpressure signal the core consumes.
package buffer

import (
	"sync"

	"github.com/scatterquery/taskexec/pkg/future"
)

// State is an OutputBuffer's lifecycle state.
type State int

const (
	Open State = iota
	NoMorePages
	Flushing
	Finished
	Failed
	Aborted
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case NoMorePages:
		return "NO_MORE_PAGES"
	case Flushing:
		return "FLUSHING"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is FINISHED, FAILED, or ABORTED.
func (s State) IsTerminal() bool {
	switch s {
	case Finished, Failed, Aborted:
		return true
	default:
		return false
	}
}

// OutputBuffer is the abstract sink the task couples its completion to.
// Implementations must ensure AddStateChangeListener callbacks never fire
// while any internal lock is held (spec.md §4.7).
type OutputBuffer interface {
	// State returns the buffer's current lifecycle state.
	State() State
	// Utilization returns a value in [0, 1] consumed by the executor's
	// concurrency-adjustment heuristic (spec.md §4.6.2).
	Utilization() float64
	// NoMorePages idempotently transitions OPEN -> NO_MORE_PAGES.
	NoMorePages()
	// AddStateChangeListener registers fn to fire on every transition.
	AddStateChangeListener(fn func(State))
	// FailureCause returns the recorded cause if State() == Failed, or
	// nil (including when the buffer failed without recording one).
	FailureCause() error
}

// MemoryBuffer is a reference OutputBuffer: a capacity-bounded byte
// account with a future-based backpressure signal, suitable for tests and
// the demo CLI. It stores no page contents, only the byte sizes passed to
// AddPage and Consume, since the wire format of a page is out of scope for
// this core.
type MemoryBuffer struct {
	mu        sync.Mutex
	capacity  int64
	used      int64
	state     State
	cause     error
	listeners []func(State)
	waiters   []*future.Future
}

// NewMemoryBuffer returns an open MemoryBuffer with the given byte
// capacity.
func NewMemoryBuffer(capacity int64) *MemoryBuffer {
	return &MemoryBuffer{capacity: capacity, state: Open}
}

// AddPage enqueues a page of size bytes. It never blocks: if there is
// capacity it returns a completed future immediately; otherwise it
// returns a future that completes once WaitForCapacity-style space frees
// up via Consume.
func (b *MemoryBuffer) AddPage(size int64) *future.Future {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.used += size
	if b.used <= b.capacity {
		return future.Completed(nil)
	}
	f := future.New()
	b.waiters = append(b.waiters, f)
	return f
}

// Consume removes size bytes from the buffer's accounted usage (the
// downstream consumer has drained that many bytes of pages), releasing
// waiters whose backpressure future can now complete.
func (b *MemoryBuffer) Consume(size int64) {
	b.mu.Lock()
	b.used -= size
	if b.used < 0 {
		b.used = 0
	}
	var ready []*future.Future
	if b.used <= b.capacity {
		ready = b.waiters
		b.waiters = nil
	}
	b.mu.Unlock()

	for _, f := range ready {
		f.Complete(nil)
	}
}

// Utilization implements OutputBuffer.
func (b *MemoryBuffer) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity <= 0 {
		return 0
	}
	u := float64(b.used) / float64(b.capacity)
	if u > 1 {
		u = 1
	}
	if u < 0 {
		u = 0
	}
	return u
}

// State implements OutputBuffer.
func (b *MemoryBuffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCause implements OutputBuffer.
func (b *MemoryBuffer) FailureCause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}

// AddStateChangeListener implements OutputBuffer.
func (b *MemoryBuffer) AddStateChangeListener(fn func(State)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// NoMorePages implements OutputBuffer: idempotently OPEN -> NO_MORE_PAGES.
func (b *MemoryBuffer) NoMorePages() {
	b.setState(func(s State) (State, bool) {
		if s == Open {
			return NoMorePages, true
		}
		return s, false
	}, nil)
}

// Finish transitions to FINISHED from any non-terminal state. A reference
// buffer calls this once every enqueued page has actually been consumed
// downstream; callers drive it directly in tests.
func (b *MemoryBuffer) Finish() {
	b.setState(func(s State) (State, bool) {
		if !s.IsTerminal() {
			return Finished, true
		}
		return s, false
	}, nil)
}

// Fail transitions to FAILED from any non-terminal state, recording
// cause (first cause wins).
func (b *MemoryBuffer) Fail(cause error) {
	b.setState(func(s State) (State, bool) {
		if !s.IsTerminal() {
			return Failed, true
		}
		return s, false
	}, cause)
}

// Abort transitions to ABORTED from any non-terminal state.
func (b *MemoryBuffer) Abort() {
	b.setState(func(s State) (State, bool) {
		if !s.IsTerminal() {
			return Aborted, true
		}
		return s, false
	}, nil)
}

func (b *MemoryBuffer) setState(decide func(State) (State, bool), cause error) {
	b.mu.Lock()
	next, changed := decide(b.state)
	if !changed {
		b.mu.Unlock()
		return
	}
	b.state = next
	if next == Failed && b.cause == nil {
		b.cause = cause
	}
	listeners := make([]func(State), len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
}
