// Package statemachine implements the task-level state machine (spec.md
// §4.1): a single-writer FSM surfaced to the control plane and to other
// components via listener registration, with callbacks always delivered
// on a dedicated notification Executor so the machine's lock is never
// held across a listener call.
package statemachine

import (
	"sync"

	"github.com/scatterquery/taskexec/pkg/future"
)

// State is one of the task-level lifecycle states.
type State int

const (
	Planned State = iota
	Running
	Flushing
	Finished
	Canceled
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Planned:
		return "PLANNED"
	case Running:
		return "RUNNING"
	case Flushing:
		return "FLUSHING"
	case Finished:
		return "FINISHED"
	case Canceled:
		return "CANCELED"
	case Aborted:
		return "ABORTED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is one of the absorbing terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case Finished, Canceled, Aborted, Failed:
		return true
	default:
		return false
	}
}

// Transition describes one observed state change, delivered to listeners.
type Transition struct {
	From  State
	To    State
	Cause error // non-nil only for a transition into Failed
}

// TaskStateMachine is the FSM described in spec.md §4.1. The zero value is
// not usable; construct with New.
type TaskStateMachine struct {
	notifier future.Executor

	mu        sync.Mutex
	state     State
	cause     error
	listeners []func(Transition)
}

// New returns a TaskStateMachine in the PLANNED state. notifier is used to
// dispatch every listener callback; pass future.Inline in tests that want
// synchronous delivery.
func New(notifier future.Executor) *TaskStateMachine {
	return &TaskStateMachine{notifier: notifier, state: Planned}
}

// State returns the current state.
func (m *TaskStateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FailureCause returns the first cause recorded for a FAILED transition,
// or nil if the task never failed.
func (m *TaskStateMachine) FailureCause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// AddStateChangeListener registers fn to be invoked, on the notification
// executor, for every transition from here on. It is not invoked
// retroactively for transitions already observed.
func (m *TaskStateMachine) AddStateChangeListener(fn func(Transition)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Start transitions PLANNED -> RUNNING. Called from any other state, it is
// a no-op (the task has already started or is terminal).
func (m *TaskStateMachine) Start() {
	m.transition(func(s State) (State, bool) {
		if s == Planned {
			return Running, true
		}
		return s, false
	}, nil)
}

// Flush transitions RUNNING -> FLUSHING: all work is done but the output
// buffer has not yet reached a terminal state.
func (m *TaskStateMachine) Flush() {
	m.transition(func(s State) (State, bool) {
		if s == Running {
			return Flushing, true
		}
		return s, false
	}, nil)
}

// Finish transitions RUNNING or FLUSHING -> FINISHED.
func (m *TaskStateMachine) Finish() {
	m.transition(func(s State) (State, bool) {
		if s == Running || s == Flushing {
			return Finished, true
		}
		return s, false
	}, nil)
}

// Cancel transitions any non-terminal state -> CANCELED.
func (m *TaskStateMachine) Cancel() {
	m.transition(func(s State) (State, bool) {
		if !s.IsTerminal() {
			return Canceled, true
		}
		return s, false
	}, nil)
}

// Abort transitions any non-terminal state -> ABORTED.
func (m *TaskStateMachine) Abort() {
	m.transition(func(s State) (State, bool) {
		if !s.IsTerminal() {
			return Aborted, true
		}
		return s, false
	}, nil)
}

// Fail transitions any non-terminal state -> FAILED with cause. If the
// task has already failed, the original cause is kept (first cause wins)
// and this call is a no-op; if the task is terminal in some other state,
// this call is also a no-op (a task that already finished successfully
// cannot retroactively fail).
func (m *TaskStateMachine) Fail(cause error) {
	if cause == nil {
		cause = errUnspecifiedFailure
	}
	m.transition(func(s State) (State, bool) {
		if !s.IsTerminal() {
			return Failed, true
		}
		return s, false
	}, cause)
}

var errUnspecifiedFailure = errUnspecified{}

type errUnspecified struct{}

func (errUnspecified) Error() string { return "task failed with unspecified cause" }

// transition applies decide to the current state; if it reports a change,
// the new state (and cause, for Failed) is recorded and listeners are
// notified exactly once, off-lock, on the notification executor.
func (m *TaskStateMachine) transition(decide func(State) (State, bool), cause error) {
	m.mu.Lock()
	from := m.state
	to, changed := decide(from)
	if !changed {
		m.mu.Unlock()
		return
	}
	m.state = to
	if to == Failed && m.cause == nil {
		m.cause = cause
	}
	recordedCause := m.cause
	listeners := make([]func(Transition), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	t := Transition{From: from, To: to}
	if to == Failed {
		t.Cause = recordedCause
	}
	for _, l := range listeners {
		l := l
		m.notifier.Execute(func() { l(t) })
	}
}
