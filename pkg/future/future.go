// Package future implements the listenable-future abstraction the spec
// requires in place of blocking calls (spec.md §5, §9 "Futures"): a value
// that completes exactly once, later, and that lets callers attach
// completion callbacks to run on a specific Executor rather than on
// whichever goroutine happens to complete it. Nothing in this module
// busy-waits on a Future; every consumer either composes callbacks or
// selects on Done().
package future

import "sync"

// Executor runs a callback asynchronously. It is satisfied by
// pkg/executor's notification pool, and by Inline for tests that want
// synchronous callback delivery.
type Executor interface {
	Execute(fn func())
}

// Inline runs callbacks synchronously on the calling goroutine. Useful in
// unit tests where ordering relative to the test goroutine matters.
var Inline Executor = inlineExecutor{}

type inlineExecutor struct{}

func (inlineExecutor) Execute(fn func()) { fn() }

// Future completes exactly once with either a nil error (success) or a
// non-nil error (failure). The zero value is not usable; construct with
// New.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	err       error
	callbacks []func(error)
}

// New returns an incomplete Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a Future that is already done with err (possibly nil).
func Completed(err error) *Future {
	f := New()
	f.Complete(err)
	return f
}

// Complete resolves f with err. Only the first call has any effect; later
// calls are no-ops, matching the "first cause wins" semantics used
// throughout the scheduler.
func (f *Future) Complete(err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.completed = true
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// IsDone reports whether f has completed.
func (f *Future) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Err returns the completion error. It must only be called after Done() is
// closed or IsDone() is true.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Done returns a channel closed when f completes, for composing with
// select alongside other channels (e.g. a shutdown signal). It is never
// used to block a worker thread indefinitely without an alternative case.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// OnComplete registers cb to run on executor once f completes. If f is
// already complete, cb is dispatched to executor immediately. cb is
// invoked exactly once, after f's completion, and never on the goroutine
// that called Complete directly (it always goes through executor).
func (f *Future) OnComplete(executor Executor, cb func(err error)) {
	f.mu.Lock()
	if f.completed {
		err := f.err
		f.mu.Unlock()
		executor.Execute(func() { cb(err) })
		return
	}
	f.callbacks = append(f.callbacks, func(err error) {
		executor.Execute(func() { cb(err) })
	})
	f.mu.Unlock()
}
