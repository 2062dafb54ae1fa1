package task

import "sync"

// weakRef emulates the source's weak back-reference from a buffer
// listener to its conductor (spec.md §9 "Cyclic lifecycle references"):
// the listener closure captures a weakRef, not the Conductor directly,
// and upgrades it on every call; once the conductor clears its own ref at
// terminal transition, the listener becomes a permanent no-op even if the
// OutputBuffer itself outlives the task.
type weakRef struct {
	mu     sync.Mutex
	target *Conductor
}

func newWeakRef(c *Conductor) *weakRef {
	return &weakRef{target: c}
}

// get upgrades the weak reference, returning nil once cleared.
func (w *weakRef) get() *Conductor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.target
}

// clear drops the reference, making every future get() return nil.
func (w *weakRef) clear() {
	w.mu.Lock()
	w.target = nil
	w.mu.Unlock()
}
