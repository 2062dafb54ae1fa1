package executor

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Notifier is a fixed-size pool of goroutines that run submitted funcs,
// implementing future.Executor. It is the "notification executor" the
// spec requires every completion callback — task-state-machine
// listeners, output-buffer listeners, driver-completion callbacks — to
// run on, so a worker thread is never blocked delivering a callback
// (spec.md §4.1, §4.5.4, §5). The queue is unbounded: Execute never
// blocks the caller.
type Notifier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	eg     *errgroup.Group
}

// NewNotifier starts threads worker goroutines draining a shared,
// unbounded callback queue.
func NewNotifier(threads int) *Notifier {
	if threads <= 0 {
		threads = 1
	}
	n := &Notifier{eg: &errgroup.Group{}}
	n.cond = sync.NewCond(&n.mu)
	for i := 0; i < threads; i++ {
		n.eg.Go(n.worker)
	}
	return n
}

func (n *Notifier) worker() error {
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 && n.closed {
			n.mu.Unlock()
			return nil
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		fn()
	}
}

// Execute implements future.Executor: fn is appended to the queue and
// run by the next free worker. Execute never blocks and never runs fn
// synchronously.
func (n *Notifier) Execute(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	n.cond.Signal()
}

// Close stops accepting new work and waits for already-queued callbacks
// to drain before returning.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.cond.Broadcast()
	_ = n.eg.Wait()
}
