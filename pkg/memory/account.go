// Package memory implements the process-wide memory accounting layer
// (spec.md §2.2): pure bookkeeping that charges bytes to a task and hands
// back a future that completes once the task is back below its
// high-water mark. The core only ever calls Reserve/Release; there is no
// actual allocator behind it.
package memory

import (
	"sync"

	"github.com/scatterquery/taskexec/pkg/future"
)

// Account tracks bytes reserved by a single task against a configurable
// limit. Reserve never blocks the calling goroutine: it returns a Future
// that is already complete if there was room, or one that completes later
// once enough bytes are Released.
type Account struct {
	mu      sync.Mutex
	limit   int64
	used    int64
	waiters []*future.Future
}

// NewAccount returns an Account with the given byte limit. A limit <= 0
// means unbounded: Reserve always completes immediately.
func NewAccount(limit int64) *Account {
	return &Account{limit: limit}
}

// Reserve charges bytes to the account and returns a future that
// completes (with a nil error) once the account's usage is at or below
// its limit. The charge is applied immediately regardless of whether the
// limit is currently exceeded — Reserve tracks backpressure, it does not
// refuse the charge.
func (a *Account) Reserve(bytes int64) *future.Future {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.used += bytes
	if a.limit <= 0 || a.used <= a.limit {
		return future.Completed(nil)
	}
	f := future.New()
	a.waiters = append(a.waiters, f)
	return f
}

// Release returns bytes to the account, completing any waiters whose
// Reserve can now proceed.
func (a *Account) Release(bytes int64) {
	a.mu.Lock()
	a.used -= bytes
	if a.used < 0 {
		a.used = 0
	}
	var ready []*future.Future
	if a.limit <= 0 || a.used <= a.limit {
		ready = a.waiters
		a.waiters = nil
	}
	a.mu.Unlock()

	for _, f := range ready {
		f.Complete(nil)
	}
}

// Used returns the currently reserved byte count.
func (a *Account) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// NotFull returns a future that completes once Used() <= limit. It is the
// same backpressure signal Reserve exposes, without charging any bytes —
// used by an exchange/local-exchange composing memory pressure with an
// output queue's own capacity signal (spec.md §5 "Memory").
func (a *Account) NotFull() *future.Future {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit <= 0 || a.used <= a.limit {
		return future.Completed(nil)
	}
	f := future.New()
	a.waiters = append(a.waiters, f)
	return f
}

// Pool is a process-wide collection of per-task Accounts (spec.md
// "PagePool"), so the demo and tests don't need to thread individual
// Account pointers through every component by hand.
type Pool struct {
	mu       sync.Mutex
	limit    int64
	accounts map[string]*Account
}

// NewPool returns a Pool whose accounts are each created with
// perTaskLimit bytes.
func NewPool(perTaskLimit int64) *Pool {
	return &Pool{limit: perTaskLimit, accounts: make(map[string]*Account)}
}

// AccountFor returns the Account for taskID, creating one on first use.
func (p *Pool) AccountFor(taskID string) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[taskID]
	if !ok {
		a = NewAccount(p.limit)
		p.accounts[taskID] = a
	}
	return a
}

// Forget drops the Account for taskID, e.g. once a task reaches a
// terminal state and its memory is no longer tracked.
func (p *Pool) Forget(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.accounts, taskID)
}
