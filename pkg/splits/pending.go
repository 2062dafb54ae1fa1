// Package splits implements the per-source-plan-node pending-splits queue
// and its three-state lifecycle (spec.md §3, §4.2): ADDING, NO_MORE,
// FINISHED.
package splits

import (
	"sync"

	"github.com/scatterquery/taskexec/pkg/plan"
	"github.com/scatterquery/taskexec/pkg/taskerrors"
)

// State is a PendingSplits' lifecycle state.
type State int

const (
	// Adding accepts new splits via Add.
	Adding State = iota
	// NoMore has latched "no further splits will ever arrive" but may
	// still hold undrained splits.
	NoMore
	// Finished requires the queue to have been drained and marked
	// NoMore; no further writes are permitted.
	Finished
)

func (s State) String() string {
	switch s {
	case Adding:
		return "ADDING"
	case NoMore:
		return "NO_MORE"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// PendingSplits is the split queue for a single source plan node. It is
// safe for concurrent use; the conductor serializes writes under its own
// monitor in practice, but PendingSplits enforces its own invariants
// regardless.
type PendingSplits struct {
	mu     sync.Mutex
	state  State
	splits map[uint64]plan.ScheduledSplit
}

// New returns a PendingSplits in the ADDING state with no splits.
func New() *PendingSplits {
	return &PendingSplits{
		state:  Adding,
		splits: make(map[uint64]plan.ScheduledSplit),
	}
}

// Add inserts split, deduplicating by sequence id. Valid only in ADDING;
// any other state is a programmer error.
func (p *PendingSplits) Add(split plan.ScheduledSplit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Adding {
		return taskerrors.Invariant("add_split called in state %s, want ADDING", p.state)
	}
	p.splits[split.SequenceID] = split
	return nil
}

// SetNoMore idempotently transitions ADDING -> NO_MORE. Calling it again,
// or calling it once already NO_MORE or FINISHED, is a no-op.
func (p *PendingSplits) SetNoMore() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Adding {
		p.state = NoMore
	}
}

// Drain returns and clears the currently held splits. Legal in ADDING or
// NO_MORE.
func (p *PendingSplits) Drain() ([]plan.ScheduledSplit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Finished {
		return nil, taskerrors.Invariant("drain called in state FINISHED")
	}
	out := make([]plan.ScheduledSplit, 0, len(p.splits))
	for _, s := range p.splits {
		out = append(out, s)
	}
	p.splits = make(map[uint64]plan.ScheduledSplit)
	return out, nil
}

// MarkCleanedUp transitions to FINISHED. Requires the state to already be
// NO_MORE and the split set to be empty (i.e. the caller has drained
// everything and will create no more driver runners for this plan node).
func (p *PendingSplits) MarkCleanedUp() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != NoMore {
		return taskerrors.Invariant("mark_cleaned_up called in state %s, want NO_MORE", p.state)
	}
	if len(p.splits) != 0 {
		return taskerrors.Invariant("mark_cleaned_up called with %d splits still pending", len(p.splits))
	}
	p.state = Finished
	return nil
}

// State returns the current lifecycle state.
func (p *PendingSplits) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsEmpty reports whether there are no undrained splits right now.
func (p *PendingSplits) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.splits) == 0
}
