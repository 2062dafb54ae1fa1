// Package plan holds the data model of a compiled query-plan fragment:
// task, pipeline, and plan-node identifiers, splits, and the assignment
// envelope the coordinator streams to a task (spec.md §3).
package plan

import "fmt"

// TaskID opaquely identifies a task (query, stage, index, attempt). It is
// immutable once a task is created.
type TaskID string

// PipelineID is a dense, small integer naming a pipeline within a task.
type PipelineID int32

// PlanNodeID opaquely names a source operator within a plan fragment.
type PlanNodeID string

// Split is an opaque unit of input work with an observable, non-negative
// weight. Operator implementations are out of scope (spec.md §1); the
// core only needs enough of a split to track its lifecycle.
type Split interface {
	// Weight is a non-negative cost estimate used by callers outside this
	// core (e.g. placement); the scheduler itself does not interpret it.
	Weight() int64
}

// ScheduledSplit pairs a Split with the monotonically increasing sequence
// id the coordinator assigned it and the plan node it feeds. Sequence ids
// are never reused within a task's lifetime, per plan node.
type ScheduledSplit struct {
	SequenceID uint64
	PlanNode   PlanNodeID
	Split      Split
}

func (s ScheduledSplit) String() string {
	return fmt.Sprintf("ScheduledSplit{seq=%d, node=%s}", s.SequenceID, s.PlanNode)
}

// SplitAssignment is the accumulated, coordinator-delivered state for one
// plan node: every split scheduled so far plus whether more will ever
// arrive. Two assignments for the same plan node merge by union-of-splits
// and OR-of-no_more_splits (spec.md §3), which is what makes repeated or
// out-of-order delivery safe.
type SplitAssignment struct {
	PlanNode     PlanNodeID
	Splits       map[uint64]ScheduledSplit
	NoMoreSplits bool
}

// NewSplitAssignment builds an assignment from a slice of splits.
func NewSplitAssignment(node PlanNodeID, splits []ScheduledSplit, noMore bool) SplitAssignment {
	m := make(map[uint64]ScheduledSplit, len(splits))
	for _, s := range splits {
		m[s.SequenceID] = s
	}
	return SplitAssignment{PlanNode: node, Splits: m, NoMoreSplits: noMore}
}

// Merge returns the union of a and b: the split sets combined (by sequence
// id, deduplicating identical re-deliveries) and no_more_splits OR'd.
// Merge never mutates a or b.
func (a SplitAssignment) Merge(b SplitAssignment) SplitAssignment {
	out := SplitAssignment{
		PlanNode:     a.PlanNode,
		Splits:       make(map[uint64]ScheduledSplit, len(a.Splits)+len(b.Splits)),
		NoMoreSplits: a.NoMoreSplits || b.NoMoreSplits,
	}
	for seq, s := range a.Splits {
		out.Splits[seq] = s
	}
	for seq, s := range b.Splits {
		out.Splits[seq] = s
	}
	return out
}

// FilterAfter returns the subset of a whose sequence id is strictly
// greater than maxAcknowledged, preserving NoMoreSplits. A convenience for
// callers that know delivery is monotonic (e.g. a coordinator pruning its
// own cumulative state); the conductor's own dedup does not use this, since
// it must also accept a plan node's split ids out of order.
func (a SplitAssignment) FilterAfter(maxAcknowledged uint64) SplitAssignment {
	out := SplitAssignment{
		PlanNode:     a.PlanNode,
		Splits:       make(map[uint64]ScheduledSplit, len(a.Splits)),
		NoMoreSplits: a.NoMoreSplits,
	}
	for seq, s := range a.Splits {
		if seq > maxAcknowledged {
			out.Splits[seq] = s
		}
	}
	return out
}

// MaxSequenceID returns the largest sequence id present in a, and false if
// a has no splits.
func (a SplitAssignment) MaxSequenceID() (uint64, bool) {
	var (
		max   uint64
		found bool
	)
	for seq := range a.Splits {
		if !found || seq > max {
			max = seq
			found = true
		}
	}
	return max, found
}
