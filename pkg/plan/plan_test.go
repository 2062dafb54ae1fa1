package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type intSplit int64

func (s intSplit) Weight() int64 { return int64(s) }

func scheduled(seq uint64) ScheduledSplit {
	return ScheduledSplit{SequenceID: seq, PlanNode: "n", Split: intSplit(1)}
}

func TestMergeUnionsSplitsAndOrsNoMore(t *testing.T) {
	a := NewSplitAssignment("n", []ScheduledSplit{scheduled(1), scheduled(2)}, false)
	b := NewSplitAssignment("n", []ScheduledSplit{scheduled(2), scheduled(3)}, true)

	m := a.Merge(b)

	assert.Len(t, m.Splits, 3)
	assert.True(t, m.NoMoreSplits)
	for _, seq := range []uint64{1, 2, 3} {
		_, ok := m.Splits[seq]
		assert.True(t, ok, "expected seq %d present", seq)
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	a := NewSplitAssignment("n", []ScheduledSplit{scheduled(1)}, false)
	b := NewSplitAssignment("n", []ScheduledSplit{scheduled(2)}, false)

	_ = a.Merge(b)

	assert.Len(t, a.Splits, 1)
	assert.Len(t, b.Splits, 1)
}

func TestFilterAfterDropsAcknowledged(t *testing.T) {
	a := NewSplitAssignment("n", []ScheduledSplit{scheduled(1), scheduled(2), scheduled(3)}, true)

	out := a.FilterAfter(1)

	assert.Len(t, out.Splits, 2)
	_, hasOne := out.Splits[1]
	assert.False(t, hasOne)
	assert.True(t, out.NoMoreSplits)
}

func TestMaxSequenceID(t *testing.T) {
	a := NewSplitAssignment("n", []ScheduledSplit{scheduled(5), scheduled(2)}, false)
	max, found := a.MaxSequenceID()
	assert.True(t, found)
	assert.Equal(t, uint64(5), max)

	empty := NewSplitAssignment("n", nil, false)
	_, found = empty.MaxSequenceID()
	assert.False(t, found)
}
