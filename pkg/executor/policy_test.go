package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProportionalPolicyGrowsOnLowUtilizationWithBacklog(t *testing.T) {
	p := DefaultProportionalPolicy()
	next := p.Next(2, 8, Utilization{Buffer: 0.1}, true)
	assert.Equal(t, int32(3), next)
}

func TestProportionalPolicyDoesNotGrowPastMax(t *testing.T) {
	p := DefaultProportionalPolicy()
	next := p.Next(8, 8, Utilization{Buffer: 0.1}, true)
	assert.Equal(t, int32(8), next)
}

func TestProportionalPolicyIgnoresBacklogWithoutLowUtilization(t *testing.T) {
	p := DefaultProportionalPolicy()
	next := p.Next(2, 8, Utilization{Buffer: 0.6}, true)
	assert.Equal(t, int32(2), next)
}

func TestProportionalPolicyShrinksOnHighUtilization(t *testing.T) {
	p := DefaultProportionalPolicy()
	next := p.Next(4, 8, Utilization{Buffer: 0.9}, false)
	assert.Equal(t, int32(3), next)
}

func TestProportionalPolicyNeverShrinksBelowOne(t *testing.T) {
	p := DefaultProportionalPolicy()
	next := p.Next(1, 8, Utilization{Buffer: 0.95}, false)
	assert.Equal(t, int32(1), next)
}

func TestProportionalPolicyHoldsInDeadZone(t *testing.T) {
	p := DefaultProportionalPolicy()
	next := p.Next(3, 8, Utilization{Buffer: 0.65}, true)
	assert.Equal(t, int32(3), next)
}
