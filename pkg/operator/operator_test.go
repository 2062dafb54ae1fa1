package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scatterquery/taskexec/pkg/plan"
)

func TestInstancesDefaultsToOne(t *testing.T) {
	assert.Equal(t, uint32(1), Factory{}.Instances())
	assert.Equal(t, uint32(5), Factory{DriverInstances: 5}.Instances())
}

func TestHasSourceReflectsSourcePlanNode(t *testing.T) {
	assert.False(t, Factory{}.HasSource())

	node := plan.PlanNodeID("n")
	assert.True(t, Factory{SourcePlanNode: &node}.HasSource())
}
