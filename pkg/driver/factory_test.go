package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scatterquery/taskexec/pkg/future"
	"github.com/scatterquery/taskexec/pkg/memory"
	"github.com/scatterquery/taskexec/pkg/operator"
	"github.com/scatterquery/taskexec/pkg/plan"
)

type stubDriver struct {
	finished bool
	closed   bool
	updates  []plan.SplitAssignment
}

func (d *stubDriver) SourceID() (plan.PlanNodeID, bool)   { return "src", true }
func (d *stubDriver) UpdateSplits(a plan.SplitAssignment) { d.updates = append(d.updates, a) }
func (d *stubDriver) ProcessFor(time.Duration) *future.Future {
	return future.Completed(nil)
}
func (d *stubDriver) IsFinished() bool { return d.finished }
func (d *stubDriver) Close()           { d.closed = true }

func taskLifecycleFactory(instances uint32) operator.Factory {
	return operator.Factory{
		PipelineID:      1,
		DriverInstances: instances,
		Build: func(operator.Context) (operator.Driver, error) {
			return &stubDriver{}, nil
		},
	}
}

func sourceFactory(node plan.PlanNodeID) operator.Factory {
	return operator.Factory{
		PipelineID:     2,
		SourcePlanNode: &node,
		Build: func(operator.Context) (operator.Driver, error) {
			return &stubDriver{}, nil
		},
	}
}

func TestCreateDriverRunnerRejectsSplitMismatch(t *testing.T) {
	taskF := NewFactory("t1", nil, taskLifecycleFactory(1))
	split := plan.ScheduledSplit{SequenceID: 1, PlanNode: "n"}
	_, err := taskF.CreateDriverRunner(&split, nil)
	assert.Error(t, err, "a task-lifecycle factory must reject a bound split")

	node := plan.PlanNodeID("n")
	srcF := NewFactory("t1", nil, sourceFactory(node))
	_, err = srcF.CreateDriverRunner(nil, nil)
	assert.Error(t, err, "a source factory must require a bound split")
}

func TestNoMoreDriverRunnerClosesOnceFullyCreated(t *testing.T) {
	var closed bool
	f := NewFactory("t1", nil, operator.Factory{
		PipelineID: 1,
		Build: func(operator.Context) (operator.Driver, error) {
			return &stubDriver{}, nil
		},
		Close: func() { closed = true },
	})

	r, err := f.CreateDriverRunner(nil, nil)
	require.NoError(t, err)

	f.NoMoreDriverRunner()
	assert.False(t, closed, "must not close while a runner's creation is still pending")

	r.Close()
	assert.True(t, closed, "must close once no_more_driver_runners has latched and pending creation reached zero")
}

func TestCloseIfFullyCreatedIsIdempotent(t *testing.T) {
	var closeCount int
	f := NewFactory("t1", nil, operator.Factory{
		PipelineID: 1,
		Build: func(operator.Context) (operator.Driver, error) {
			return &stubDriver{}, nil
		},
		Close: func() { closeCount++ },
	})
	f.NoMoreDriverRunner()
	f.CloseIfFullyCreated()
	f.CloseIfFullyCreated()
	assert.Equal(t, 1, closeCount)
}

func TestCreateDriverRunnerAfterCloseFails(t *testing.T) {
	f := NewFactory("t1", nil, operator.Factory{
		PipelineID: 1,
		Build: func(operator.Context) (operator.Driver, error) {
			return &stubDriver{}, nil
		},
	})
	f.NoMoreDriverRunner()
	_, err := f.CreateDriverRunner(nil, nil)
	assert.Error(t, err)
}

func TestCreateDriverRunnerPropagatesMemoryAccount(t *testing.T) {
	account := memory.NewAccount(1 << 20)
	var gotCtx operator.Context
	f := NewFactory("t1", account, operator.Factory{
		PipelineID: 1,
		Build: func(ctx operator.Context) (operator.Driver, error) {
			gotCtx = ctx
			return &stubDriver{}, nil
		},
	})

	r, err := f.CreateDriverRunner(nil, nil)
	require.NoError(t, err)
	r.ProcessFor(0)

	assert.Same(t, account, gotCtx.Memory)
}

func TestInstancesDefaultsToOne(t *testing.T) {
	f := NewFactory("t1", nil, taskLifecycleFactory(0))
	assert.Equal(t, uint32(1), f.Instances())

	f2 := NewFactory("t1", nil, taskLifecycleFactory(3))
	assert.Equal(t, uint32(3), f2.Instances())
}
