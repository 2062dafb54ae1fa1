package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scatterquery/taskexec/pkg/future"
)

func TestHappyPath(t *testing.T) {
	var transitions []Transition
	m := New(future.Inline)
	m.AddStateChangeListener(func(tr Transition) { transitions = append(transitions, tr) })

	m.Start()
	m.Flush()
	m.Finish()

	require.Equal(t, Finished, m.State())
	require.Len(t, transitions, 3)
	assert.Equal(t, Planned, transitions[0].From)
	assert.Equal(t, Running, transitions[0].To)
	assert.Equal(t, Flushing, transitions[2].From)
	assert.Equal(t, Finished, transitions[2].To)
}

func TestFinishFromRunningSkipsFlushing(t *testing.T) {
	m := New(future.Inline)
	m.Start()
	m.Finish()
	assert.Equal(t, Finished, m.State())
}

func TestTerminalIsAbsorbing(t *testing.T) {
	m := New(future.Inline)
	m.Start()
	m.Cancel()
	assert.Equal(t, Canceled, m.State())

	m.Finish()
	assert.Equal(t, Canceled, m.State(), "a terminal state must not be overwritten")
}

func TestFailFirstCauseWins(t *testing.T) {
	m := New(future.Inline)
	m.Start()

	first := errors.New("first")
	second := errors.New("second")
	m.Fail(first)
	m.Fail(second)

	assert.Equal(t, Failed, m.State())
	assert.Equal(t, first, m.FailureCause())
}

func TestFailWithNilCauseIsRecorded(t *testing.T) {
	m := New(future.Inline)
	m.Start()
	m.Fail(nil)
	assert.Equal(t, Failed, m.State())
	assert.Error(t, m.FailureCause())
}

func TestListenerNotRetroactive(t *testing.T) {
	m := New(future.Inline)
	m.Start()

	var called bool
	m.AddStateChangeListener(func(Transition) { called = true })
	assert.False(t, called, "listener registered after Start must not see the Start transition")

	m.Finish()
	assert.True(t, called)
}
