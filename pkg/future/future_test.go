package future

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleted(t *testing.T) {
	f := Completed(nil)
	require.True(t, f.IsDone())
	require.NoError(t, f.Err())
}

func TestCompleteIsFirstWins(t *testing.T) {
	f := New()
	errA := errors.New("a")
	errB := errors.New("b")

	f.Complete(errA)
	f.Complete(errB)

	require.True(t, f.IsDone())
	assert.Equal(t, errA, f.Err())
}

func TestOnCompleteAlreadyDone(t *testing.T) {
	f := Completed(nil)
	var got int
	var wg sync.WaitGroup
	wg.Add(1)
	f.OnComplete(Inline, func(err error) {
		got++
		wg.Done()
	})
	wg.Wait()
	assert.Equal(t, 1, got)
}

func TestOnCompleteLater(t *testing.T) {
	f := New()
	var called bool
	f.OnComplete(Inline, func(err error) {
		called = true
	})
	assert.False(t, called)
	f.Complete(nil)
	assert.True(t, called)
}

func TestOnCompleteNeverRunsOnCompletingGoroutineDirectly(t *testing.T) {
	// Using a recording Executor to confirm OnComplete dispatches through
	// the executor, rather than calling cb itself, when the future is
	// already complete.
	f := Completed(nil)
	var executed bool
	exec := executorFunc(func(fn func()) {
		executed = true
		fn()
	})
	f.OnComplete(exec, func(error) {})
	assert.True(t, executed)
}

type executorFunc func(func())

func (f executorFunc) Execute(fn func()) { f(fn) }
