package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReserveWithinLimitCompletesImmediately(t *testing.T) {
	a := NewAccount(100)
	f := a.Reserve(50)
	assert.True(t, f.IsDone())
	assert.Equal(t, int64(50), a.Used())
}

func TestReserveOverLimitBlocksUntilRelease(t *testing.T) {
	a := NewAccount(100)
	f := a.Reserve(150)
	assert.False(t, f.IsDone())

	a.Release(60)
	assert.True(t, f.IsDone())
	assert.Equal(t, int64(90), a.Used())
}

func TestUnboundedAccountNeverBlocks(t *testing.T) {
	a := NewAccount(0)
	f := a.Reserve(1 << 40)
	assert.True(t, f.IsDone())
}

func TestNotFullDoesNotChargeBytes(t *testing.T) {
	a := NewAccount(10)
	a.Reserve(5)
	before := a.Used()
	a.NotFull()
	assert.Equal(t, before, a.Used())
}

func TestPoolCreatesOnFirstUseAndForgets(t *testing.T) {
	p := NewPool(100)
	acc1 := p.AccountFor("t1")
	acc1Again := p.AccountFor("t1")
	assert.Same(t, acc1, acc1Again)

	p.Forget("t1")
	acc1Fresh := p.AccountFor("t1")
	assert.NotSame(t, acc1, acc1Fresh)
}
