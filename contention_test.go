package sto

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentionPriority(t *testing.T) {
	cm := NewContentionManager()
	cm.Start(1, false)
	cm.Start(2, false)
	cm.SetTimestamp(1, 5)
	cm.SetTimestamp(2, 10)

	// The younger transaction yields to the older owner.
	assert.True(t, cm.ShouldAbort(2, 1))
	assert.False(t, cm.IsAborted(1))

	// The older one waits and marks the younger owner aborted.
	assert.False(t, cm.ShouldAbort(1, 2))
	assert.True(t, cm.IsAborted(2))
	assert.True(t, cm.OnWrite(2))
	assert.True(t, cm.ShouldAbort(2, 1))

	// A younger transaction keeps waiting for an owner that was told to abort.
	cm.Start(3, false)
	cm.SetTimestamp(3, 20)
	assert.False(t, cm.ShouldAbort(3, 2))

	cm.Start(2, true)
	assert.False(t, cm.IsAborted(2))
	assert.Equal(t, uint64(MaxTS), cm.Timestamp(2))
}

func TestContentionTimid(t *testing.T) {
	cm := NewContentionManager()
	cm.Start(1, false)
	cm.Start(2, false)
	cm.SetTimestamp(2, 3)
	assert.True(t, cm.ShouldAbort(1, 2))
	assert.False(t, cm.IsAborted(2))
}

func TestContentionOnWrite(t *testing.T) {
	withConfig(t, func(c *Config) { c.TSThreshold = 2 })
	cm := NewContentionManager()
	cm.Start(4, false)
	assert.False(t, cm.OnWrite(4))
	assert.Equal(t, uint64(MaxTS), cm.Timestamp(4))
	assert.False(t, cm.OnWrite(4))
	first := cm.Timestamp(4)
	assert.NotEqual(t, uint64(MaxTS), first)
	assert.False(t, cm.OnWrite(4))
	assert.Equal(t, first, cm.Timestamp(4))

	cm.Start(5, false)
	cm.OnWrite(5)
	cm.OnWrite(5)
	assert.Greater(t, cm.Timestamp(5), first)
}

func TestContentionBackoff(t *testing.T) {
	withConfig(t, func(c *Config) {
		c.InitBackoff = 100
		c.SuccAbortsMax = 10
	})
	cm := NewContentionManager()
	cm.Start(6, false)
	var seen []uint64
	for i := 0; i < 6; i++ {
		cm.OnRollback(6)
		seen = append(seen, cm.info[6].abortBackoff)
	}
	assert.Equal(t, []uint64{100, 200, 400, 800, 1600, 1600}, seen)
	assert.Equal(t, 6, cm.AbortCount(6))

	cm.Start(6, true)
	assert.Equal(t, 6, cm.AbortCount(6))
	cm.Start(6, false)
	assert.Zero(t, cm.AbortCount(6))
	assert.Zero(t, cm.info[6].abortBackoff)
}

func TestSwissPriorityAbortsOwner(t *testing.T) {
	withConfig(t, func(c *Config) { c.SpinBoundWait = 4 })
	th1, th2 := twoThreads(t)
	x, y := NewBox(PolicySwiss, 0), NewBox(PolicySwiss, 0)

	young := th2.Begin()
	require.NoError(t, x.Store(young, 1))

	old := th1.Begin()
	Contention().SetTimestamp(th1.ID(), 1)
	Contention().SetTimestamp(th2.ID(), 2)
	// The owner does not release, so the older writer runs out of spins,
	// but the owner is told to give up.
	err := x.Store(old, 2)
	assert.Equal(t, ErrAborted, errors.Cause(err))
	assert.True(t, Contention().IsAborted(th2.ID()))

	err = y.Store(young, 1)
	assert.Equal(t, ErrAborted, errors.Cause(err))
	assert.Equal(t, AbortContention, young.AbortReason())
	assert.False(t, IsLocked(x.Version().Value()))
	assert.Equal(t, 0, x.NontransRead())
}
