package sto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRCUSetOrder(t *testing.T) {
	var s rcuSet
	var ran []int
	for i := 1; i <= 5; i++ {
		i := i
		s.add(uint64(i), func() { ran = append(ran, i) })
	}
	assert.Equal(t, 2, s.cleanUntil(3))
	assert.Equal(t, []int{1, 2}, ran)
	assert.Equal(t, 3, s.len())
	assert.Zero(t, s.cleanUntil(3))
	assert.Equal(t, 3, s.cleanUntil(100))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, ran)
	assert.Zero(t, s.len())
}

func TestRCUSetCompacts(t *testing.T) {
	var s rcuSet
	n := 0
	for i := 1; i <= 10; i++ {
		s.add(uint64(i), func() { n++ })
	}
	assert.Equal(t, 6, s.cleanUntil(7))
	assert.Zero(t, s.head)
	assert.Len(t, s.entries, 4)
	assert.Equal(t, uint64(7), s.entries[0].epoch)
	s.add(11, func() { n++ })
	assert.Equal(t, 5, s.cleanUntil(12))
	assert.Equal(t, 11, n)
}

func TestRCUWaitsForRunningTransactions(t *testing.T) {
	th1, th2 := twoThreads(t)
	txn := th1.Begin()
	freed := false
	th2.RCUDelete(func() { freed = true })
	assert.Equal(t, 1, th2.RCUPending())

	for i := 0; i < 3; i++ {
		EpochAdvanceOnce()
	}
	assert.Zero(t, th2.RCUClean())
	assert.False(t, freed)
	assert.LessOrEqual(t, activeEpoch.Load(), th1.info.epoch.Load())

	require.True(t, txn.TryCommit())
	assert.Zero(t, th1.info.epoch.Load())
	EpochAdvanceOnce()
	EpochAdvanceOnce()
	assert.Equal(t, 1, th2.RCUClean())
	assert.True(t, freed)
	assert.Zero(t, th2.RCUPending())
}

func TestRCUSoftLimit(t *testing.T) {
	th := MustNewThread()
	defer th.Release()
	freed := 0
	for i := 0; i < rcuSoftLimit+2; i++ {
		th.RCUDelete(func() { freed++ })
	}
	assert.LessOrEqual(t, th.RCUPending(), 1)
	assert.GreaterOrEqual(t, freed, rcuSoftLimit+1)
}

func TestEpochAdvancer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	before := globalEpoch.Load()
	done := StartEpochAdvancer(ctx, time.Millisecond)
	require.Eventually(t, func() bool { return globalEpoch.Load() > before+2 }, 5*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("epoch advancer did not stop")
	}
	assert.GreaterOrEqual(t, globalEpoch.Load(), activeEpoch.Load())
}
