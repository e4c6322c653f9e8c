package sto

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadStats(t *testing.T) {
	th := MustNewThread()
	defer th.Release()
	x := NewBox(PolicyOCC, 0)
	before := ReadStats()

	require.NoError(t, th.Atomically(increment(x)))
	txn := th.Begin()
	txn.AbortBecause(nil, AbortUser)

	after := ReadStats()
	assert.Equal(t, before.Starts+2, after.Starts)
	assert.Equal(t, before.Commits+1, after.Commits)
	assert.Equal(t, before.Aborts+1, after.Aborts)
	assert.Equal(t, before.AbortsByReason[AbortUser]+1, after.AbortsByReason[AbortUser])
	assert.GreaterOrEqual(t, after.Threads, 1)
}

func TestAbortRate(t *testing.T) {
	assert.Zero(t, Stats{}.AbortRate())
	assert.Equal(t, 0.25, Stats{Starts: 4, Aborts: 1}.AbortRate())
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	_, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, int(numAbortReasons)-1, testutil.CollectAndCount(c, "sto_txn_aborts_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "sto_txn_commits_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "sto_rcu_epoch"))
}
