package sto

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inc = IncrementValue

func installNode[T any](t *testing.T, o *MvObject[T], tid TID, v T, delta func(T) T) *MvHistory[T] {
	h := newHistory(tid, MvPending, v, delta)
	require.True(t, o.CPLock(tid, h))
	o.CPInstall(h)
	return h
}

func chainLen[T any](o *MvObject[T]) int {
	n := 0
	for h := o.Head(); h != nil; h = h.Prev() {
		n++
	}
	return n
}

func TestMvFindAndInstall(t *testing.T) {
	o := NewMvObject(10)
	assert.Equal(t, 10, o.Find(5*inc, true).Value())

	h := newHistory(20*inc, MvPending, 11, nil)
	require.True(t, o.CPLock(20*inc, h))
	assert.Same(t, h, o.Find(25*inc, false))
	assert.Equal(t, MvPending, o.Find(25*inc, false).Status())
	assert.Equal(t, 10, o.Find(19*inc, true).Value())

	o.CPInstall(h)
	assert.Equal(t, 11, o.Find(25*inc, true).Value())
	assert.Equal(t, 10, o.Find(19*inc, true).Value())
	assert.Equal(t, 11, o.NontransRead())
}

func TestMvLockConflicts(t *testing.T) {
	o := NewMvObject(0)
	init := o.Head()

	// A reader at 100 already saw the initial version.
	assert.Same(t, init, o.snapshot(100*inc))
	h1 := newHistory(50*inc, MvPending, 1, nil)
	assert.False(t, o.CPLock(50*inc, h1))
	assert.Equal(t, MvAborted, h1.Status())

	// The aborted node is skipped.
	h2 := newHistory(200*inc, MvPending, 2, nil)
	require.True(t, o.CPLock(200*inc, h2))

	// Pending head.
	h3 := newHistory(300*inc, MvPending, 3, nil)
	assert.False(t, o.CPLock(300*inc, h3))

	o.CPInstall(h2)
	// Older than the head.
	h4 := newHistory(150*inc, MvPending, 4, nil)
	assert.False(t, o.CPLock(150*inc, h4))

	assert.Equal(t, 2, o.Find(400*inc, true).Value())
	assert.Equal(t, 0, o.Find(199*inc, true).Value())
}

func TestMvAbortPending(t *testing.T) {
	o := NewMvObject(0)
	h := newHistory(10*inc, MvPending, 1, nil)
	require.True(t, o.CPLock(10*inc, h))
	o.Abort(h)
	assert.Equal(t, MvAborted, h.Status())
	assert.Equal(t, 0, o.Find(20*inc, true).Value())
	assert.Equal(t, 0, o.NontransRead())
	installNode(t, o, 20*inc, 2, nil)
	assert.Equal(t, 2, o.NontransRead())
}

func TestMvCheck(t *testing.T) {
	o := NewMvObject(0)
	h := installNode(t, o, 10*inc, 1, nil)
	assert.Same(t, h, o.snapshot(20*inc))
	assert.True(t, o.CPCheck(20*inc, h, nil))

	w := installNode(t, o, 25*inc, 2, nil)
	assert.False(t, o.CPCheck(30*inc, h, nil))

	// The node being installed by the same transaction is ignored.
	own := newHistory(40*inc, MvPending, 3, nil)
	require.True(t, o.CPLock(40*inc, own))
	assert.True(t, o.CPCheck(40*inc, w, own))
	o.CPInstall(own)
}

func TestMvDeltaFlatten(t *testing.T) {
	o := NewMvObject(1)
	installNode(t, o, 10*inc, 0, func(v int) int { return v + 1 })
	mid := installNode(t, o, 20*inc, 0, func(v int) int { return v * 2 })
	top := installNode(t, o, 30*inc, 0, func(v int) int { return v + 3 })

	assert.Equal(t, MvCommitted|MvDelta, top.Status())
	assert.Equal(t, 7, top.Value())
	assert.Equal(t, MvCommitted, top.Status())
	assert.Equal(t, 4, mid.Value())
	assert.Equal(t, 2, o.Find(15*inc, true).Value())
	assert.Equal(t, 7, o.NontransRead())
}

func TestMvConcurrentFlatten(t *testing.T) {
	o := NewMvObject(100)
	for i := 1; i <= 50; i++ {
		installNode(t, o, TID(i)*inc, 0, func(v int) int { return v + 1 })
	}
	top := o.Head()
	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = top.Value()
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, 150, r)
	}
}

func TestMvCollect(t *testing.T) {
	o := NewMvObject(0)
	nodes := []*MvHistory[int]{o.Head()}
	for i := 1; i <= 5; i++ {
		nodes = append(nodes, installNode(t, o, TID(i*10)*inc, i*10, nil))
	}
	var retired []func()
	n := o.collect(35*inc, func(fn func()) { retired = append(retired, fn) })
	assert.Equal(t, 3, n)
	require.Len(t, retired, 1)
	assert.Equal(t, 3, chainLen(o))
	// Retired nodes are still linked until the grace period ends.
	assert.Same(t, nodes[1], nodes[2].Prev())
	retired[0]()
	assert.Nil(t, nodes[2].Prev())
	assert.Equal(t, 50, o.NontransRead())
	assert.Equal(t, 30, o.Find(35*inc, true).Value())

	// Nothing left below the visible node.
	assert.Zero(t, o.collect(35*inc, func(func()) { t.Fatal("nothing to retire") }))
}

func TestMvCollectFlattensDelta(t *testing.T) {
	o := NewMvObject(5)
	installNode(t, o, 10*inc, 0, func(v int) int { return v + 1 })
	vis := installNode(t, o, 20*inc, 0, func(v int) int { return v + 1 })
	var retired []func()
	assert.Equal(t, 2, o.collect(25*inc, func(fn func()) { retired = append(retired, fn) }))
	for _, fn := range retired {
		fn()
	}
	assert.Equal(t, 7, vis.Value())
	assert.Equal(t, 7, o.NontransRead())
}

func TestMvBoxTransactions(t *testing.T) {
	th := MustNewThread()
	defer th.Release()
	b := NewMvBox(1)

	err := th.Atomically(func(txn *Transaction) error {
		v, err := b.Read(txn)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		require.NoError(t, b.Update(txn, func(v int) int { return v + 10 }))
		v, _ = b.Read(txn)
		assert.Equal(t, 11, v)

		require.NoError(t, b.Write(txn, 5))
		require.NoError(t, b.Update(txn, func(v int) int { return v * 2 }))
		v, _ = b.Read(txn)
		assert.Equal(t, 10, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, b.NontransRead())

	err = th.Atomically(func(txn *Transaction) error {
		if err := b.Update(txn, func(v int) int { return v + 1 }); err != nil {
			return err
		}
		return b.Update(txn, func(v int) int { return v + 1 })
	})
	require.NoError(t, err)
	assert.Equal(t, MvCommitted|MvDelta, b.Object().Head().Status())
	assert.Equal(t, 12, b.NontransRead())
}

func TestMvBoxConcurrentUpdates(t *testing.T) {
	withConfig(t, func(c *Config) { c.ContentionRegulation = true })
	b := NewMvBox(0)
	const N, M = 4, 2000
	runThreads(t, N, func(th *Thread, _ int) {
		for i := 0; i < M; i++ {
			err := th.Atomically(func(txn *Transaction) error {
				return b.Update(txn, func(v int) int { return v + 1 })
			})
			if err != nil {
				t.Error(err)
				return
			}
		}
	})
	assert.Equal(t, N*M, b.NontransRead())
}

func TestMvSnapshotReads(t *testing.T) {
	withConfig(t, func(c *Config) { c.ContentionRegulation = true })
	// a+b stays 0; snapshot readers must always see that
	a, b := NewMvBox(0), NewMvBox(0)
	var violations, reads atomic.Int64
	const writers, readers, M = 2, 4, 2000
	runThreads(t, writers+readers, func(th *Thread, gid int) {
		rng := rand.New(rand.NewSource(int64(gid)))
		for i := 0; i < M; i++ {
			var err error
			if gid < writers {
				x := rng.Intn(100) - 50
				err = th.Atomically(func(txn *Transaction) error {
					va, err := a.Read(txn)
					if err != nil {
						return err
					}
					vb, err := b.Read(txn)
					if err != nil {
						return err
					}
					if err := a.Write(txn, va+x); err != nil {
						return err
					}
					return b.Write(txn, vb-x)
				})
			} else {
				err = th.Atomically(func(txn *Transaction) error {
					va, _ := a.Read(txn)
					vb, _ := b.Read(txn)
					reads.Add(1)
					if va+vb != 0 {
						violations.Add(1)
					}
					return nil
				})
			}
			if err != nil {
				t.Error(err)
				return
			}
		}
	})
	assert.Zero(t, violations.Load())
	assert.Equal(t, int64(readers*M), reads.Load())
	assert.Zero(t, a.NontransRead()+b.NontransRead())
}

func TestMvMixedWithSingleVersion(t *testing.T) {
	withConfig(t, func(c *Config) { c.ContentionRegulation = true })
	mv := NewMvBox(0)
	sv := NewBox(PolicyOCC, 0)
	const N, M = 4, 1000
	runThreads(t, N, func(th *Thread, _ int) {
		for i := 0; i < M; i++ {
			err := th.Atomically(func(txn *Transaction) error {
				if err := increment(sv)(txn); err != nil {
					return err
				}
				return mv.Update(txn, func(v int) int { return v + 1 })
			})
			if err != nil {
				t.Error(err)
				return
			}
		}
	})
	assert.Equal(t, N*M, sv.NontransRead())
	assert.Equal(t, N*M, mv.NontransRead())
}

func TestMvGarbageCollection(t *testing.T) {
	const threshold = 4
	withConfig(t, func(c *Config) { c.MvGCThreshold = threshold })
	th := MustNewThread()
	defer th.Release()
	b := NewMvBox(0)
	before := ReadStats().MvCollected

	for i := 1; i <= 50; i++ {
		require.NoError(t, th.Atomically(func(txn *Transaction) error { return b.Write(txn, i) }))
	}
	assert.Equal(t, 50, b.NontransRead())
	assert.LessOrEqual(t, chainLen(b.Object()), 2*threshold+2)
	assert.Greater(t, ReadStats().MvCollected, before)
	assert.Less(t, th.info.mv.size(), threshold)

	// The cut chains are freed once every epoch that could see them is over.
	require.Greater(t, th.RCUPending(), 0)
	EpochAdvanceOnce()
	EpochAdvanceOnce()
	th.RCUClean()
	assert.Zero(t, th.RCUPending())
}

func TestMvReadTIDBoundsCollection(t *testing.T) {
	th := MustNewThread()
	defer th.Release()
	txn := th.Begin()
	r := txn.ReadTID()
	assert.Equal(t, r, th.info.rtid.Load())
	assert.LessOrEqual(t, RTIDInf(), r)
	assert.True(t, txn.TryCommit())
	assert.Zero(t, th.info.rtid.Load())
}

func TestGlobalRTIDAdvance(t *testing.T) {
	th := MustNewThread()
	defer th.Release()

	// An in-flight commit holds the global read TID below its wtid.
	inflight := GlobalClock().Load()
	th.info.wtid.Store(inflight)
	GlobalClock().Next()
	GlobalClock().Next()
	r := advanceRTID()
	assert.Equal(t, inflight-IncrementValue, r)
	assert.Equal(t, r, RTIDInf())

	th.info.wtid.Store(0)
	assert.Equal(t, GlobalClock().Load()-IncrementValue, advanceRTID())
	assert.Greater(t, globalRTID.Load(), r)

	// Never moves back.
	th.info.wtid.Store(inflight)
	assert.Equal(t, GlobalClock().Load()-IncrementValue, advanceRTID())
	th.info.wtid.Store(0)
}
