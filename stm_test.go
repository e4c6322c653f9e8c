package sto

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runThreads runs fn on n fresh threads and waits for all of them.
func runThreads(t testing.TB, n int, fn func(th *Thread, gid int)) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		th, err := NewThread()
		require.NoError(t, err)
		go func(th *Thread, gid int) {
			defer wg.Done()
			defer th.Release()
			fn(th, gid)
		}(th, i)
	}
	wg.Wait()
}

func forEachPolicy(t *testing.T, fn func(t *testing.T, p Policy)) {
	for _, p := range Policies() {
		p := p
		t.Run(p.String(), func(t *testing.T) { fn(t, p) })
	}
}

// withConfig installs a modified config for the duration of the test.
func withConfig(t testing.TB, modify func(c *Config)) {
	old := GetConfig()
	c := old
	modify(&c)
	require.NoError(t, SetConfig(&c))
	t.Cleanup(func() { require.NoError(t, SetConfig(&old)) })
}

func increment(b *Box[int]) func(*Transaction) error {
	return func(txn *Transaction) error {
		v, err := b.Load(txn)
		if err != nil {
			return err
		}
		return b.Store(txn, v+1)
	}
}

func TestSum(t *testing.T) {
	// two threads increment a counter 1000000 times each
	const N = 2
	M := 1000000
	if testing.Short() {
		M = 20000
	}
	sum := NewBox(PolicyOCC, 0)
	runThreads(t, N, func(th *Thread, _ int) {
		for i := 0; i < M; i++ {
			if err := th.Atomically(increment(sum)); err != nil {
				t.Error(err)
				return
			}
		}
	})
	assert.Equal(t, N*M, sum.NontransRead())
}

func TestSumPolicies(t *testing.T) {
	withConfig(t, func(c *Config) { c.ContentionRegulation = true })
	forEachPolicy(t, func(t *testing.T, p Policy) {
		const N, M = 4, 5000
		sum := NewBox(p, 0)
		runThreads(t, N, func(th *Thread, _ int) {
			for i := 0; i < M; i++ {
				if err := th.Atomically(increment(sum)); err != nil {
					t.Error(err)
					return
				}
			}
		})
		assert.Equal(t, N*M, sum.NontransRead())
	})
}

func TestBankTransfer(t *testing.T) {
	withConfig(t, func(c *Config) { c.ContentionRegulation = true })
	forEachPolicy(t, func(t *testing.T, p Policy) {
		// 10 accounts, each with balance 100
		accounts := NewArray[int](p, 10)
		for i := 0; i < accounts.Len(); i++ {
			accounts.NontransWrite(i, 100)
		}

		const N, M = 8, 2000
		runThreads(t, N, func(th *Thread, gid int) {
			rng := rand.New(rand.NewSource(int64(gid)))
			for x := 0; x < M; x++ {
				from, to := rng.Intn(10), rng.Intn(10)
				if from == to {
					continue
				}
				err := th.Atomically(func(txn *Transaction) error {
					vf, err := accounts.Load(txn, from)
					if err != nil || vf == 0 {
						return err
					}
					vt, err := accounts.Load(txn, to)
					if err != nil {
						return err
					}
					amount := rng.Intn(vf) + 1
					if err := accounts.Store(txn, from, vf-amount); err != nil {
						return err
					}
					return accounts.Store(txn, to, vt+amount)
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		})

		th := MustNewThread()
		defer th.Release()
		total := 0
		err := th.Atomically(func(txn *Transaction) error {
			total = 0
			for i := 0; i < accounts.Len(); i++ {
				v, err := accounts.Load(txn, i)
				if err != nil {
					return err
				}
				total += v
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1000, total)
	})
}

func TestHeap(t *testing.T) {
	// append data to a heap concurrently, verify it keeps the heap property
	const size = 100
	heap := NewArray[int](PolicyOCC, size)
	end := NewBox(PolicyOCC, 0)

	heapAppend := func(txn *Transaction, x int) error {
		curr, err := end.Load(txn)
		if err != nil {
			return err
		}
		if err := end.Store(txn, curr+1); err != nil {
			return err
		}
		for curr != 0 {
			parent := (curr - 1) / 2
			pv, err := heap.Load(txn, parent)
			if err != nil {
				return err
			}
			if pv <= x {
				break
			}
			if err := heap.Store(txn, curr, pv); err != nil {
				return err
			}
			curr = parent
		}
		return heap.Store(txn, curr, x)
	}

	runThreads(t, 5, func(th *Thread, gid int) {
		rng := rand.New(rand.NewSource(int64(gid)))
		for j := 0; j < size/5; j++ {
			x := rng.Intn(500)
			if err := th.Atomically(func(txn *Transaction) error { return heapAppend(txn, x) }); err != nil {
				t.Error(err)
				return
			}
		}
	})

	require.Equal(t, size, end.NontransRead())
	for i := 0; i < size; i++ {
		val := heap.NontransRead(i)
		if l := 2*i + 1; l < size {
			assert.LessOrEqual(t, val, heap.NontransRead(l))
		}
		if r := 2*i + 2; r < size {
			assert.LessOrEqual(t, val, heap.NontransRead(r))
		}
	}
}

func TestAPI(t *testing.T) {
	th := MustNewThread()
	defer th.Release()
	v := NewBox(PolicyOCC, 0)
	err := th.Atomically(func(txn *Transaction) error {
		if _, err := v.Load(txn); err != nil {
			return err
		}
		if err := v.Store(txn, 42); err != nil {
			return err
		}
		res, err := v.Load(txn)
		if err != nil {
			return err
		}
		if res != 42 {
			t.Fail()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v.NontransRead())
}

func TestUserErrorAborts(t *testing.T) {
	th := MustNewThread()
	defer th.Release()
	v := NewBox(PolicyOCC, 1)
	errBoom := errors.New("boom")
	calls := 0
	err := th.Atomically(func(txn *Transaction) error {
		calls++
		if err := v.Store(txn, 2); err != nil {
			return err
		}
		return errBoom
	})
	require.Error(t, err)
	assert.Equal(t, errBoom, errors.Cause(err))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, v.NontransRead())
	assert.True(t, th.Transaction().IsAborted())
	assert.Equal(t, AbortUser, th.Transaction().AbortReason())
}

func TestExplicitAbortRetries(t *testing.T) {
	th := MustNewThread()
	defer th.Release()
	v := NewBox(PolicyOCC, 0)
	calls := 0
	err := th.Atomically(func(txn *Transaction) error {
		calls++
		if err := v.Store(txn, calls); err != nil {
			return err
		}
		if calls < 3 {
			txn.Abort()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, v.NontransRead())
}

func TestAtomicallyRetryGivesUp(t *testing.T) {
	th := MustNewThread()
	defer th.Release()
	attempts := 0
	err := th.AtomicallyRetry(func(txn *Transaction) error {
		txn.Abort()
		return nil
	}, func() bool {
		attempts++
		return attempts < 5
	})
	require.Error(t, err)
	assert.Equal(t, ErrAborted, errors.Cause(err))
	assert.Equal(t, 5, attempts)
}

func TestPanicStopsTransaction(t *testing.T) {
	th := MustNewThread()
	defer th.Release()
	v := NewBox(PolicyOCC, 0)
	assert.Panics(t, func() {
		th.Atomically(func(txn *Transaction) error {
			if err := v.Store(txn, 1); err != nil {
				return err
			}
			panic("user bug")
		})
	})
	assert.False(t, th.Transaction().InProgress())
	assert.Equal(t, 0, v.NontransRead())
	// The thread is still usable.
	require.NoError(t, th.Atomically(increment(v)))
	assert.Equal(t, 1, v.NontransRead())
}

func TestPackageAtomically(t *testing.T) {
	v := NewBox(PolicyOCC, 0)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := Atomically(increment(v)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1600, v.NontransRead())
}

func BenchmarkReadOnly(b *testing.B) {
	th := MustNewThread()
	defer th.Release()
	end := NewBox(PolicyOCC, 42)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		th.Atomically(func(txn *Transaction) error {
			_, err := end.Load(txn)
			return err
		})
	}
}

func BenchmarkWriteRead(b *testing.B) {
	th := MustNewThread()
	defer th.Release()
	end := NewBox(PolicyOCC, 42)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		th.Atomically(func(txn *Transaction) error {
			if err := end.Store(txn, 666); err != nil {
				return err
			}
			_, err := end.Load(txn)
			return err
		})
	}
}

func BenchmarkPolicies(b *testing.B) {
	for _, p := range Policies() {
		b.Run(p.String(), func(b *testing.B) {
			th := MustNewThread()
			defer th.Release()
			v := NewBox(p, 0)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				th.Atomically(increment(v))
			}
		})
	}
}
