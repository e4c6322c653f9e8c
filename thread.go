package sto

import (
	"sync"
	"sync/atomic"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

var (
	// ErrTooManyThreads is returned when every thread id is taken.
	ErrTooManyThreads = errors.Errorf("sto: more than %d threads registered", MaxThreads)
	// ErrThreadReleased is returned when a released Thread is used again.
	ErrThreadReleased = errors.New("sto: thread already released")
	// ErrAborted is returned by transactional operations after the transaction aborted.
	ErrAborted = errors.New("sto: transaction aborted")
)

// threadInfo is the shared per-thread state other threads may inspect.
type threadInfo struct {
	epoch atomic.Uint64 // 0 when no transaction runs
	rtid  atomic.Uint64 // MVCC read timestamp, 0 when unused
	wtid  atomic.Uint64 // lower bound of the commit TID being installed

	stats threadStats

	// Owned by the thread.
	rcu rcuSet
	mv  mvThreadRegistry
}

var (
	tinfo [MaxThreads]threadInfo

	registry struct {
		sync.Mutex
		used [MaxThreads]bool
		n    int
	}
)

// Thread is a worker's handle on the runtime. A Thread must be used by one goroutine at a time.
type Thread struct {
	id       int
	info     *threadInfo
	txn      Transaction
	released bool
}

// NewThread registers a worker and assigns it a thread id.
func NewThread() (*Thread, error) {
	registry.Lock()
	defer registry.Unlock()
	for id := range registry.used {
		if registry.used[id] {
			continue
		}
		registry.used[id] = true
		registry.n++
		th := &Thread{id: id, info: &tinfo[id]}
		th.txn.init(th)
		return th, nil
	}
	return nil, errors.Trace(ErrTooManyThreads)
}

// MustNewThread is NewThread that panics on error.
func MustNewThread() *Thread {
	th, err := NewThread()
	if err != nil {
		panic(err)
	}
	return th
}

// ID is in [0, MaxThreads).
func (th *Thread) ID() int { return th.id }

// Release returns the thread id to the registry. Deferred frees still pending are
// inherited by the next thread that gets the id.
func (th *Thread) Release() error {
	if th.released {
		return errors.Trace(ErrThreadReleased)
	}
	assertf(!th.txn.InProgress(), "release of thread %d with a transaction in flight", th.id)
	th.info.epoch.Store(0)
	th.info.rtid.Store(0)
	th.info.wtid.Store(0)
	th.released = true

	registry.Lock()
	registry.used[th.id] = false
	registry.n--
	registry.Unlock()
	logger().Debug("thread released", zap.Int("thread", th.id))
	return nil
}

// Begin starts a new transaction on th. At most one transaction is in flight per thread.
func (th *Thread) Begin() *Transaction {
	assertf(!th.released, "begin on released thread %d", th.id)
	assertf(!th.txn.InProgress(), "thread %d already runs a transaction", th.id)
	th.txn.start()
	return &th.txn
}

// Transaction returns the current or last transaction of th.
func (th *Thread) Transaction() *Transaction { return &th.txn }

func activeThreads() int {
	registry.Lock()
	defer registry.Unlock()
	return registry.n
}
