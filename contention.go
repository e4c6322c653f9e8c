package sto

import (
	"math"
	"math/rand"
	"runtime"
	"sync/atomic"
)

// MaxTS marks a timid transaction that has not earned a priority timestamp.
const MaxTS = math.MaxUint64

type cmInfo struct {
	timestamp    atomic.Uint64
	aborted      atomic.Bool
	writeSetSize atomic.Uint64

	// Owned by the thread.
	abortCount   int
	abortBackoff uint64
	rng          *rand.Rand
}

// ContentionManager arbitrates between a transaction that wants a write-locked
// word and the transaction holding it. Transactions start timid; once their
// write set reaches TSThreshold they draw a priority timestamp, and lower
// timestamps win. The oldest transaction therefore always makes progress.
type ContentionManager struct {
	ts   atomic.Uint64
	info [MaxThreads]cmInfo
}

var contention = NewContentionManager()

func NewContentionManager() *ContentionManager {
	cm := &ContentionManager{}
	cm.ts.Store(1)
	for i := range cm.info {
		cm.info[i].timestamp.Store(MaxTS)
		cm.info[i].rng = rand.New(rand.NewSource(int64(i) + 1))
	}
	return cm
}

// Contention returns the manager used by SwissVersion.
func Contention() *ContentionManager { return contention }

func checkThreadID(id int) {
	assertf(id >= 0 && id < MaxThreads, "thread id %d outside [0, %d)", id, MaxThreads)
}

// ShouldAbort reports whether me must give up instead of waiting for owner.
func (cm *ContentionManager) ShouldAbort(me, owner int) bool {
	checkThreadID(me)
	checkThreadID(owner)
	mi, oi := &cm.info[me], &cm.info[owner]
	myTS := mi.timestamp.Load()
	if mi.aborted.Load() || myTS == MaxTS {
		return true
	}
	if oi.timestamp.Load() < myTS {
		return !oi.aborted.Load()
	}
	oi.aborted.Store(true)
	return false
}

// OnWrite counts a write of me and returns whether me has been aborted meanwhile.
func (cm *ContentionManager) OnWrite(me int) bool {
	mi := &cm.info[me]
	if mi.writeSetSize.Add(1) == uint64(currentConfig().TSThreshold) {
		mi.timestamp.Store(cm.ts.Add(1) - 1)
	}
	return mi.aborted.Load()
}

func (cm *ContentionManager) IsAborted(me int) bool { return cm.info[me].aborted.Load() }

// Timestamp is the priority of me, MaxTS while timid.
func (cm *ContentionManager) Timestamp(me int) uint64 { return cm.info[me].timestamp.Load() }

// SetTimestamp forces a priority.
func (cm *ContentionManager) SetTimestamp(me int, ts uint64) { cm.info[me].timestamp.Store(ts) }

// Start resets the state of me. A restart keeps its abort count and backoff.
func (cm *ContentionManager) Start(me int, restarted bool) {
	mi := &cm.info[me]
	mi.aborted.Store(false)
	mi.writeSetSize.Store(0)
	mi.timestamp.Store(MaxTS)
	if !restarted {
		mi.abortCount = 0
		mi.abortBackoff = 0
	}
}

// OnRollback backs off for a random amount of work that doubles with every
// consecutive abort.
func (cm *ContentionManager) OnRollback(me int) {
	mi := &cm.info[me]
	cfg := currentConfig()
	mi.abortCount++
	if mi.abortBackoff == 0 {
		mi.abortBackoff = cfg.InitBackoff
	} else if mi.abortBackoff < 1<<cfg.SuccAbortsMax {
		mi.abortBackoff <<= 1
	}
	if mi.abortBackoff == 0 {
		return
	}
	wait(mi.rng.Uint64() % mi.abortBackoff)
}

// AbortCount is the number of consecutive aborts of me.
func (cm *ContentionManager) AbortCount(me int) int { return cm.info[me].abortCount }

var spinSink atomic.Uint64

func wait(n uint64) {
	var x uint64
	for i := uint64(0); i < n; i++ {
		x += i
		if i&0x3ff == 0x3ff {
			runtime.Gosched()
		}
	}
	spinSink.Add(x & 1)
}
