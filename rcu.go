package sto

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// globalEpoch is the current reclamation epoch.
	globalEpoch atomic.Uint64
	// activeEpoch is a lower bound on the epoch of every running transaction.
	activeEpoch atomic.Uint64
)

func init() {
	globalEpoch.Store(1)
	activeEpoch.Store(1)
}

// publishEpoch announces that info's thread may now hold references into shared
// structures. The loop makes sure an advancer that missed the store computed
// its bound from an epoch no newer than the published one.
func publishEpoch(info *threadInfo) {
	for {
		g := globalEpoch.Load()
		info.epoch.Store(g)
		if globalEpoch.Load() == g {
			return
		}
	}
}

// EpochAdvanceOnce moves the global epoch forward and recomputes the active epoch.
func EpochAdvanceOnce() {
	g := globalEpoch.Load()
	active := g
	for i := range tinfo {
		if e := tinfo[i].epoch.Load(); e != 0 && e < active {
			active = e
		}
	}
	globalEpoch.CompareAndSwap(g, g+1)
	for {
		cur := activeEpoch.Load()
		if active <= cur || activeEpoch.CompareAndSwap(cur, active) {
			break
		}
	}
	advanceRTID()
}

// StartEpochAdvancer advances epochs every interval until ctx is done. The
// returned channel is closed when the goroutine exits.
func StartEpochAdvancer(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		logger().Info("epoch advancer started", zap.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				logger().Info("epoch advancer stopped", zap.Uint64("epoch", globalEpoch.Load()))
				return
			case <-ticker.C:
				EpochAdvanceOnce()
			}
		}
	}()
	return done
}

// rcuSoftLimit bounds a set before the owner forces an epoch advance itself.
const rcuSoftLimit = 4096

type rcuEntry struct {
	epoch uint64
	fn    func()
}

// rcuSet is a thread's queue of deferred frees, ordered by epoch.
type rcuSet struct {
	entries []rcuEntry
	head    int
}

func (s *rcuSet) len() int { return len(s.entries) - s.head }

// add defers fn until every transaction running in epoch or earlier has finished.
func (s *rcuSet) add(epoch uint64, fn func()) {
	s.entries = append(s.entries, rcuEntry{epoch: epoch, fn: fn})
	if s.len() > rcuSoftLimit {
		EpochAdvanceOnce()
		s.cleanUntil(activeEpoch.Load())
	}
}

// cleanUntil runs every callback registered before epoch limit.
func (s *rcuSet) cleanUntil(limit uint64) int {
	n := 0
	for s.head < len(s.entries) && s.entries[s.head].epoch < limit {
		e := &s.entries[s.head]
		fn := e.fn
		*e = rcuEntry{}
		s.head++
		n++
		fn()
	}
	if s.head == len(s.entries) {
		s.entries = s.entries[:0]
		s.head = 0
	} else if s.head > len(s.entries)/2 {
		m := copy(s.entries, s.entries[s.head:])
		clear(s.entries[m:])
		s.entries = s.entries[:m]
		s.head = 0
	}
	return n
}

// RCUDelete defers fn until no running transaction can still see what it frees.
func (th *Thread) RCUDelete(fn func()) {
	th.info.rcu.add(globalEpoch.Load(), fn)
}

// RCUPending is the number of deferred frees th still holds.
func (th *Thread) RCUPending() int { return th.info.rcu.len() }

// RCUClean runs the deferred frees of th that are safe to run now.
func (th *Thread) RCUClean() int {
	return th.info.rcu.cleanUntil(activeEpoch.Load())
}
