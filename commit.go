package sto

import (
	"slices"
)

// TryCommit runs the commit protocol and reports whether the transaction committed.
// After it returns the attempt is finished either way.
func (t *Transaction) TryCommit() bool {
	switch t.state {
	case StateCommitted:
		return true
	case StateAborted:
		return false
	}
	assertf(t.state == StateInProgress, "commit in state %s", t.state)

	// Opaque read-only transactions are already serialized at their snapshot.
	if !t.anyWrites && !t.anyNonopaque {
		t.stop(true)
		return true
	}

	t.state = StateCommitting
	n := t.items.len()

	// Step1: scan for writes, predicates and TicToc reads.
	t.writeset = t.writeset[:0]
	for i := 0; i < n; i++ {
		it := t.items.at(i)
		if it.HasWrite() {
			t.writeset = append(t.writeset, i)
		}
		if it.HasPredicate() {
			pc, ok := it.owner.(PredicateChecker)
			assertf(ok, "%T registers predicates without checking them", it.owner)
			if !pc.CheckPredicate(it, t, true) {
				t.noteAbort(AbortPredicate, it, 0)
				return t.abortCommit()
			}
		} else if it.HasRead() && it.tictoc != nil {
			it.tictoc.readStep(it, &t.tictocTS)
		}
	}

	// Step2: sort the writeset; every transaction locks in (key, object) order.
	// History items go last: their lock draws the commit TID, which must not be
	// taken before every blocking lock is held.
	slices.SortFunc(t.writeset, func(a, b int) int {
		ia, ib := t.items.at(a), t.items.at(b)
		if ma, mb := ia.HasFlag(MvHistoryFlag), ib.HasFlag(MvHistoryFlag); ma != mb {
			if mb {
				return -1
			}
			return 1
		}
		if ia.less(ib) {
			return -1
		}
		if ib.less(ia) {
			return 1
		}
		return 0
	})

	// Step3: lock.
	t.state = StateCommittingLocked
	var prev *TransItem
	for _, idx := range t.writeset {
		it := t.items.at(idx)
		assertf(prev == nil || !it.SameItem(prev), "two write items for %s", it)
		prev = it
		if !it.owner.Lock(it, t) {
			t.noteAbort(AbortLock, it, 0)
			return t.abortCommit()
		}
		it.flags |= LockFlag | CLFlag
	}

	// Step4: validate reads. Reads protected by a lock taken before commit need no check.
	for i := 0; i < n; i++ {
		it := t.items.at(i)
		if !it.HasRead() || (it.NeedsUnlock() && !it.LockedAtCommit()) {
			continue
		}
		if it.owner.Check(it, t) {
			continue
		}
		if t.mayDuplicateItems && t.precedingDuplicateRead(i) {
			continue
		}
		t.noteAbort(AbortCheck, it, it.rtid)
		return t.abortCommit()
	}

	// Step5: install in set order. The transaction is committed from here on.
	for i := 0; i < n; i++ {
		if it := t.items.at(i); it.HasWrite() {
			it.owner.Install(it, t)
		}
	}
	t.stop(true)
	return true
}

func (t *Transaction) abortCommit() bool {
	t.stop(false)
	return false
}

// precedingDuplicateRead reports whether an earlier item for the same cell carries a read.
// That item is validated on its own.
func (t *Transaction) precedingDuplicateRead(idx int) bool {
	needle := t.items.at(idx)
	for i := 0; i < idx; i++ {
		it := t.items.at(i)
		if it.SameItem(needle) && it.HasRead() {
			return true
		}
	}
	return false
}

// stop finishes the attempt: locks are released and objects clean up.
func (t *Transaction) stop(committed bool) {
	n := t.items.len()
	if t.anyWrites {
		for i := n - 1; i >= 0; i-- {
			it := t.items.at(i)
			if !it.HasWrite() {
				continue
			}
			if c, ok := it.owner.(Cleaner); ok {
				c.Cleanup(it, committed)
			}
		}
	}
	for i := n - 1; i >= 0; i-- {
		if it := t.items.at(i); it.NeedsUnlock() {
			it.owner.Unlock(it)
			it.flags &^= LockFlag
		}
	}

	t.info.wtid.Store(0)
	t.info.rtid.Store(0)
	st := &t.info.stats
	if committed {
		t.state = StateCommitted
		st.commits.Inc()
		if t.info.mv.size() >= t.cfg.MvGCThreshold {
			mvRegistry.collect(t.threadID)
		}
	} else {
		t.state = StateAborted
		st.aborts.Inc()
		st.reasons[t.abortReason].Inc()
		t.logAbort()
		if t.cfg.ContentionRegulation {
			contention.OnRollback(t.threadID)
		}
	}
	t.info.epoch.Store(0)
	t.restarted = !committed
}
