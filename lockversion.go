package sto

import "math/rand"

// In a LockVersion the owner field counts readers.
const (
	rlockCntMax  TID = 0x10
	rlockCntMask     = ThreadIDMask
)

type lockResponse int

const (
	lockFailed lockResponse = iota
	lockAcquired
	lockOptimistic
)

// LockVersion is two-phase locking. Readers share a bounded reader count, writers
// take LockBit. With adaptive set, OptBit steers readers to optimistic reads
// and unlocks flip it at random.
type LockVersion struct {
	BasicVersion
	adaptive bool
}

func NewLockVersion(adaptive bool) *LockVersion {
	v := &LockVersion{adaptive: adaptive}
	v.Reset(InitializedTID)
	return v
}

func (v *LockVersion) Adaptive() bool { return v.adaptive }

func readerCount(vv TID) TID { return vv & rlockCntMask }

// tryLockRead spins while a writer holds the word. When the reader slots are
// exhausted the caller gets an unlocked snapshot for an optimistic read.
func (v *LockVersion) tryLockRead(bound int) (lockResponse, TID) {
	for i := 0; ; i++ {
		vv := v.v.Load()
		if vv&LockBit == 0 {
			if readerCount(vv) == rlockCntMax {
				return lockOptimistic, vv
			}
			if v.v.CompareAndSwap(vv, vv+1) {
				return lockAcquired, vv
			}
		}
		if i >= bound {
			return lockFailed, vv
		}
		relax(i)
	}
}

func (v *LockVersion) unlockRead() {
	for {
		vv := v.v.Load()
		assertf(readerCount(vv) > 0, "read unlock of %s", FormatTID(vv))
		nv := vv - 1
		if v.adaptive && rand.Intn(2) == 0 {
			nv |= OptBit
		}
		if v.v.CompareAndSwap(vv, nv) {
			return
		}
	}
}

func (v *LockVersion) tryLockWrite(bound int) bool {
	for i := 0; ; i++ {
		vv := v.v.Load()
		if vv&(LockBit|rlockCntMask) == 0 && v.v.CompareAndSwap(vv, vv|LockBit) {
			return true
		}
		if i >= bound {
			return false
		}
		relax(i)
	}
}

// tryUpgrade turns the only read lock into a write lock.
func (v *LockVersion) tryUpgrade(bound int) bool {
	for i := 0; ; i++ {
		vv := v.v.Load()
		if readerCount(vv) == 1 && vv&LockBit == 0 && v.v.CompareAndSwap(vv, (vv-1)|LockBit) {
			return true
		}
		if i >= bound {
			return false
		}
		relax(i)
	}
}

func (v *LockVersion) unlockWrite() {
	vv := v.v.Load()
	assertf(vv&LockBit != 0, "write unlock of %s", FormatTID(vv))
	v.v.Store(v.adaptiveFlip(vv &^ (LockBit | DirtyBit)))
}

func (v *LockVersion) adaptiveFlip(vv TID) TID {
	if v.adaptive && rand.Intn(2) == 0 {
		return vv &^ OptBit
	}
	return vv
}

func (v *LockVersion) observeOptimistic(t *Transaction, item *TransItem, vv TID, addRead bool) bool {
	if IsLocked(vv) {
		t.noteAbort(AbortObserve, item, vv)
		return false
	}
	t.anyNonopaque = true
	if addRead && !item.HasRead() {
		item.mode = CCOpt
		item.SetReadVersion(vv)
	}
	return true
}

func (v *LockVersion) ObserveRead(t *Transaction, item *TransItem, addRead bool) bool {
	// Already protected by a lock of ours, or an optimistic read is on record.
	if item.NeedsUnlock() || item.HasRead() {
		return true
	}
	vv := v.v.Load()
	if item.mode == CCOpt || (v.adaptive && IsOptimistic(vv)) {
		return v.observeOptimistic(t, item, vv, addRead)
	}
	resp, vv := v.tryLockRead(t.cfg.spinWrite())
	switch resp {
	case lockAcquired:
		item.mode = CCLock
		item.flags |= LockFlag | ReadFlag
		return true
	case lockOptimistic:
		return v.observeOptimistic(t, item, vv, addRead)
	}
	t.noteAbort(AbortObserve, item, vv)
	return false
}

func (v *LockVersion) AcquireWrite(t *Transaction, item *TransItem) bool {
	if item.HasWrite() && item.NeedsUnlock() {
		return true
	}
	var ok bool
	if item.NeedsUnlock() {
		ok = v.tryUpgrade(t.cfg.spinWrite())
	} else {
		ok = v.tryLockWrite(t.cfg.spinWrite())
	}
	if !ok {
		t.noteAbort(AbortWrite, item, v.Value())
		return false
	}
	item.flags |= LockFlag
	if item.mode == CCNone {
		item.mode = CCLock
	}
	return true
}

// CPTryLock only marks the word dirty; the write lock is already held.
func (v *LockVersion) CPTryLock(item *TransItem, _ int) bool {
	vv := v.v.Load()
	assertf(vv&LockBit != 0, "commit of %s without its write lock", item)
	v.v.Store(vv | DirtyBit)
	return true
}

func (v *LockVersion) CPUnlock(item *TransItem) {
	if item.HasWrite() {
		v.unlockWrite()
	} else {
		v.unlockRead()
	}
}

func (v *LockVersion) CPCheckVersion(_ *Transaction, item *TransItem) bool {
	if item.mode == CCLock {
		return true
	}
	vv := v.v.Load()
	if IsDirty(vv) && !item.HasWrite() {
		return false
	}
	return SameTimestamp(vv, item.rtid)
}

func (v *LockVersion) CPCommitTID(t *Transaction) TID {
	if t.commitTID != 0 {
		return t.commitTID
	}
	return NextNonopaqueVersion(v.Value())
}

func (v *LockVersion) CPSetVersionUnlock(ts TID) {
	cur := v.v.Load()
	nv := ts&^(LockBit|DirtyBit|ThreadIDMask|OptBit) | cur&OptBit
	v.v.Store(v.adaptiveFlip(nv))
}

func (v *LockVersion) CPSetVersion(ts TID) {
	cur := v.v.Load()
	v.v.Store(ts&^(LockBit|DirtyBit|ThreadIDMask|OptBit) | cur&(LockBit|DirtyBit|OptBit))
}

func (v *LockVersion) ComputeCommitTSStep(*TID, bool) {}
