package sto

// SwissVersion follows SwissTM: writers lock eagerly during execution and a
// ContentionManager decides who backs off. Readers are only turned away once a
// committing writer marks the word dirty.
type SwissVersion struct {
	BasicVersion
	opaque bool
}

func NewSwissVersion(opaque bool) *SwissVersion {
	v := &SwissVersion{opaque: opaque}
	if opaque {
		v.Reset(InitializedTID)
	} else {
		v.Reset(InitializedTID | NonopaqueBit)
	}
	return v
}

func (v *SwissVersion) ObserveRead(t *Transaction, item *TransItem, addRead bool) bool {
	vv := v.Value()
	if IsDirty(vv) && !IsLockedHere(vv, t.threadID) {
		t.noteAbort(AbortObserve, item, vv)
		return false
	}
	if v.opaque {
		if !t.CheckOpacity(item, vv&^(LockBit|ThreadIDMask)) {
			return false
		}
	} else {
		t.anyNonopaque = true
	}
	if addRead && !item.HasRead() {
		item.mode = CCOpt
		item.SetReadVersion(vv)
	}
	return true
}

func (v *SwissVersion) AcquireWrite(t *Transaction, item *TransItem) bool {
	if item.NeedsUnlock() {
		return true
	}
	bound := t.cfg.spinWait()
	for i := 0; ; i++ {
		vv, ok := v.TryLockVal(t.threadID)
		if ok {
			break
		}
		if contention.ShouldAbort(t.threadID, OwnerThreadID(vv)) || i >= bound {
			t.noteAbort(AbortContention, item, vv)
			return false
		}
		relax(i)
	}
	item.flags |= LockFlag
	if contention.OnWrite(t.threadID) {
		t.noteAbort(AbortContention, item, 0)
		return false
	}
	return true
}

func (v *SwissVersion) CPTryLock(item *TransItem, threadID int) bool {
	if contention.IsAborted(threadID) {
		return false
	}
	vv := v.Value()
	assertf(IsLockedHere(vv, threadID), "commit of %s without its write lock", item)
	v.v.Store(vv | DirtyBit)
	return true
}

func (v *SwissVersion) CPUnlock(*TransItem) {
	vv := v.Value()
	v.v.Store(vv &^ (LockBit | DirtyBit | ThreadIDMask))
}

func (v *SwissVersion) CPCheckVersion(t *Transaction, item *TransItem) bool {
	vv := v.Value()
	if IsDirty(vv) && !IsLockedHere(vv, t.threadID) {
		return false
	}
	return SameTimestamp(vv, item.rtid)
}

func (v *SwissVersion) CPCommitTID(t *Transaction) TID {
	if v.opaque {
		return t.CommitTID()
	}
	if t.commitTID != 0 {
		return t.commitTID
	}
	return NextNonopaqueVersion(v.Value())
}

func (v *SwissVersion) CPSetVersionUnlock(ts TID) { v.SetVersionUnlockDirty(ts) }

func (v *SwissVersion) CPSetVersion(ts TID) {
	cur := v.Value()
	v.v.Store(ts&^(LockBit|DirtyBit|ThreadIDMask) | cur&(LockBit|DirtyBit|ThreadIDMask))
}

func (v *SwissVersion) ComputeCommitTSStep(*TID, bool) {}
