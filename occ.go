package sto

// OCCVersion is Silo-style optimistic concurrency control. Reads are checked
// against the snapshot of the transaction as they happen, so user code never
// sees an inconsistent state.
type OCCVersion struct {
	BasicVersion
}

func NewOCCVersion() *OCCVersion {
	v := &OCCVersion{}
	v.Reset(InitializedTID)
	return v
}

func (v *OCCVersion) ObserveRead(t *Transaction, item *TransItem, addRead bool) bool {
	vv := v.Value()
	if IsLockedElsewhere(vv, t.threadID) {
		t.noteAbort(AbortObserve, item, vv)
		return false
	}
	if !t.CheckOpacity(item, vv) {
		return false
	}
	if addRead && !item.HasRead() {
		item.mode = CCOpt
		item.SetReadVersion(vv)
	}
	return true
}

func (v *OCCVersion) AcquireWrite(*Transaction, *TransItem) bool { return true }

func (v *OCCVersion) CPTryLock(_ *TransItem, threadID int) bool {
	return v.TryLockSpin(threadID, currentConfig().spinWait())
}

func (v *OCCVersion) CPUnlock(*TransItem) { v.Unlock() }

func (v *OCCVersion) CPCheckVersion(_ *Transaction, item *TransItem) bool {
	vv := v.Value()
	if IsLocked(vv) && !item.HasWrite() {
		return false
	}
	return SameTimestamp(vv, item.rtid)
}

func (v *OCCVersion) CPCommitTID(t *Transaction) TID { return t.CommitTID() }

func (v *OCCVersion) CPSetVersionUnlock(ts TID) { v.SetVersionUnlock(ts) }

func (v *OCCVersion) CPSetVersion(ts TID) {
	cur := v.Value()
	v.v.Store(ts&^(LockBit|ThreadIDMask) | cur&(LockBit|ThreadIDMask))
}

func (v *OCCVersion) ComputeCommitTSStep(*TID, bool) {}

// NonopaqueVersion is OCCVersion without the opacity check. A transaction may
// observe a torn state until commit-time validation rejects it. Commit versions
// are local increments and never touch the global clock.
type NonopaqueVersion struct {
	OCCVersion
}

func NewNonopaqueVersion() *NonopaqueVersion {
	v := &NonopaqueVersion{}
	v.Reset(InitializedTID | NonopaqueBit)
	return v
}

func (v *NonopaqueVersion) ObserveRead(t *Transaction, item *TransItem, addRead bool) bool {
	vv := v.Value()
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

func (v *NonopaqueVersion) CPCommitTID(t *Transaction) TID {
	if t.commitTID != 0 {
		return t.commitTID
	}
	return NextNonopaqueVersion(v.Value())
}
