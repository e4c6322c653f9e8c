package sto

import "sync/atomic"

// ticTocSource folds a recorded TicToc read into the commit timestamp.
type ticTocSource interface {
	readStep(item *TransItem, ts *TID)
}

func maxTS(ts *TID, v TID) {
	if v > *ts {
		*ts = v
	}
}

// TicTocVersion keeps a read timestamp (with the lock bits) and a write
// timestamp. A value written at wts is valid until rts; validation may push rts
// forward instead of aborting.
type TicTocVersion struct {
	BasicVersion // rts
	wts          atomic.Uint64
	extend       bool
}

func NewTicTocVersion(extend bool) *TicTocVersion {
	v := &TicTocVersion{extend: extend}
	v.Reset(InitializedTID)
	v.wts.Store(InitializedTID)
	return v
}

func (v *TicTocVersion) ReadTimestamp() TID  { return Timestamp(v.Value()) }
func (v *TicTocVersion) WriteTimestamp() TID { return Timestamp(v.wts.Load()) }

// snapshot reads a consistent (rts, wts) pair.
func (v *TicTocVersion) snapshot() (TID, TID) {
	for i := 0; ; i++ {
		r := v.v.Load()
		w := v.wts.Load()
		if v.v.Load() == r {
			return r, w
		}
		relax(i)
	}
}

func (v *TicTocVersion) ObserveRead(t *Transaction, item *TransItem, addRead bool) bool {
	r, w := v.snapshot()
	if IsLockedElsewhere(r, t.threadID) {
		t.noteAbort(AbortObserve, item, r)
		return false
	}
	t.anyNonopaque = true
	if addRead && !item.HasRead() {
		item.mode = CCTicToc
		item.tictoc = v
		item.wts = w
		item.SetReadVersion(r)
	}
	return true
}

func (v *TicTocVersion) readStep(item *TransItem, ts *TID) { maxTS(ts, Timestamp(item.wts)) }

func (v *TicTocVersion) AcquireWrite(*Transaction, *TransItem) bool { return true }

func (v *TicTocVersion) CPTryLock(_ *TransItem, threadID int) bool {
	return v.TryLockSpin(threadID, currentConfig().spinWait())
}

func (v *TicTocVersion) CPUnlock(*TransItem) { v.Unlock() }

// CPCheckVersion validates the read at the commit timestamp, extending rts when allowed.
func (v *TicTocVersion) CPCheckVersion(t *Transaction, item *TransItem) bool {
	commitTS := t.tictocTS
	if Timestamp(item.rtid) >= commitTS {
		return true
	}
	for i := 0; ; i++ {
		cur := v.v.Load()
		if Timestamp(v.wts.Load()) != Timestamp(item.wts) {
			return false
		}
		if IsLockedHere(cur, t.threadID) {
			return true
		}
		if IsLockedElsewhere(cur, t.threadID) {
			return false
		}
		if Timestamp(cur) >= commitTS {
			return true
		}
		if !v.extend {
			return false
		}
		if v.v.CompareAndSwap(cur, commitTS|cur&flagMask) {
			return true
		}
		relax(i)
	}
}

func (v *TicTocVersion) CPCommitTID(t *Transaction) TID {
	if t.tictocTS == 0 {
		v.ComputeCommitTSStep(&t.tictocTS, true)
	}
	return t.tictocTS
}

func (v *TicTocVersion) CPSetVersionUnlock(ts TID) {
	v.wts.Store(Timestamp(ts))
	v.SetVersionUnlock(Timestamp(ts))
}

func (v *TicTocVersion) CPSetVersion(ts TID) {
	cur := v.v.Load()
	v.wts.Store(Timestamp(ts))
	v.v.Store(Timestamp(ts) | cur&(LockBit|ThreadIDMask))
}

// ComputeCommitTSStep is called with the word locked: the new version must follow rts.
func (v *TicTocVersion) ComputeCommitTSStep(ts *TID, isWrite bool) {
	if isWrite {
		maxTS(ts, Timestamp(v.v.Load())+IncrementValue)
	} else {
		maxTS(ts, Timestamp(v.wts.Load()))
	}
}

// Compressed TicToc word:
//
//	|          wts (44)          | delta (8) | flags (12) |
//
// rts is wts+delta.
const (
	ttDeltaShift = maskWidth + 5
	ttWTSShift   = ttDeltaShift + 8
	ttDeltaMax   = 0xff
)

func ttWTS(w TID) TID { return (w >> ttWTSShift) << ttDeltaShift }
func ttRTS(w TID) TID {
	return ((w >> ttWTSShift) + (w>>ttDeltaShift)&ttDeltaMax) << ttDeltaShift
}

// ttPack encodes wts and rts, given in TID units. If rts is too far ahead for the
// delta field, wts is moved forward. That only makes concurrent readers fail
// validation.
func ttPack(wts, rts, flags TID) TID {
	wu, ru := wts>>ttDeltaShift, rts>>ttDeltaShift
	if ru < wu {
		ru = wu
	}
	d := ru - wu
	if d > ttDeltaMax {
		wu = ru - ttDeltaMax
		d = ttDeltaMax
	}
	return wu<<ttWTSShift | d<<ttDeltaShift | flags&flagMask
}

// TicTocCompressedVersion is TicTocVersion packed into a single word.
type TicTocCompressedVersion struct {
	BasicVersion
	extend bool
}

func NewTicTocCompressedVersion(extend bool) *TicTocCompressedVersion {
	v := &TicTocCompressedVersion{extend: extend}
	v.Reset(ttPack(InitializedTID, InitializedTID, 0))
	return v
}

func (v *TicTocCompressedVersion) ReadTimestamp() TID  { return ttRTS(v.Value()) }
func (v *TicTocCompressedVersion) WriteTimestamp() TID { return ttWTS(v.Value()) }

func (v *TicTocCompressedVersion) ObserveRead(t *Transaction, item *TransItem, addRead bool) bool {
	vv := v.Value()
	if IsLockedElsewhere(vv, t.threadID) {
		t.noteAbort(AbortObserve, item, vv)
		return false
	}
	t.anyNonopaque = true
	if addRead && !item.HasRead() {
		item.mode = CCTicToc
		item.tictoc = v
		item.SetReadVersion(vv)
	}
	return true
}

func (v *TicTocCompressedVersion) readStep(item *TransItem, ts *TID) { maxTS(ts, ttWTS(item.rtid)) }

func (v *TicTocCompressedVersion) AcquireWrite(*Transaction, *TransItem) bool { return true }

func (v *TicTocCompressedVersion) CPTryLock(_ *TransItem, threadID int) bool {
	return v.TryLockSpin(threadID, currentConfig().spinWait())
}

func (v *TicTocCompressedVersion) CPUnlock(*TransItem) { v.Unlock() }

func (v *TicTocCompressedVersion) CPCheckVersion(t *Transaction, item *TransItem) bool {
	commitTS := t.tictocTS
	read := item.rtid
	if ttRTS(read) >= commitTS {
		return true
	}
	for i := 0; ; i++ {
		cur := v.Value()
		if ttWTS(cur) != ttWTS(read) {
			return false
		}
		if IsLockedHere(cur, t.threadID) {
			return true
		}
		if IsLockedElsewhere(cur, t.threadID) {
			return false
		}
		if ttRTS(cur) >= commitTS {
			return true
		}
		if !v.extend {
			return false
		}
		if v.v.CompareAndSwap(cur, ttPack(ttWTS(cur), commitTS, cur)) {
			return true
		}
		relax(i)
	}
}

func (v *TicTocCompressedVersion) CPCommitTID(t *Transaction) TID {
	if t.tictocTS == 0 {
		v.ComputeCommitTSStep(&t.tictocTS, true)
	}
	return t.tictocTS
}

func (v *TicTocCompressedVersion) CPSetVersionUnlock(ts TID) {
	v.v.Store(ttPack(ts, ts, 0))
}

func (v *TicTocCompressedVersion) CPSetVersion(ts TID) {
	cur := v.Value()
	v.v.Store(ttPack(ts, ts, cur&(LockBit|ThreadIDMask)))
}

func (v *TicTocCompressedVersion) ComputeCommitTSStep(ts *TID, isWrite bool) {
	cur := v.Value()
	if isWrite {
		maxTS(ts, ttRTS(cur)+IncrementValue)
	} else {
		maxTS(ts, ttWTS(cur))
	}
}
