package sto

import (
	"runtime"
	"sync/atomic"

	"github.com/pingcap/errors"
)

// Version is the concurrency-control contract every policy fulfils. A TObject keeps one
// Version per mutable cell and forwards its commit callbacks here.
type Version interface {
	// Value returns a snapshot of the version word.
	Value() TID

	// ObserveRead records a read of the cell in item. It returns false if the
	// transaction must abort. When addRead is false only the consistency checks run.
	ObserveRead(txn *Transaction, item *TransItem, addRead bool) bool
	// AcquireWrite prepares item for a write during execution. Policies that lock
	// eagerly take the lock here.
	AcquireWrite(txn *Transaction, item *TransItem) bool

	// CPTryLock locks the cell for commit.
	CPTryLock(item *TransItem, threadID int) bool
	// CPUnlock releases whatever lock item holds without installing.
	CPUnlock(item *TransItem)
	// CPCheckVersion validates a read recorded in item.
	CPCheckVersion(txn *Transaction, item *TransItem) bool
	// CPCommitTID returns the version to install for this transaction.
	CPCommitTID(txn *Transaction) TID
	// CPSetVersionUnlock publishes ts and releases the commit lock in one store.
	CPSetVersionUnlock(ts TID)
	// CPSetVersion publishes ts keeping the lock.
	CPSetVersion(ts TID)

	// ComputeCommitTSStep folds this cell into a TicToc commit timestamp.
	ComputeCommitTSStep(ts *TID, isWrite bool)
}

// BasicVersion wraps a single version word. The zero value must be initialized with Reset
// before use; NewBasicVersion does that.
type BasicVersion struct {
	v atomic.Uint64
}

func NewBasicVersion(v TID) *BasicVersion {
	bv := &BasicVersion{}
	bv.v.Store(v)
	return bv
}

func (bv *BasicVersion) Reset(v TID) { bv.v.Store(v) }

func (bv *BasicVersion) Value() TID { return bv.v.Load() }

func (bv *BasicVersion) IsLocked() bool                { return IsLocked(bv.v.Load()) }
func (bv *BasicVersion) IsLockedHere(id int) bool      { return IsLockedHere(bv.v.Load(), id) }
func (bv *BasicVersion) IsLockedElsewhere(id int) bool { return IsLockedElsewhere(bv.v.Load(), id) }
func (bv *BasicVersion) IsDirty() bool                 { return IsDirty(bv.v.Load()) }

// TryLockVal tries once to lock the word for thread id and returns the word it saw.
func (bv *BasicVersion) TryLockVal(id int) (TID, bool) {
	v := bv.v.Load()
	if v&LockBit != 0 {
		return v, false
	}
	return v, bv.v.CompareAndSwap(v, v&^ThreadIDMask|LockBit|TID(id))
}

// TryLock never blocks.
func (bv *BasicVersion) TryLock(id int) bool {
	_, ok := bv.TryLockVal(id)
	return ok
}

// TryLockSpin retries TryLock at most bound times.
func (bv *BasicVersion) TryLockSpin(id int, bound int) bool {
	for i := 0; ; i++ {
		if bv.TryLock(id) {
			return true
		}
		if i >= bound {
			return false
		}
		relax(i)
	}
}

// Lock spins until the word is locked by id. Only code that cannot deadlock may use it.
func (bv *BasicVersion) Lock(id int) {
	for i := 0; !bv.TryLock(id); i++ {
		relax(i)
	}
}

// Unlock clears the lock and owner bits. The caller must hold the lock.
func (bv *BasicVersion) Unlock() {
	v := bv.v.Load()
	assertf(v&LockBit != 0, "unlock of unlocked version %s", FormatTID(v))
	bv.v.Store(v &^ (LockBit | ThreadIDMask))
}

// CheckVersion compares the timestamp of the word with old. A lock held by anyone is ignored.
func (bv *BasicVersion) CheckVersion(old TID) bool {
	return SameTimestamp(bv.v.Load(), old)
}

// CheckVersionHere is CheckVersion that fails if another thread holds the lock.
func (bv *BasicVersion) CheckVersionHere(old TID, id int) bool {
	v := bv.v.Load()
	if IsLockedElsewhere(v, id) {
		return false
	}
	return SameTimestamp(v, old)
}

// SetVersionLocked installs ts while keeping the word locked by id.
func (bv *BasicVersion) SetVersionLocked(ts TID, id int) {
	assertf(bv.IsLockedHere(id), "set version on a word not locked by %d", id)
	bv.v.Store(ts&^(LockBit|ThreadIDMask) | LockBit | TID(id))
}

// SetVersionUnlock installs ts and releases the lock with one store.
func (bv *BasicVersion) SetVersionUnlock(ts TID) {
	bv.v.Store(ts &^ (LockBit | ThreadIDMask))
}

// SetVersionUnlockDirty also drops the dirty bit.
func (bv *BasicVersion) SetVersionUnlockDirty(ts TID) {
	bv.v.Store(ts &^ (LockBit | DirtyBit | ThreadIDMask))
}

func (bv *BasicVersion) SetNonopaque() { atomicOr(&bv.v, NonopaqueBit) }

// IncNonopaque bumps a locked word to its next nonopaque version.
func (bv *BasicVersion) IncNonopaque() {
	v := bv.v.Load()
	assertf(v&LockBit != 0, "inc nonopaque of unlocked version %s", FormatTID(v))
	bv.v.Store(NextNonopaqueVersion(v) | v&(LockBit|ThreadIDMask))
}

// relax backs off inside spin loops.
func relax(i int) {
	if i&0x3f == 0x3f {
		runtime.Gosched()
	}
}

// assertf panics with a stack-carrying error. It marks TObject contract violations.
func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(errors.Errorf("sto: "+format, args...))
	}
}
