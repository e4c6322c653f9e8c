package sto

import (
	"go.uber.org/zap"
)

// TxnState is the state of a transaction attempt.
type TxnState int32

const (
	StateInProgress TxnState = iota
	StateOpacityCheck
	StateCommitting
	StateCommittingLocked
	StateAborted
	StateCommitted
)

func (s TxnState) String() string {
	switch s {
	case StateInProgress:
		return "in-progress"
	case StateOpacityCheck:
		return "opacity-check"
	case StateCommitting:
		return "committing"
	case StateCommittingLocked:
		return "committing-locked"
	case StateAborted:
		return "aborted"
	case StateCommitted:
		return "committed"
	}
	return "unknown"
}

// AbortReason classifies why an attempt aborted.
type AbortReason uint8

const (
	AbortNone AbortReason = iota
	AbortObserve
	AbortWrite
	AbortLock
	AbortCheck
	AbortPredicate
	AbortOpacity
	AbortContention
	AbortUser
	numAbortReasons
)

var abortReasonNames = [numAbortReasons]string{
	"none", "observe", "write", "lock", "check", "predicate", "opacity", "contention", "user",
}

func (r AbortReason) String() string {
	if r < numAbortReasons {
		return abortReasonNames[r]
	}
	return "unknown"
}

// abortSignal unwinds nested application code back to the retry loop.
type abortSignal struct{}

// Transaction coordinates one attempt at a time on its Thread.
type Transaction struct {
	th       *Thread
	info     *threadInfo
	threadID int
	cfg      *Config

	state             TxnState
	anyWrites         bool
	anyNonopaque      bool
	mayDuplicateItems bool
	restarted         bool

	items    itemSet
	writeset []int

	startTID  TID
	commitTID TID
	readTID   TID
	tictocTS  TID

	abortReason  AbortReason
	abortItem    *TransItem
	abortVersion TID
}

func (t *Transaction) init(th *Thread) {
	t.th = th
	t.info = th.info
	t.threadID = th.id
	t.state = StateAborted
}

func (t *Transaction) start() {
	t.cfg = currentConfig()
	t.items.reset()
	t.writeset = t.writeset[:0]
	t.state = StateInProgress
	t.anyWrites = false
	t.anyNonopaque = false
	t.mayDuplicateItems = false
	t.commitTID = 0
	t.readTID = 0
	t.tictocTS = 0
	t.abortReason = AbortNone
	t.abortItem = nil
	t.abortVersion = 0

	publishEpoch(t.info)
	t.info.rcu.cleanUntil(activeEpoch.Load())
	// Sampled after the epoch is published.
	t.startTID = globalTID.Load()
	contention.Start(t.threadID, t.restarted)
	t.info.stats.starts.Inc()
}

func (t *Transaction) Thread() *Thread   { return t.th }
func (t *Transaction) ThreadID() int     { return t.threadID }
func (t *Transaction) State() TxnState   { return t.state }
func (t *Transaction) StartTID() TID     { return t.startTID }
func (t *Transaction) IsCommitted() bool { return t.state == StateCommitted }
func (t *Transaction) IsAborted() bool   { return t.state == StateAborted }

// InProgress reports whether the attempt still executes user code.
func (t *Transaction) InProgress() bool {
	return t.state == StateInProgress || t.state == StateOpacityCheck
}

func (t *Transaction) finished() bool {
	return t.state == StateAborted || t.state == StateCommitted
}

// AbortReason returns the reason recorded for the last abort.
func (t *Transaction) AbortReason() AbortReason { return t.abortReason }

func (t *Transaction) ensureActive() {
	if !t.InProgress() {
		panic(abortSignal{})
	}
}

// Item finds or creates the item for (owner, key).
func (t *Transaction) Item(owner TObject, key Key) Proxy {
	t.ensureActive()
	item := t.items.find(owner, key)
	if item == nil {
		item = t.items.append(owner, key)
	}
	return Proxy{t: t, item: item}
}

// NewItem creates the item for (owner, key). The key must not be in the set yet.
func (t *Transaction) NewItem(owner TObject, key Key) Proxy {
	t.ensureActive()
	assertf(t.items.find(owner, key) == nil, "new item %T%s already present", owner, key)
	return Proxy{t: t, item: t.items.append(owner, key)}
}

// FreshItem always creates a new item, possibly duplicating an existing one.
func (t *Transaction) FreshItem(owner TObject, key Key) Proxy {
	t.ensureActive()
	t.mayDuplicateItems = true
	return Proxy{t: t, item: t.items.append(owner, key)}
}

// ReadItem is Item for reads. Until the transaction writes, lookups are skipped and a
// duplicate read item may be created.
func (t *Transaction) ReadItem(owner TObject, key Key) Proxy {
	t.ensureActive()
	var item *TransItem
	if t.anyWrites {
		item = t.items.find(owner, key)
	}
	if item == nil {
		t.mayDuplicateItems = t.mayDuplicateItems || t.items.len() > 0
		item = t.items.append(owner, key)
	}
	return Proxy{t: t, item: item}
}

// CheckItem returns the item for (owner, key) if it exists.
func (t *Transaction) CheckItem(owner TObject, key Key) (Proxy, bool) {
	item := t.items.find(owner, key)
	if item == nil {
		return Proxy{}, false
	}
	return Proxy{t: t, item: item}, true
}

// Size is the number of items in the working set.
func (t *Transaction) Size() int { return t.items.len() }

// Items calls fn for each item in set order until fn returns false.
func (t *Transaction) Items(fn func(*TransItem) bool) {
	for i := 0; i < t.items.len(); i++ {
		if !fn(t.items.at(i)) {
			return
		}
	}
}

func (t *Transaction) noteWrite(*TransItem) { t.anyWrites = true }

// MarkNonopaque records that a read skipped the opacity check, so the commit
// has to validate even if nothing was written.
func (t *Transaction) MarkNonopaque() { t.anyNonopaque = true }

// noteAbort remembers the first reason of an attempt's failure.
func (t *Transaction) noteAbort(reason AbortReason, item *TransItem, v TID) {
	if t.abortReason != AbortNone {
		return
	}
	t.abortReason = reason
	t.abortItem = item
	t.abortVersion = v
}

// AbortBecause aborts the attempt without unwinding and returns ErrAborted.
// TObjects return its result to the application code.
func (t *Transaction) AbortBecause(item *TransItem, reason AbortReason) error {
	t.noteAbort(reason, item, 0)
	if !t.finished() {
		t.stop(false)
	}
	return ErrAborted
}

// Abort aborts the attempt and unwinds to the enclosing retry loop.
func (t *Transaction) Abort() {
	t.AbortBecause(nil, AbortUser)
	panic(abortSignal{})
}

// CheckOpacity validates that v belongs to the snapshot of the transaction. item may be nil.
func (t *Transaction) CheckOpacity(item *TransItem, v TID) bool {
	assertf(t.state <= StateCommittingLocked, "opacity check in state %s", t.state)
	if TryCheckOpacity(t.startTID, v) || t.state >= StateCommitting {
		return true
	}
	return t.hardCheckOpacity(item, v)
}

func (t *Transaction) hardCheckOpacity(item *TransItem, v TID) bool {
	// Reading the version we already hold.
	if item != nil && item.HasRead() && item.rtid == v {
		return true
	}
	if t.state == StateOpacityCheck || IsLockedElsewhere(v, t.threadID) {
		t.noteAbort(AbortOpacity, item, v)
		return false
	}
	t.info.stats.hardOpacityChecks.Inc()

	t.state = StateOpacityCheck
	newStart := globalTID.Load()
	ok := true
	for i := 0; ok && i < t.items.len(); i++ {
		it := t.items.at(i)
		switch {
		case it.HasPredicate():
			ok = it.owner.(PredicateChecker).CheckPredicate(it, t, false)
		case it.HasRead():
			ok = it.owner.Check(it, t)
		}
	}
	t.state = StateInProgress
	if !ok {
		t.noteAbort(AbortOpacity, item, v)
		return false
	}
	t.startTID = newStart
	return true
}

// CommitTID returns the commit timestamp, drawing it from the global clock on first use.
func (t *Transaction) CommitTID() TID {
	assertf(t.state == StateCommitting || t.state == StateCommittingLocked,
		"commit tid requested in state %s", t.state)
	if t.commitTID == 0 {
		t.info.wtid.Store(globalTID.Load())
		t.commitTID = globalTID.Next()
	}
	return t.commitTID
}

// ReadTID is the MVCC snapshot timestamp. It sits below every commit TID not yet
// handed out, so the transaction's own commit never conflicts with its reads. It
// is published so the history collector keeps every version visible at it.
func (t *Transaction) ReadTID() TID {
	if t.readTID != 0 {
		return t.readTID
	}
	for r := t.startTID - IncrementValue; ; r = globalTID.Load() - IncrementValue {
		t.info.rtid.Store(r)
		if globalRTID.Load() <= r {
			t.readTID = r
			return r
		}
	}
}

// TicTocTS returns the TicToc commit timestamp accumulated so far.
func (t *Transaction) TicTocTS() TID { return t.tictocTS }

// TryLock locks v for commit on behalf of item.
func (t *Transaction) TryLock(item *TransItem, v Version) bool {
	if !v.CPTryLock(item, t.threadID) {
		return false
	}
	v.ComputeCommitTSStep(&t.tictocTS, true)
	return true
}

// SetVersionUnlock publishes the commit version of v and releases its lock.
func (t *Transaction) SetVersionUnlock(v Version, item *TransItem) {
	v.CPSetVersionUnlock(v.CPCommitTID(t))
	item.ClearNeedsUnlock()
}

// SetVersion publishes the commit version of v, keeping the lock for Unlock.
func (t *Transaction) SetVersion(v Version, item *TransItem) {
	v.CPSetVersion(v.CPCommitTID(t))
}

func (t *Transaction) logAbort() {
	if !t.cfg.DebugAborts {
		return
	}
	fields := []zap.Field{
		zap.Int("thread", t.threadID),
		zap.Stringer("reason", t.abortReason),
		zap.Stringer("state", t.state),
	}
	if t.abortItem != nil {
		fields = append(fields, zap.Stringer("item", t.abortItem))
	}
	if t.abortVersion != 0 {
		fields = append(fields, zap.String("version", FormatTID(t.abortVersion)))
	}
	logger().Debug("transaction aborted", fields...)
}
