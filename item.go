package sto

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Flags describe what a transaction did to an item.
type Flags uint64

const (
	WriteFlag     Flags = 1 << 63
	ReadFlag      Flags = 1 << 62
	LockFlag      Flags = 1 << 61 // item holds a lock that stop must release
	PredicateFlag Flags = 1 << 60
	StashFlag     Flags = 1 << 59
	CLFlag        Flags = 1 << 58 // locked during commit phase 1
	CommuteFlag   Flags = 1 << 57
	MvHistoryFlag Flags = 1 << 56

	// UserFlag0 is the first of eight flags reserved for TObject implementations.
	UserFlag0    Flags = 1 << userShift
	UserFlagMask Flags = 0xff << userShift
)

const userShift = 48

// UserFlag returns the nth user flag.
func UserFlag(n int) Flags {
	assertf(n >= 0 && n < 8, "user flag %d out of range", n)
	return UserFlag0 << n
}

// CCMode records which discipline a policy applied to an item.
type CCMode uint8

const (
	CCNone CCMode = iota
	CCOpt
	CCLock
	CCTicToc
)

// Key identifies a cell within its owner. Keys are ordered by n first, then s.
type Key struct {
	n uint64
	s string
}

func IntKey(n uint64) Key    { return Key{n: n} }
func StringKey(s string) Key { return Key{s: s} }

// MakeKey builds a key with both parts. Objects use n to separate key spaces.
func MakeKey(n uint64, s string) Key { return Key{n: n, s: s} }

func (k Key) Int() uint64 { return k.n }
func (k Key) Str() string { return k.s }

// Compare orders keys.
func (k Key) Compare(o Key) int {
	switch {
	case k.n < o.n:
		return -1
	case k.n > o.n:
		return 1
	}
	return strings.Compare(k.s, o.s)
}

func (k Key) String() string {
	if k.s == "" {
		return fmt.Sprintf("#%d", k.n)
	}
	return fmt.Sprintf("#%d/%q", k.n, k.s)
}

// TObject is implemented by every transactional data structure.
type TObject interface {
	// ObjectID gives owners a total order. Embed ObjectBase to get one.
	ObjectID() uint64
	// Lock acquires the cell of item for commit.
	Lock(item *TransItem, txn *Transaction) bool
	// Check validates a read recorded in item.
	Check(item *TransItem, txn *Transaction) bool
	// Install applies the write and releases the lock.
	Install(item *TransItem, txn *Transaction)
	// Unlock releases a lock without installing.
	Unlock(item *TransItem)
}

// Cleaner is implemented by objects that need teardown after every attempt.
type Cleaner interface {
	Cleanup(item *TransItem, committed bool)
}

// PredicateChecker is implemented by objects that register predicates.
type PredicateChecker interface {
	CheckPredicate(item *TransItem, txn *Transaction, committing bool) bool
}

var nextObjectID atomic.Uint64

// ObjectBase hands out a stable object id on first use.
type ObjectBase struct {
	id atomic.Uint64
}

func (b *ObjectBase) ObjectID() uint64 {
	if id := b.id.Load(); id != 0 {
		return id
	}
	n := nextObjectID.Add(1)
	if b.id.CompareAndSwap(0, n) {
		return n
	}
	return b.id.Load()
}

// TransItem is one entry of a transaction's working set.
type TransItem struct {
	owner TObject
	key   Key
	flags Flags
	mode  CCMode

	rtid  TID // version observed by the read
	wts   TID // TicToc write timestamp observed by the read
	rdata interface{}
	wdata interface{}
	stash interface{}

	tictoc ticTocSource
}

func (item *TransItem) Owner() TObject { return item.owner }
func (item *TransItem) Key() Key       { return item.key }
func (item *TransItem) Flags() Flags   { return item.flags }
func (item *TransItem) Mode() CCMode   { return item.mode }

func (item *TransItem) HasRead() bool        { return item.flags&ReadFlag != 0 }
func (item *TransItem) HasWrite() bool       { return item.flags&WriteFlag != 0 }
func (item *TransItem) NeedsUnlock() bool    { return item.flags&LockFlag != 0 }
func (item *TransItem) HasPredicate() bool   { return item.flags&PredicateFlag != 0 }
func (item *TransItem) HasStash() bool       { return item.flags&StashFlag != 0 }
func (item *TransItem) HasCommute() bool     { return item.flags&CommuteFlag != 0 }
func (item *TransItem) LockedAtCommit() bool { return item.flags&CLFlag != 0 }
func (item *TransItem) HasFlag(f Flags) bool { return item.flags&f != 0 }

// ReadVersion is the version word captured by the read.
func (item *TransItem) ReadVersion() TID { return item.rtid }

// WriteValue returns the pending write or commute operation.
func (item *TransItem) WriteValue() interface{} { return item.wdata }

// PredicateValue and ReadValue share the read payload slot.
func (item *TransItem) PredicateValue() interface{} { return item.rdata }
func (item *TransItem) ReadValue() interface{}      { return item.rdata }

func (item *TransItem) StashValue() interface{} { return item.stash }

func (item *TransItem) SetStash(v interface{}) {
	item.stash = v
	item.flags |= StashFlag
}

func (item *TransItem) AddFlags(f Flags)   { item.flags |= f }
func (item *TransItem) ClearFlags(f Flags) { item.flags &^= f }

// ClearNeedsUnlock is called by installs that released the lock themselves.
func (item *TransItem) ClearNeedsUnlock() { item.flags &^= LockFlag }

// SetReadVersion stores the observed word and marks the read.
func (item *TransItem) SetReadVersion(v TID) {
	item.rtid = v
	item.flags |= ReadFlag
}

func (item *TransItem) SameItem(o *TransItem) bool {
	return item.owner == o.owner && item.key == o.key
}

// less is the global lock order.
func (item *TransItem) less(o *TransItem) bool {
	if c := item.key.Compare(o.key); c != 0 {
		return c < 0
	}
	return item.owner.ObjectID() < o.owner.ObjectID()
}

func (item *TransItem) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%T%s", item.owner, item.key.String())
	if item.HasRead() {
		sb.WriteString(" R")
	}
	if item.HasWrite() {
		sb.WriteString(" W")
	}
	if item.NeedsUnlock() {
		sb.WriteString(" L")
	}
	if item.HasPredicate() {
		sb.WriteString(" P")
	}
	return sb.String()
}

// Proxy couples an item with the transaction that owns it.
type Proxy struct {
	t    *Transaction
	item *TransItem
}

func (p Proxy) Item() *TransItem          { return p.item }
func (p Proxy) Transaction() *Transaction { return p.t }

func (p Proxy) HasRead() bool      { return p.item.HasRead() }
func (p Proxy) HasWrite() bool     { return p.item.HasWrite() }
func (p Proxy) HasPredicate() bool { return p.item.HasPredicate() }
func (p Proxy) HasStash() bool     { return p.item.HasStash() }

// Observe records a read of v. It returns false if the transaction must abort.
func (p Proxy) Observe(v Version) bool {
	return v.ObserveRead(p.t, p.item, true)
}

// ObserveOpacity runs the read checks of v without recording a read.
func (p Proxy) ObserveOpacity(v Version) bool {
	return v.ObserveRead(p.t, p.item, false)
}

// AcquireWrite lets v prepare the cell and records val as the pending write.
func (p Proxy) AcquireWrite(v Version, val interface{}) bool {
	if !v.AcquireWrite(p.t, p.item) {
		return false
	}
	p.AddWrite(val)
	return true
}

// AddWrite records val as the pending write.
func (p Proxy) AddWrite(val interface{}) Proxy {
	if !p.item.HasWrite() {
		p.t.noteWrite(p.item)
	}
	p.item.wdata = val
	p.item.flags = p.item.flags&^CommuteFlag | WriteFlag
	return p
}

// AddCommute records a commutative update. Callers fold it into any earlier commute.
func (p Proxy) AddCommute(c interface{}) Proxy {
	if !p.item.HasWrite() {
		p.t.noteWrite(p.item)
	}
	p.item.wdata = c
	p.item.flags |= WriteFlag | CommuteFlag
	return p
}

func (p Proxy) ClearWrite() Proxy {
	p.item.flags &^= WriteFlag | CommuteFlag
	p.item.wdata = nil
	return p
}

// AddRead records a raw version as read.
func (p Proxy) AddRead(v TID) Proxy {
	p.item.SetReadVersion(v)
	return p
}

// AddReadValue records an opaque read payload, used by MVCC objects.
func (p Proxy) AddReadValue(v interface{}) Proxy {
	p.item.rdata = v
	p.item.flags |= ReadFlag
	return p
}

func (p Proxy) ClearRead() Proxy {
	p.item.flags &^= ReadFlag
	return p
}

// SetPredicate registers a predicate checked again at commit.
func (p Proxy) SetPredicate(v interface{}) Proxy {
	assertf(!p.item.HasRead() || p.item.rdata == nil, "predicate on an item with a read payload")
	p.item.rdata = v
	p.item.flags |= PredicateFlag
	return p
}

func (p Proxy) PredicateValue() interface{} { return p.item.rdata }

func (p Proxy) SetStash(v interface{}) Proxy {
	p.item.SetStash(v)
	return p
}

func (p Proxy) StashValue() interface{} { return p.item.stash }
func (p Proxy) WriteValue() interface{} { return p.item.wdata }

func (p Proxy) AddFlags(f Flags) Proxy {
	p.item.flags |= f
	return p
}

func (p Proxy) ClearFlags(f Flags) Proxy {
	p.item.flags &^= f
	return p
}

func (p Proxy) HasFlag(f Flags) bool { return p.item.flags&f != 0 }
