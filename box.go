package sto

import (
	"strings"
	"sync/atomic"

	"github.com/pingcap/errors"
)

// Policy selects the concurrency control of a cell.
type Policy int

const (
	PolicyOCC Policy = iota
	PolicyNonopaque
	Policy2PL
	PolicyAdaptive
	PolicySwiss
	PolicySwissOpaque
	PolicyTicToc
	PolicyTicTocCompressed
	numPolicies
)

var policyNames = [numPolicies]string{
	"occ", "nonopaque", "2pl", "adaptive", "swiss", "swiss-opaque", "tictoc", "tictoc-compressed",
}

func (p Policy) String() string {
	if p >= 0 && p < numPolicies {
		return policyNames[p]
	}
	return "unknown"
}

// Opaque reports whether transactions using only this policy never observe an
// inconsistent state.
func (p Policy) Opaque() bool {
	return p == PolicyOCC || p == PolicySwissOpaque
}

// Policies lists every policy.
func Policies() []Policy {
	ps := make([]Policy, numPolicies)
	for i := range ps {
		ps[i] = Policy(i)
	}
	return ps
}

// ParsePolicy accepts the names printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range policyNames {
		if name == s {
			return Policy(i), nil
		}
	}
	return 0, errors.Errorf("unknown policy %q", s)
}

// NewVersion returns a fresh version word for p.
func (p Policy) NewVersion() Version {
	switch p {
	case PolicyOCC:
		return NewOCCVersion()
	case PolicyNonopaque:
		return NewNonopaqueVersion()
	case Policy2PL:
		return NewLockVersion(false)
	case PolicyAdaptive:
		return NewLockVersion(true)
	case PolicySwiss:
		return NewSwissVersion(false)
	case PolicySwissOpaque:
		return NewSwissVersion(true)
	case PolicyTicToc:
		return NewTicTocVersion(true)
	case PolicyTicTocCompressed:
		return NewTicTocCompressedVersion(true)
	}
	panic(errors.Errorf("sto: unknown policy %d", p))
}

// cell is one versioned value. Every install stores a new pointer, so an
// unchanged pointer around the version read proves the value matches it.
type cell[T any] struct {
	vers Version
	val  atomic.Pointer[T]
}

func (c *cell[T]) init(p Policy, v T) {
	c.vers = p.NewVersion()
	c.val.Store(&v)
}

func (c *cell[T]) load(item Proxy) (T, error) {
	txn := item.Transaction()
	if item.HasWrite() {
		return item.WriteValue().(T), nil
	}
	for i := 0; ; i++ {
		p := c.val.Load()
		if !item.Observe(c.vers) {
			var zero T
			return zero, txn.AbortBecause(item.Item(), AbortObserve)
		}
		if c.val.Load() == p {
			return *p, nil
		}
		relax(i)
	}
}

func (c *cell[T]) store(item Proxy, v T) error {
	if !item.AcquireWrite(c.vers, v) {
		return item.Transaction().AbortBecause(item.Item(), AbortWrite)
	}
	return nil
}

func (c *cell[T]) lock(item *TransItem, txn *Transaction) bool {
	return txn.TryLock(item, c.vers)
}

func (c *cell[T]) check(item *TransItem, txn *Transaction) bool {
	return c.vers.CPCheckVersion(txn, item)
}

func (c *cell[T]) install(item *TransItem, txn *Transaction) {
	v := item.WriteValue().(T)
	c.val.Store(&v)
	txn.SetVersionUnlock(c.vers, item)
}

func (c *cell[T]) unlock(item *TransItem) { c.vers.CPUnlock(item) }

// Box is a single transactional value.
type Box[T any] struct {
	ObjectBase
	c cell[T]
}

var boxKey = IntKey(0)

// NewBox creates a box holding init under policy p.
func NewBox[T any](p Policy, init T) *Box[T] {
	b := &Box[T]{}
	b.c.init(p, init)
	return b
}

// Load reads the value. It returns ErrAborted if the read conflicts.
func (b *Box[T]) Load(txn *Transaction) (T, error) {
	return b.c.load(txn.Item(b, boxKey))
}

// Store buffers a write that becomes visible when txn commits.
func (b *Box[T]) Store(txn *Transaction, v T) error {
	return b.c.store(txn.Item(b, boxKey), v)
}

// Version exposes the version word of the box.
func (b *Box[T]) Version() Version { return b.c.vers }

// NontransRead reads the latest committed value.
func (b *Box[T]) NontransRead() T { return *b.c.val.Load() }

// NontransWrite replaces the value. No transaction may run on b concurrently.
func (b *Box[T]) NontransWrite(v T) { b.c.val.Store(&v) }

func (b *Box[T]) Lock(item *TransItem, txn *Transaction) bool  { return b.c.lock(item, txn) }
func (b *Box[T]) Check(item *TransItem, txn *Transaction) bool { return b.c.check(item, txn) }
func (b *Box[T]) Install(item *TransItem, txn *Transaction)    { b.c.install(item, txn) }
func (b *Box[T]) Unlock(item *TransItem)                       { b.c.unlock(item) }
