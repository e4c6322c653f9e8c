// Package omap is an ordered, string keyed transactional map.
//
// Entries are never removed from the tree. A key that was deleted, or whose
// insert never committed, stays behind as an absent entry with its own version,
// so a transaction that saw the key missing conflicts with whoever fills it later.
// Lookups that miss the tree altogether observe the structure version instead,
// which moves every time an entry is added.
package omap

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/tiancaiamao/sto"
)

const degree = 32

// Item key spaces.
const (
	structureSpace uint64 = iota
	entrySpace
)

var structureKey = sto.MakeKey(structureSpace, "")

// slot is an immutable value, replaced on every install.
type slot[V any] struct {
	val     V
	present bool
}

type entry[V any] struct {
	key  string
	vers sto.Version
	cur  atomic.Pointer[slot[V]]
}

func lessEntry[V any](a, b *entry[V]) bool { return a.key < b.key }

// write is the pending change of an entry.
type write[V any] struct {
	val V
	del bool
}

// Map is safe for use by concurrent transactions.
type Map[V any] struct {
	sto.ObjectBase
	policy sto.Policy

	mu        sync.RWMutex
	tree      *btree.BTreeG[*entry[V]]
	structure *sto.NonopaqueVersion
}

// New creates an empty map whose entries use policy p.
func New[V any](p sto.Policy) *Map[V] {
	return &Map[V]{
		policy:    p,
		tree:      btree.NewG[*entry[V]](degree, lessEntry[V]),
		structure: sto.NewNonopaqueVersion(),
	}
}

func (m *Map[V]) Policy() sto.Policy { return m.policy }

// lookup returns the entry for key. On a miss the structure version is
// observed while the tree cannot change.
func (m *Map[V]) lookup(txn *sto.Transaction, key string) (*entry[V], error) {
	item := txn.Item(m, structureKey)
	m.mu.RLock()
	e, ok := m.tree.Get(&entry[V]{key: key})
	if ok {
		m.mu.RUnlock()
		return e, nil
	}
	observed := item.Observe(m.structure)
	m.mu.RUnlock()
	if !observed {
		return nil, txn.AbortBecause(item.Item(), sto.AbortObserve)
	}
	return nil, nil
}

// lookupOrInsert returns the entry for key, adding an absent one if needed.
func (m *Map[V]) lookupOrInsert(txn *sto.Transaction, key string) *entry[V] {
	m.mu.RLock()
	e, ok := m.tree.Get(&entry[V]{key: key})
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tree.Get(&entry[V]{key: key}); ok {
		return e
	}
	e = &entry[V]{key: key, vers: m.policy.NewVersion()}
	e.cur.Store(&slot[V]{})
	m.tree.ReplaceOrInsert(e)
	before := m.structure.Value()
	m.structure.Lock(txn.ThreadID())
	m.structure.IncNonopaque()
	m.structure.Unlock()
	// Our own insert must not invalidate our earlier misses.
	if item, ok := txn.CheckItem(m, structureKey); ok && item.HasRead() &&
		sto.SameTimestamp(item.Item().ReadVersion(), before) {
		item.AddRead(m.structure.Value())
	}
	return e
}

func (m *Map[V]) entryItem(txn *sto.Transaction, e *entry[V]) sto.Proxy {
	item := txn.Item(m, sto.MakeKey(entrySpace, e.key))
	if !item.HasStash() {
		item.SetStash(e)
	}
	return item
}

// read returns the entry's value as seen by txn.
func (m *Map[V]) read(txn *sto.Transaction, e *entry[V]) (V, bool, error) {
	var zero V
	item := m.entryItem(txn, e)
	if item.HasWrite() {
		w := item.WriteValue().(write[V])
		return w.val, !w.del, nil
	}
	for i := 0; ; i++ {
		s := e.cur.Load()
		if !item.Observe(e.vers) {
			return zero, false, txn.AbortBecause(item.Item(), sto.AbortObserve)
		}
		if e.cur.Load() == s {
			return s.val, s.present, nil
		}
	}
}

// Get returns the value of key.
func (m *Map[V]) Get(txn *sto.Transaction, key string) (V, bool, error) {
	var zero V
	e, err := m.lookup(txn, key)
	if err != nil || e == nil {
		return zero, false, err
	}
	return m.read(txn, e)
}

// Put sets key to v.
func (m *Map[V]) Put(txn *sto.Transaction, key string, v V) error {
	e := m.lookupOrInsert(txn, key)
	item := m.entryItem(txn, e)
	if !item.AcquireWrite(e.vers, write[V]{val: v}) {
		return txn.AbortBecause(item.Item(), sto.AbortWrite)
	}
	return nil
}

// Delete removes key and reports whether it was present.
func (m *Map[V]) Delete(txn *sto.Transaction, key string) (bool, error) {
	e, err := m.lookup(txn, key)
	if err != nil || e == nil {
		return false, err
	}
	_, present, err := m.read(txn, e)
	if err != nil || !present {
		return false, err
	}
	item := m.entryItem(txn, e)
	if !item.AcquireWrite(e.vers, write[V]{del: true}) {
		return false, txn.AbortBecause(item.Item(), sto.AbortWrite)
	}
	return true, nil
}

// Scan calls fn for every present key in [lo, hi) in order until fn returns
// false. An empty hi means no upper bound. Keys inserted into the range by
// other transactions before txn commits make it abort.
func (m *Map[V]) Scan(txn *sto.Transaction, lo, hi string, fn func(key string, v V) bool) error {
	var entries []*entry[V]
	collect := func(e *entry[V]) bool {
		entries = append(entries, e)
		return true
	}
	item := txn.Item(m, structureKey)
	m.mu.RLock()
	if hi == "" {
		m.tree.AscendGreaterOrEqual(&entry[V]{key: lo}, collect)
	} else {
		m.tree.AscendRange(&entry[V]{key: lo}, &entry[V]{key: hi}, collect)
	}
	observed := item.Observe(m.structure)
	m.mu.RUnlock()
	if !observed {
		return txn.AbortBecause(item.Item(), sto.AbortObserve)
	}

	for _, e := range entries {
		v, present, err := m.read(txn, e)
		if err != nil {
			return err
		}
		if present && !fn(e.key, v) {
			return nil
		}
	}
	return nil
}

// Len counts the present keys.
func (m *Map[V]) Len(txn *sto.Transaction) (int, error) {
	n := 0
	err := m.Scan(txn, "", "", func(string, V) bool {
		n++
		return true
	})
	return n, err
}

// NontransLen counts present keys outside of any transaction.
func (m *Map[V]) NontransLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	m.tree.Ascend(func(e *entry[V]) bool {
		if e.cur.Load().present {
			n++
		}
		return true
	})
	return n
}

func (m *Map[V]) entryOf(item *sto.TransItem) *entry[V] {
	return item.StashValue().(*entry[V])
}

func (m *Map[V]) Lock(item *sto.TransItem, txn *sto.Transaction) bool {
	return txn.TryLock(item, m.entryOf(item).vers)
}

func (m *Map[V]) Check(item *sto.TransItem, txn *sto.Transaction) bool {
	if item.Key() == structureKey {
		return m.structure.CPCheckVersion(txn, item)
	}
	return m.entryOf(item).vers.CPCheckVersion(txn, item)
}

func (m *Map[V]) Install(item *sto.TransItem, txn *sto.Transaction) {
	e := m.entryOf(item)
	w := item.WriteValue().(write[V])
	e.cur.Store(&slot[V]{val: w.val, present: !w.del})
	txn.SetVersionUnlock(e.vers, item)
}

func (m *Map[V]) Unlock(item *sto.TransItem) {
	m.entryOf(item).vers.CPUnlock(item)
}
