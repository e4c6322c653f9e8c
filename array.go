package sto

// Array is a fixed-size array of transactional values. Each slot has its own
// version word, so transactions touching different slots do not conflict.
type Array[T any] struct {
	ObjectBase
	cells []cell[T]
}

// NewArray creates n slots holding the zero value under policy p.
func NewArray[T any](p Policy, n int) *Array[T] {
	a := &Array[T]{cells: make([]cell[T], n)}
	var zero T
	for i := range a.cells {
		a.cells[i].init(p, zero)
	}
	return a
}

func (a *Array[T]) Len() int { return len(a.cells) }

func (a *Array[T]) slot(i int) *cell[T] {
	assertf(i >= 0 && i < len(a.cells), "array index %d out of range [0, %d)", i, len(a.cells))
	return &a.cells[i]
}

// Load reads slot i.
func (a *Array[T]) Load(txn *Transaction, i int) (T, error) {
	c := a.slot(i)
	return c.load(txn.Item(a, IntKey(uint64(i))))
}

// Store writes slot i.
func (a *Array[T]) Store(txn *Transaction, i int, v T) error {
	c := a.slot(i)
	return c.store(txn.Item(a, IntKey(uint64(i))), v)
}

func (a *Array[T]) NontransRead(i int) T { return *a.slot(i).val.Load() }

// NontransWrite replaces slot i. No transaction may run on a concurrently.
func (a *Array[T]) NontransWrite(i int, v T) { a.slot(i).val.Store(&v) }

func (a *Array[T]) cellOf(item *TransItem) *cell[T] { return &a.cells[item.Key().Int()] }

func (a *Array[T]) Lock(item *TransItem, txn *Transaction) bool {
	return a.cellOf(item).lock(item, txn)
}

func (a *Array[T]) Check(item *TransItem, txn *Transaction) bool {
	return a.cellOf(item).check(item, txn)
}

func (a *Array[T]) Install(item *TransItem, txn *Transaction) { a.cellOf(item).install(item, txn) }
func (a *Array[T]) Unlock(item *TransItem)                    { a.cellOf(item).unlock(item) }
