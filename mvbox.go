package sto

// MvBox is a multi-version value. Reads are served from the snapshot at the
// read TID of the transaction and never abort; commits validate that the
// snapshot value is still current at the commit TID.
type MvBox[T any] struct {
	ObjectBase
	obj *MvObject[T]
}

func NewMvBox[T any](init T) *MvBox[T] {
	return &MvBox[T]{obj: NewMvObject(init)}
}

// Object exposes the version chain.
func (b *MvBox[T]) Object() *MvObject[T] { return b.obj }

// Read returns the value at the snapshot of txn, with pending writes of txn applied.
func (b *MvBox[T]) Read(txn *Transaction) (T, error) {
	item := txn.Item(b, boxKey)
	if item.HasWrite() && !item.Item().HasCommute() {
		return item.WriteValue().(T), nil
	}
	var h *MvHistory[T]
	if item.HasRead() {
		h = item.Item().ReadValue().(*MvHistory[T])
	} else {
		h = b.obj.snapshot(txn.ReadTID())
		item.AddReadValue(h)
	}
	v := h.Value()
	if item.HasWrite() {
		v = item.WriteValue().(func(T) T)(v)
	}
	return v, nil
}

// Write buffers a blind write.
func (b *MvBox[T]) Write(txn *Transaction, v T) error {
	txn.Item(b, boxKey).AddWrite(v).AddFlags(MvHistoryFlag)
	return nil
}

// Update applies delta at commit on top of whatever value is current then. It
// does not read, so concurrent updates do not conflict.
func (b *MvBox[T]) Update(txn *Transaction, delta func(T) T) error {
	item := txn.Item(b, boxKey)
	switch {
	case item.HasWrite() && !item.Item().HasCommute():
		item.AddWrite(delta(item.WriteValue().(T)))
	case item.HasWrite():
		prev := item.WriteValue().(func(T) T)
		item.AddCommute(func(v T) T { return delta(prev(v)) })
	default:
		item.AddCommute(delta)
	}
	item.AddFlags(MvHistoryFlag)
	return nil
}

func (b *MvBox[T]) NontransRead() T   { return b.obj.NontransRead() }
func (b *MvBox[T]) NontransWrite(v T) { b.obj.NontransWrite(v) }

func (b *MvBox[T]) pending(item *TransItem) *MvHistory[T] {
	if !item.HasStash() {
		return nil
	}
	return item.StashValue().(*MvHistory[T])
}

func (b *MvBox[T]) Lock(item *TransItem, txn *Transaction) bool {
	tid := txn.CommitTID()
	var h *MvHistory[T]
	if item.HasCommute() {
		var zero T
		h = newHistory(tid, MvPending, zero, item.WriteValue().(func(T) T))
	} else {
		h = newHistory[T](tid, MvPending, item.WriteValue().(T), nil)
	}
	item.SetStash(h)
	return b.obj.CPLock(tid, h)
}

func (b *MvBox[T]) Check(item *TransItem, txn *Transaction) bool {
	// Snapshot reads are consistent while the transaction executes.
	if txn.State() < StateCommitting {
		return true
	}
	h := item.ReadValue().(*MvHistory[T])
	return b.obj.CPCheck(txn.CommitTID(), h, b.pending(item))
}

func (b *MvBox[T]) Install(item *TransItem, txn *Transaction) {
	h := b.pending(item)
	b.obj.CPInstall(h)
	item.ClearNeedsUnlock()
	txn.info.mv.add(b.obj, h.wtid)
}

func (b *MvBox[T]) Unlock(item *TransItem) {
	if h := b.pending(item); h != nil {
		b.obj.Abort(h)
	}
}
