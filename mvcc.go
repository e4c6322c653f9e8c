package sto

import "sync/atomic"

// MvStatus is the state of a history node.
type MvStatus int32

const (
	MvAborted   MvStatus = 0
	MvDeleted   MvStatus = 1
	MvPending   MvStatus = 0x10
	MvCommitted MvStatus = 0x100
	MvDelta     MvStatus = 0x1000
)

func (s MvStatus) visible() bool { return s == MvDeleted || s&MvCommitted != 0 }

const (
	flatNone int32 = iota
	flatBusy
	flatDone
)

// MvHistory is one version of an MvObject. Nodes link to the version they replace.
type MvHistory[T any] struct {
	wtid   TID
	rtid   atomic.Uint64
	status atomic.Int32
	prev   atomic.Pointer[MvHistory[T]]

	value T
	delta func(T) T
	flat  atomic.Int32
}

func newHistory[T any](wtid TID, status MvStatus, value T, delta func(T) T) *MvHistory[T] {
	h := &MvHistory[T]{wtid: wtid, value: value, delta: delta}
	h.rtid.Store(wtid)
	h.status.Store(int32(status))
	return h
}

func (h *MvHistory[T]) WTID() TID           { return h.wtid }
func (h *MvHistory[T]) RTID() TID           { return h.rtid.Load() }
func (h *MvHistory[T]) Status() MvStatus    { return MvStatus(h.status.Load()) }
func (h *MvHistory[T]) Prev() *MvHistory[T] { return h.prev.Load() }

// raiseRTID records that the node was read at tid.
func (h *MvHistory[T]) raiseRTID(tid TID) {
	for {
		r := h.rtid.Load()
		if r >= tid || h.rtid.CompareAndSwap(r, tid) {
			return
		}
	}
}

// Value materializes the node. Delta nodes are flattened on first use.
func (h *MvHistory[T]) Value() T {
	if h.Status()&MvDelta != 0 {
		h.flatten()
	}
	return h.value
}

// flatten applies the chain of deltas below h to the nearest materialized value.
// Exactly one caller does the work; the others wait for it.
func (h *MvHistory[T]) flatten() {
	if h.flat.Load() == flatDone {
		return
	}
	if !h.flat.CompareAndSwap(flatNone, flatBusy) {
		for i := 0; h.flat.Load() != flatDone; i++ {
			relax(i)
		}
		return
	}
	chain := []*MvHistory[T]{h}
	base := h.prev.Load()
	for ; base != nil; base = base.prev.Load() {
		s := base.Status()
		if !s.visible() {
			continue
		}
		if s&MvDelta == 0 || base.flat.Load() == flatDone {
			break
		}
		chain = append(chain, base)
	}
	var v T
	if base != nil {
		v = base.value
	}
	for i := len(chain) - 1; i >= 0; i-- {
		v = chain[i].delta(v)
	}
	h.value = v
	h.flat.Store(flatDone)
	h.status.Store(int32(MvCommitted))
}

// MvObject is a multi-version cell. The head is the newest node; pending nodes
// only ever sit at the head.
type MvObject[T any] struct {
	head atomic.Pointer[MvHistory[T]]
}

func NewMvObject[T any](init T) *MvObject[T] {
	o := &MvObject[T]{}
	o.head.Store(newHistory[T](0, MvCommitted, init, nil))
	return o
}

func (o *MvObject[T]) Head() *MvHistory[T] { return o.head.Load() }

// Find returns the newest visible node written at or before tid. With wait set it
// waits for pending nodes in range to resolve; otherwise a pending node is returned.
func (o *MvObject[T]) Find(tid TID, wait bool) *MvHistory[T] {
	return o.find(tid, wait, nil)
}

func (o *MvObject[T]) find(tid TID, wait bool, except *MvHistory[T]) *MvHistory[T] {
	for h := o.head.Load(); h != nil; h = h.prev.Load() {
		if h == except || h.wtid > tid {
			continue
		}
		s := h.Status()
		for i := 0; s == MvPending && wait; i++ {
			relax(i)
			s = h.Status()
		}
		if s == MvPending || s.visible() {
			return h
		}
	}
	return nil
}

// snapshot returns the node visible at tid and pins it against older writers.
func (o *MvObject[T]) snapshot(tid TID) *MvHistory[T] {
	for {
		h := o.find(tid, true, nil)
		h.raiseRTID(tid)
		// A writer that slipped in below tid is either seen here or sees our rtid.
		if o.find(tid, true, nil) == h {
			return h
		}
	}
}

// latestVisible returns the newest visible node at or below h.
func latestVisible[T any](h *MvHistory[T]) *MvHistory[T] {
	for ; h != nil; h = h.prev.Load() {
		if h.Status().visible() {
			return h
		}
	}
	return nil
}

// CPLock links the pending node h on top of the chain. It fails when a newer or
// pending write is in the way, or a reader at or after tid already saw the
// previous version. Aborted nodes are skipped.
func (o *MvObject[T]) CPLock(tid TID, h *MvHistory[T]) bool {
	assertf(h.Status() == MvPending && h.wtid == tid, "lock of a non pending history node")
	for {
		head := o.head.Load()
		top := head
		for top != nil && top.Status() == MvAborted {
			top = top.prev.Load()
		}
		if top != nil && (top.wtid > tid || top.Status() == MvPending) {
			h.status.Store(int32(MvAborted))
			return false
		}
		h.prev.Store(head)
		if !o.head.CompareAndSwap(head, h) {
			continue
		}
		if vis := latestVisible(head); vis != nil && vis.rtid.Load() >= tid {
			h.status.Store(int32(MvAborted))
			return false
		}
		return true
	}
}

// CPCheck validates that h is still the version visible at tid. except is the
// node the same transaction is installing.
func (o *MvObject[T]) CPCheck(tid TID, h, except *MvHistory[T]) bool {
	h.raiseRTID(tid)
	return o.find(tid, true, except) == h
}

// CPInstall commits the pending node h.
func (o *MvObject[T]) CPInstall(h *MvHistory[T]) {
	assertf(h.Status() == MvPending, "install of a non pending history node")
	if h.delta != nil {
		h.status.Store(int32(MvCommitted | MvDelta))
	} else {
		h.status.Store(int32(MvCommitted))
	}
}

// Abort drops a pending node.
func (o *MvObject[T]) Abort(h *MvHistory[T]) {
	h.status.CompareAndSwap(int32(MvPending), int32(MvAborted))
}

// NontransRead returns the newest committed value.
func (o *MvObject[T]) NontransRead() T {
	return latestVisible(o.head.Load()).Value()
}

// NontransWrite replaces the value outside of any transaction.
func (o *MvObject[T]) NontransWrite(v T) {
	for {
		head := o.head.Load()
		h := newHistory[T](head.wtid, MvCommitted, v, nil)
		h.prev.Store(head)
		if o.head.CompareAndSwap(head, h) {
			return
		}
	}
}

// collect cuts every node older than the one visible at gcTID and hands the
// cut chain to retire.
func (o *MvObject[T]) collect(gcTID TID, retire func(func())) int {
	vis := o.find(gcTID, false, nil)
	if vis == nil || vis.Status() == MvPending {
		return 0
	}
	if vis.Status()&MvDelta != 0 {
		vis.flatten()
	}
	cut := vis.prev.Swap(nil)
	if cut == nil {
		return 0
	}
	n := 0
	for h := cut; h != nil; h = h.prev.Load() {
		n++
	}
	retire(func() {
		var zero T
		for h := cut; h != nil; {
			next := h.prev.Swap(nil)
			h.value = zero
			h.delta = nil
			h = next
		}
	})
	return n
}
