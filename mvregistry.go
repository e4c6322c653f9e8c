package sto

import "go.uber.org/zap"

type mvCollectable interface {
	collect(gcTID TID, retire func(func())) int
}

type mvEntry struct {
	obj  mvCollectable
	wtid TID
}

// mvThreadRegistry lists the objects a thread wrote, with the write TID.
type mvThreadRegistry struct {
	entries    []mvEntry
	collecting bool
}

func (r *mvThreadRegistry) size() int { return len(r.entries) }

func (r *mvThreadRegistry) add(obj mvCollectable, wtid TID) {
	r.entries = append(r.entries, mvEntry{obj: obj, wtid: wtid})
}

// MvRegistry garbage-collects history nodes no reader can reach any more.
type MvRegistry struct{}

var mvRegistry MvRegistry

// advanceRTID moves the global read TID up to just below the oldest commit TID
// still being installed.
func advanceRTID() TID {
	inf := globalTID.Load()
	for i := range tinfo {
		if w := tinfo[i].wtid.Load(); w != 0 && w < inf {
			inf = w
		}
	}
	next := inf - IncrementValue
	for {
		cur := globalRTID.Load()
		if next <= cur || globalRTID.CompareAndSwap(cur, next) {
			return globalRTID.Load()
		}
	}
}

// RTIDInf is the oldest timestamp any current or future reader may use.
func RTIDInf() TID {
	advanceRTID()
	// The global bound is read before the per-thread ones; see Transaction.ReadTID.
	inf := globalRTID.Load()
	for i := range tinfo {
		if r := tinfo[i].rtid.Load(); r != 0 && r < inf {
			inf = r
		}
	}
	return inf
}

// collect cuts the histories written by thread id that are older than RTIDInf.
// Entries written at or after the bound are kept for a later pass.
func (MvRegistry) collect(id int) int {
	info := &tinfo[id]
	r := &info.mv
	if r.collecting || len(r.entries) == 0 {
		return 0
	}
	r.collecting = true
	defer func() { r.collecting = false }()
	if info.epoch.Load() == 0 {
		publishEpoch(info)
		defer info.epoch.Store(0)
	}

	gc := RTIDInf()
	retire := func(fn func()) { info.rcu.add(globalEpoch.Load(), fn) }
	kept := r.entries[:0]
	nodes := 0
	for _, e := range r.entries {
		if e.wtid >= gc {
			kept = append(kept, e)
			continue
		}
		nodes += e.obj.collect(gc, retire)
	}
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = mvEntry{}
	}
	r.entries = kept
	info.stats.mvCollected.Add(uint64(nodes))
	if nodes > 0 && currentConfig().DebugAborts {
		logger().Debug("mvcc history collected", zap.Int("thread", id), zap.Int("nodes", nodes),
			zap.String("gc_tid", FormatTID(gc)))
	}
	return nodes
}

// Collect runs a collection pass for th.
func (th *Thread) Collect() int { return mvRegistry.collect(th.id) }
