package sto

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// TID is a bit-packed version word.
//
//	|                 timestamp (52)                 |opt|dirty|user|nonopaque|lock| threadid (7) |
//
// The low bits are control bits, the high bits hold a timestamp that only moves forward.
type TID = uint64

const (
	maskWidth = 7

	ThreadIDMask   TID = 1<<maskWidth - 1
	LockBit        TID = 1 << (maskWidth + 0)
	NonopaqueBit   TID = 1 << (maskWidth + 1)
	UserBit        TID = 1 << (maskWidth + 2)
	DirtyBit       TID = 1 << (maskWidth + 3)
	OptBit         TID = 1 << (maskWidth + 4)
	IncrementValue TID = 1 << (maskWidth + 5)

	// InitializedTID is the version of a freshly created, never written cell.
	InitializedTID = IncrementValue

	flagMask = IncrementValue - 1
)

// MaxThreads is the number of thread ids the owner field of a version word can encode.
const MaxThreads = int(ThreadIDMask) + 1

// The owner field and the thread registry must agree on the width.
var (
	_ [MaxThreads - int(ThreadIDMask) - 1]struct{}
	_ [int(ThreadIDMask) + 1 - MaxThreads]struct{}
)

// IsLocked reports whether the lock bit is set.
func IsLocked(v TID) bool { return v&LockBit != 0 }

// IsLockedHere reports whether v is locked by thread id.
func IsLockedHere(v TID, id int) bool {
	return v&(LockBit|ThreadIDMask) == LockBit|TID(id)
}

// IsLockedElsewhere reports whether v is locked by a thread other than id.
func IsLockedElsewhere(v TID, id int) bool {
	return v&LockBit != 0 && v&ThreadIDMask != TID(id)
}

func IsDirty(v TID) bool      { return v&DirtyBit != 0 }
func IsOptimistic(v TID) bool { return v&OptBit != 0 }
func IsNonopaque(v TID) bool  { return v&NonopaqueBit != 0 }

// OwnerThreadID extracts the id of the thread holding the lock on v.
func OwnerThreadID(v TID) int { return int(v & ThreadIDMask) }

// Timestamp strips every control bit.
func Timestamp(v TID) TID { return v &^ flagMask }

// SameTimestamp is the optimistic validation primitive: only the timestamp bits are compared.
func SameTimestamp(cur, old TID) bool { return Timestamp(cur) == Timestamp(old) }

// NextUnflaggedVersion returns the first timestamp after v with all flags cleared.
func NextUnflaggedVersion(v TID) TID { return (v + IncrementValue) &^ flagMask }

// NextNonopaqueVersion is NextUnflaggedVersion tagged as not comparable with the global clock.
func NextNonopaqueVersion(v TID) TID { return NextUnflaggedVersion(v) | NonopaqueBit }

// TryCheckOpacity is the cheap opacity test: v must predate the snapshot start and carry
// neither the lock bit nor the nonopaque bit.
func TryCheckOpacity(start, v TID) bool {
	return int64(start-v) > 0 && v&(LockBit|NonopaqueBit) == 0
}

// FormatTID renders a version word for logs.
func FormatTID(v TID) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d", v>>(maskWidth+5))
	if v&LockBit != 0 {
		fmt.Fprintf(&sb, " L%d", v&ThreadIDMask)
	} else if n := v & ThreadIDMask; n != 0 {
		fmt.Fprintf(&sb, " R%d", n)
	}
	if v&NonopaqueBit != 0 {
		sb.WriteString(" N")
	}
	if v&UserBit != 0 {
		sb.WriteString(" U")
	}
	if v&DirtyBit != 0 {
		sb.WriteString(" D")
	}
	if v&OptBit != 0 {
		sb.WriteString(" O")
	}
	return sb.String()
}

// VersionClock is the global commit timestamp source.
type VersionClock struct {
	v atomic.Uint64
}

func (c *VersionClock) Load() TID { return c.v.Load() }

func (c *VersionClock) CompareAndSwap(old, new TID) bool { return c.v.CompareAndSwap(old, new) }

// Next hands out the next commit timestamp.
func (c *VersionClock) Next() TID { return c.v.Add(IncrementValue) - IncrementValue }

var (
	// globalTID is the source of commit TIDs.
	globalTID = newVersionClock(3 * IncrementValue)
	// globalRTID lags behind every in-flight commit TID.
	globalRTID = newVersionClock(2 * IncrementValue)
)

func newVersionClock(init TID) *VersionClock {
	c := &VersionClock{}
	c.v.Store(init)
	return c
}

// GlobalClock returns the process-wide commit clock.
func GlobalClock() *VersionClock { return globalTID }

// atomicOr sets bits with a CAS loop and returns the new value.
func atomicOr(p *atomic.Uint64, bits TID) TID {
	for {
		v := p.Load()
		if p.CompareAndSwap(v, v|bits) {
			return v | bits
		}
	}
}
