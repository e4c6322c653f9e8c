package sto

import (
	"encoding/binary"

	farm "github.com/dgryski/go-farm"
)

const (
	tsetChunk  = 512
	hashSize   = 32768
	hashMask   = hashSize - 1
	hashProbes = 2
	hashStep   = 5
)

// itemSet is the chunked working set. Items never move, so *TransItem stays valid
// while the set grows. The hash index stores base+idx+1; a slot is live only when its
// value exceeds base, so reset is O(1).
type itemSet struct {
	chunks [][]TransItem
	n      int

	hash     []uint32
	hashBase uint32
	// unindexed is set when an insert found every probe slot taken.
	unindexed bool
}

func (s *itemSet) len() int { return s.n }

func (s *itemSet) at(i int) *TransItem {
	return &s.chunks[i/tsetChunk][i%tsetChunk]
}

func (s *itemSet) reset() {
	for i := 0; i < s.n; i++ {
		*s.at(i) = TransItem{}
	}
	if s.hashBase > 1<<30 {
		clear(s.hash)
		s.hashBase = 0
	} else {
		s.hashBase += uint32(s.n) + 1
	}
	s.n = 0
	s.unindexed = false
	// Drop chunks that a single large transaction left behind.
	if len(s.chunks) > 8 {
		s.chunks = s.chunks[:8]
	}
}

func itemHash(owner TObject, k Key) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], owner.ObjectID())
	binary.LittleEndian.PutUint64(buf[8:], k.n)
	h := farm.Hash64(buf[:])
	if k.s != "" {
		h = farm.Hash64WithSeed([]byte(k.s), h)
	}
	return h
}

// append adds an item without looking for an existing one.
func (s *itemSet) append(owner TObject, k Key) *TransItem {
	if s.n == len(s.chunks)*tsetChunk {
		s.chunks = append(s.chunks, make([]TransItem, tsetChunk))
	}
	idx := s.n
	item := s.at(idx)
	item.owner = owner
	item.key = k
	s.n++
	s.index(owner, k, idx)
	return item
}

func (s *itemSet) index(owner TObject, k Key, idx int) {
	if s.hash == nil {
		s.hash = make([]uint32, hashSize)
	}
	h := itemHash(owner, k)
	for p := 0; p < hashProbes; p++ {
		slot := (h + uint64(p*hashStep)) & hashMask
		if s.hash[slot] <= s.hashBase {
			s.hash[slot] = s.hashBase + uint32(idx) + 1
			return
		}
	}
	s.unindexed = true
}

// find returns an item for (owner, k), preferring the earliest indexed one.
func (s *itemSet) find(owner TObject, k Key) *TransItem {
	if s.n == 0 {
		return nil
	}
	if s.hash != nil {
		h := itemHash(owner, k)
		for p := 0; p < hashProbes; p++ {
			slot := (h + uint64(p*hashStep)) & hashMask
			e := s.hash[slot]
			if e <= s.hashBase {
				if !s.unindexed {
					return nil
				}
				break
			}
			item := s.at(int(e - s.hashBase - 1))
			if item.owner == owner && item.key == k {
				return item
			}
		}
		if !s.unindexed {
			return nil
		}
	}
	return s.scan(owner, k, s.n)
}

func (s *itemSet) scan(owner TObject, k Key, limit int) *TransItem {
	for i := 0; i < limit; i++ {
		item := s.at(i)
		if item.owner == owner && item.key == k {
			return item
		}
	}
	return nil
}
