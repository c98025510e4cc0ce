// Package quantum implements the virtual-quantum free-space tracker: a
// paired buddy-bitmap "tower" (clean and dirty) plus the TLB-flush
// recycling protocol that moves dirty quanta back into circulation.
package quantum

import (
	"math/bits"
	"math/rand/v2"
	"sync/atomic"

	"github.com/m-mueller678/osv-alloc-test/mem"
)

// Height is the number of buddy-tower levels: level 0 tracks single
// quanta, level H-1 tracks runs of 2^(H-1) quanta.
const Height = mem.AddrBits - mem.QuantumShift

// scanBudget bounds how many words Remove examines at a single level
// before giving up on it and escalating.
const scanBudget = 16

// Tower is one of the two buddy bitmaps QuantumStorage keeps (available
// and released). A set bit at level ℓ, word w, bit k means the aligned
// 2^ℓ-quantum run starting at quantum index (w*64+k)*2^ℓ is entirely free
// at that granularity.
type Tower struct {
	levels [Height][]atomic.Uint64
}

// NewTower builds an empty tower sized to track totalQuanta quanta at
// level 0 (and progressively fewer, coarser blocks at each higher level).
func NewTower(totalQuanta uint64) *Tower {
	t := &Tower{}
	n := totalQuanta
	for l := 0; l < Height; l++ {
		words := (n + 63) / 64
		if words == 0 {
			words = 1
		}
		t.levels[l] = make([]atomic.Uint64, words)
		n = (n + 1) / 2
	}
	return t
}

// FillAvailable marks the first totalQuanta level-0 quanta as free by
// inserting maximal aligned runs, used once at startup to seed the
// "available" tower with the whole managed range.
func (t *Tower) FillAvailable(totalQuanta uint64) {
	var q uint64
	for q < totalQuanta {
		run := uint64(1)
		level := 0
		for level+1 < Height && q%(run*2) == 0 && q+run*2 <= totalQuanta {
			run *= 2
			level++
		}
		t.Insert(level, q)
		q += run
	}
}

// Insert marks the quantum run of size 2^level starting at quantumIndex
// free, coalescing with its buddy into the next level up whenever
// possible.
func (t *Tower) Insert(level int, quantumIndex uint64) {
	for level < Height {
		blockIdx := quantumIndex >> uint(level)
		word, bit := blockIdx/64, blockIdx%64
		buddyBit := bit ^ 1
		slot := &t.levels[level][word]

		old := slot.Load()
		if level+1 < Height && old&(uint64(1)<<buddyBit) != 0 {
			if slot.CompareAndSwap(old, old&^(uint64(1)<<buddyBit)) {
				level++
				continue
			}
			continue
		}
		if slot.CompareAndSwap(old, old|(uint64(1)<<bit)) {
			return
		}
	}
}

// rawSet marks a single block free at level without attempting to
// coalesce it with its buddy. Used only when re-inserting the unused half
// of a block taken from a higher level in Remove.
func (t *Tower) rawSet(level int, blockIdx uint64) {
	word, bit := blockIdx/64, blockIdx%64
	slot := &t.levels[level][word]
	for {
		old := slot.Load()
		if slot.CompareAndSwap(old, old|(uint64(1)<<bit)) {
			return
		}
	}
}

// removeAtLevel does a single bounded, randomly-started scan of level's
// words, clearing and returning the first free block it finds.
func (t *Tower) removeAtLevel(level int, rng *rand.Rand) (blockIdx uint64, ok bool) {
	words := t.levels[level]
	n := len(words)
	if n == 0 {
		return 0, false
	}
	start := rng.Uint64() % uint64(n)
	for i := 0; i < scanBudget && i < n; i++ {
		w := (start + uint64(i)) % uint64(n)
		slot := &words[w]
		for {
			old := slot.Load()
			if old == 0 {
				break
			}
			bit := bits.TrailingZeros64(old)
			if slot.CompareAndSwap(old, old&^(uint64(1)<<uint(bit))) {
				return w*64 + uint64(bit), true
			}
		}
	}
	return 0, false
}

// Remove finds and clears a free block of size 2^level, trying level
// itself first and escalating to higher levels on failure; a block taken
// from a higher level has its unneeded half(s) split back in at the
// intermediate levels. Returns false only once every level from level to
// Height-1 has been scanned without success.
func (t *Tower) Remove(level int, rng *rand.Rand) (quantumIndex uint64, ok bool) {
	taken := level
	for taken < Height {
		blockIdx, found := t.removeAtLevel(taken, rng)
		if !found {
			taken++
			continue
		}
		for taken > level {
			taken--
			blockIdx *= 2
			t.rawSet(taken, blockIdx+1)
		}
		return blockIdx << uint(level), true
	}
	return 0, false
}

// drainLevel atomically empties level's words, invoking fn once per bit
// that had been set (in word order, lowest bit first).
func (t *Tower) drainLevel(level int, fn func(blockIdx uint64)) {
	for w := range t.levels[level] {
		old := t.levels[level][w].Swap(0)
		for old != 0 {
			bit := bits.TrailingZeros64(old)
			old &^= uint64(1) << uint(bit)
			fn(uint64(w)*64 + uint64(bit))
		}
	}
}

// totalFreeQuanta reports the total number of free level-0 quanta
// represented across every level of the tower. Used by tests verifying
// that quanta are conserved across alloc/dealloc/recycle cycles.
func (t *Tower) totalFreeQuanta() uint64 {
	var total uint64
	for l := 0; l < Height; l++ {
		for w := range t.levels[l] {
			total += uint64(bits.OnesCount64(t.levels[l][w].Load())) << uint(l)
		}
	}
	return total
}
