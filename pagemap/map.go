// Package pagemap implements the concurrent, open-addressed, lock-free
// counted maps used to track how many live allocations back each mapped
// huge page (PageMap) and each claimed virtual quantum (QuantumMap).
//
// Both maps share one packed-word engine: a slot is a single 64-bit word
// holding three fields of configurable width — key, value and count — with
// the top bit reserved. A slot is empty exactly when its count is 0. Field widths are configured at construction time rather
// than fixed at compile time, since Go has no const-generic integers to
// pin them otherwise.
package pagemap

import (
	"hash/maphash"
	"sync/atomic"
)

// packedMap is the shared engine behind PageMap and QuantumMap. A slot's
// bits, from LSB to MSB, are: key (keyBits), value (valueBits), count
// (countBits), reserved (1). count == 0 iff the slot is empty.
type packedMap struct {
	slots    []atomic.Uint64
	mask     uint64
	seed     maphash.Seed
	keyBits  uint
	valBits  uint
	cntBits  uint
}

// newPackedMap allocates a table with at least numSlots slots (rounded up
// to a power of two) and the given field widths. Panics if the widths do
// not fit in a 64-bit word with room for the reserved top bit.
func newPackedMap(numSlots int, keyBits, valBits, cntBits uint) *packedMap {
	if keyBits+valBits+cntBits >= 64 {
		panic("pagemap: field widths do not fit in a 64-bit word")
	}
	if numSlots < 1 {
		numSlots = 1
	}
	n := 1
	for n < numSlots {
		n <<= 1
	}
	return &packedMap{
		slots:   make([]atomic.Uint64, n),
		mask:    uint64(n - 1),
		seed:    maphash.MakeSeed(),
		keyBits: keyBits,
		valBits: valBits,
		cntBits: cntBits,
	}
}

func (m *packedMap) countShift() uint { return m.keyBits + m.valBits }

func (m *packedMap) keyMask() uint64 { return mask(m.keyBits) }
func (m *packedMap) valMask() uint64 { return mask(m.valBits) }

func mask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

func (m *packedMap) pack(key, value, count uint64) uint64 {
	return ((count<<m.valBits)|value)<<m.keyBits | key
}

func (m *packedMap) targetSlot(key uint64) uint64 {
	var h maphash.Hash
	h.SetSeed(m.seed)
	var b [8]byte
	for i := range b {
		b[i] = byte(key >> (8 * i))
	}
	h.Write(b[:])
	return h.Sum64() & m.mask
}

// insert installs (key, value, count) in the first empty slot found by
// linear probing from hash(key), and returns the slot index. The caller
// must not call insert again for a key that is already live.
func (m *packedMap) insert(key, value, count uint64) int {
	record := m.pack(key, value, count)
	i := m.targetSlot(key)
	for {
		slot := &m.slots[i]
		x := slot.Load()
		if x>>m.countShift() == 0 {
			if slot.CompareAndSwap(x, record) {
				return int(i)
			}
			continue
		}
		i = (i + 1) & m.mask
	}
}

// incrementAt adds delta to the count stored at slot. The caller must
// already know (from insert) that this slot holds the live record for the
// page/quantum it is updating.
func (m *packedMap) incrementAt(slot int, delta int64) {
	if delta >= 0 {
		m.slots[slot].Add(uint64(delta) << m.countShift())
		return
	}
	m.slots[slot].Add(-(uint64(-delta) << m.countShift()))
}

// decrement finds the slot holding key, decrements its count by one, and
// reports the stored value together with whether the count reached zero.
// ok is false if key is not present. Empty slots do not end the search: a
// slot emptied after key was inserted may lie earlier on key's probe path.
func (m *packedMap) decrement(key uint64) (value uint64, zero bool, ok bool) {
	i := m.targetSlot(key)
	for n := uint64(0); n <= m.mask; n++ {
		x := m.slots[i].Load()
		count := x >> m.countShift()
		if count != 0 && x&m.keyMask() == key {
			old := m.slots[i].Add(-(uint64(1) << m.countShift()))
			oldCount := old >> m.countShift()
			if oldCount == 1 {
				v := (old >> m.keyBits) & m.valMask()
				return v, true, true
			}
			return 0, false, true
		}
		i = (i + 1) & m.mask
	}
	return 0, false, false
}

// liveCount returns the number of occupied slots. Intended for tests and
// diagnostics, not the hot path.
func (m *packedMap) liveCount() int {
	n := 0
	for i := range m.slots {
		if m.slots[i].Load()>>m.countShift() != 0 {
			n++
		}
	}
	return n
}

// countOf returns the count field for key, or 0 if absent. Test/diagnostic
// helper.
func (m *packedMap) countOf(key uint64) uint64 {
	i := m.targetSlot(key)
	for n := uint64(0); n <= m.mask; n++ {
		x := m.slots[i].Load()
		count := x >> m.countShift()
		if count != 0 && x&m.keyMask() == key {
			return count
		}
		i = (i + 1) & m.mask
	}
	return 0
}
