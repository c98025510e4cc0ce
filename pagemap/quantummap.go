package pagemap

import "github.com/m-mueller678/osv-alloc-test/mem"

// Field widths for QuantumMap's packed word:
// { quantum_index: 24, _unused: 21, count: 4, reserved: 1 }. There is no
// value field — a quantum's record only needs to say "how many huge pages
// within me are mapped", not carry a second address.
const (
	quantumKeyBits = 24
	quantumValBits = 21
	quantumCntBits = 4
)

// QuantumMap tracks, for every virtual quantum a LocalAllocator currently
// holds, how many of its huge pages are mapped.
type QuantumMap struct {
	inner *packedMap
}

// NewQuantumMap allocates a QuantumMap with room for at least numSlots
// concurrently live quanta.
func NewQuantumMap(numSlots int) *QuantumMap {
	return &QuantumMap{inner: newPackedMap(numSlots, quantumKeyBits, quantumValBits, quantumCntBits)}
}

// Insert installs a fresh record for q with the given initial count and
// returns the slot index for later IncrementAt calls.
func (m *QuantumMap) Insert(q mem.Quantum, count uint32) int {
	return m.inner.insert(q.QuantumIndex(), 0, uint64(count))
}

// IncrementAt adjusts the count at a slot previously returned by Insert.
func (m *QuantumMap) IncrementAt(slot int, delta int32) {
	m.inner.incrementAt(slot, int64(delta))
}

// Decrement drops q's count by one and reports whether it reached zero —
// meaning the quantum has no mapped pages left and should be released.
func (m *QuantumMap) Decrement(q mem.Quantum) (zero bool) {
	_, z, found := m.inner.decrement(q.QuantumIndex())
	if !found {
		panic("pagemap: decrement of quantum with no live record")
	}
	return z
}

// CountOf reports the live page count for q, or 0 if it has none.
func (m *QuantumMap) CountOf(q mem.Quantum) uint32 {
	return uint32(m.inner.countOf(q.QuantumIndex()))
}

// LiveCount returns the number of quanta with a positive count.
func (m *QuantumMap) LiveCount() int { return m.inner.liveCount() }
