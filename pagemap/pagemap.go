package pagemap

import "github.com/m-mueller678/osv-alloc-test/mem"

// Field widths for PageMap's packed word:
// { page_index: 27, frame_index: 20, count: 16, reserved: 1 }.
const (
	pageKeyBits = 27
	pageValBits = 20
	pageCntBits = 16
)

// PageMap tracks, for every currently-mapped huge page, how many live
// allocations are backed by it and which physical frame backs it.
type PageMap struct {
	inner *packedMap
}

// NewPageMap allocates a PageMap with room for at least numSlots
// concurrently live pages. Capacity must stay a power of two strictly
// greater than the maximum number of pages the caller will ever have
// mapped at once; the open-addressed probe never terminates otherwise.
func NewPageMap(numSlots int) *PageMap {
	return &PageMap{inner: newPackedMap(numSlots, pageKeyBits, pageValBits, pageCntBits)}
}

// Insert installs a fresh record for page, backed by frame, with the
// given initial count, and returns the slot index so the caller can reuse
// it for IncrementAt while page remains its current page.
func (m *PageMap) Insert(page mem.Page, frame mem.Frame, count uint32) int {
	return m.inner.insert(page.PageIndex(), frame.FrameIndex(), uint64(count))
}

// IncrementAt adjusts the count at a slot previously returned by Insert.
// delta may be negative. The caller is responsible for knowing that slot
// still holds the record for the page it installed.
func (m *PageMap) IncrementAt(slot int, delta int32) {
	m.inner.incrementAt(slot, int64(delta))
}

// Decrement drops page's count by one. If the count reaches zero, the
// page's backing frame is returned and zero is true, signalling that the
// page should be unmapped and the frame reclaimed.
func (m *PageMap) Decrement(page mem.Page) (frame mem.Frame, zero bool) {
	v, z, found := m.inner.decrement(page.PageIndex())
	if !found {
		panic("pagemap: decrement of page with no live record")
	}
	if !z {
		return 0, false
	}
	return mem.FrameFromIndex(v), true
}

// CountOf reports the live count for page, or 0 if it has none. Intended
// for tests and invariant checks, not the hot allocation path.
func (m *PageMap) CountOf(page mem.Page) uint32 {
	return uint32(m.inner.countOf(page.PageIndex()))
}

// LiveCount returns the number of pages with a positive count.
func (m *PageMap) LiveCount() int { return m.inner.liveCount() }
