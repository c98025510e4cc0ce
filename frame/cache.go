package frame

import (
	"unsafe"

	"github.com/m-mueller678/osv-alloc-test/kerr"
	"github.com/m-mueller678/osv-alloc-test/mem"
	"github.com/m-mueller678/osv-alloc-test/sysif"
)

// releaseThreshold is the cache size above which ReleaseToPool gives
// frames back, always leaving exactly one behind.
const releaseThreshold = 4

// maxInline is how many frame indices fit in a node's inline array once
// the count and next fields are accounted for, filling exactly one frame.
const maxInline = (int(mem.PageSize) - 2*8) / 8

// node is the layout written into a list frame's own storage: a count of
// valid inline entries, the next list frame (as FrameIndex()+1, 0 meaning
// none), and the inline entries themselves.
type node struct {
	count  uint64
	next   uint64
	inline [maxInline]uint64
}

func loadNode(sys sysif.Interface, f mem.Frame) *node {
	b := sys.DirectMap(f, mem.PageSize)
	return (*node)(unsafe.Pointer(&b[0]))
}

// Cache is a per-thread free-frame list whose nodes live inside the free
// frames they track. head is the most recently pushed list frame; size is
// a plain running count kept alongside it purely so StealFromPool and
// ReleaseToPool can make their threshold decisions in O(1).
type Cache struct {
	sys  sysif.Interface
	head mem.Frame
	has  bool
	size int
}

// NewCache returns an empty Cache using sys for direct-mapped access to
// list frames.
func NewCache(sys sysif.Interface) *Cache {
	return &Cache{sys: sys}
}

// Len reports how many frames the cache currently holds.
func (c *Cache) Len() int { return c.size }

// Push adds f to the cache. Never fails: a freshly pushed frame always
// has room for at least one more entry in its own inline array, or
// becomes the new head.
func (c *Cache) Push(f mem.Frame) {
	if c.has {
		h := loadNode(c.sys, c.head)
		if h.count < uint64(maxInline) {
			h.inline[h.count] = f.FrameIndex()
			h.count++
			c.size++
			return
		}
	}
	h := loadNode(c.sys, f)
	h.count = 0
	if c.has {
		h.next = c.head.FrameIndex() + 1
	} else {
		h.next = 0
	}
	c.head = f
	c.has = true
	c.size++
}

// Pop removes and returns a frame from the cache, or false if it is
// empty.
func (c *Cache) Pop() (mem.Frame, bool) {
	if !c.has {
		return 0, false
	}
	h := loadNode(c.sys, c.head)
	if h.count > 0 {
		h.count--
		c.size--
		return mem.FrameFromIndex(h.inline[h.count]), true
	}
	f := c.head
	c.size--
	if h.next == 0 {
		c.has = false
	} else {
		c.head = mem.FrameFromIndex(h.next - 1)
	}
	return f, true
}

// StealFromPool pulls frames out of pool, under its mutex, until the
// cache reaches target entries or the pool runs dry.
func (c *Cache) StealFromPool(pool *Pool, target int) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for c.size < target {
		f, ok := pool.popLocked()
		if !ok {
			return
		}
		c.Push(f)
	}
}

// ReleaseToPool, once the cache holds more than releaseThreshold frames,
// pushes all but one back into pool under its mutex.
func (c *Cache) ReleaseToPool(pool *Pool) {
	if c.size <= releaseThreshold {
		return
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for c.size > 1 {
		f, _ := c.Pop()
		pool.pushLocked(f)
	}
}

// Refill tries to bring the cache up to target frames, first by stealing
// from pool and, if that falls short, by asking sys for fresh physical
// frames to replenish pool. Returns a non-nil error only if the cache
// still falls short of target afterward.
func (c *Cache) Refill(pool *Pool, sys sysif.Interface, target int) *kerr.Error {
	c.StealFromPool(pool, target)
	if c.size >= target {
		return nil
	}
	need := target - c.size
	if !pool.RefillFromSystem(sys, need) {
		return kerr.OutOfPhysicalFrames("frame")
	}
	c.StealFromPool(pool, target)
	if c.size < target {
		return kerr.OutOfPhysicalFrames("frame")
	}
	return nil
}
