// Package frame implements physical-frame lifecycle below the virtual
// quantum layer: a shared, mutex-protected pool of free frames, and a
// per-thread Cache that borrows the storage of the free frames it holds
// to link itself together, needing no heap allocation of its own.
package frame

import (
	"sync"

	"github.com/m-mueller678/osv-alloc-test/mem"
	"github.com/m-mueller678/osv-alloc-test/sysif"
)

// Pool is the shared backstop every thread's Cache draws from and drains
// into. Frames sit in an ordinary slice — nothing here runs hot or
// concurrent enough to need the frame-cache's intrusive trick.
type Pool struct {
	mu     sync.Mutex
	frames []mem.Frame
}

// NewPool returns an empty Pool.
func NewPool() *Pool { return &Pool{} }

func (p *Pool) pushLocked(f mem.Frame) { p.frames = append(p.frames, f) }

func (p *Pool) popLocked() (mem.Frame, bool) {
	n := len(p.frames)
	if n == 0 {
		return 0, false
	}
	f := p.frames[n-1]
	p.frames = p.frames[:n-1]
	return f, true
}

// Push returns a single frame to the pool.
func (p *Pool) Push(f mem.Frame) {
	p.mu.Lock()
	p.pushLocked(f)
	p.mu.Unlock()
}

// Pop removes and returns a single frame, or false if the pool is empty.
func (p *Pool) Pop() (mem.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popLocked()
}

// Len reports the number of frames currently in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// RefillFromSystem asks sys for count additional fresh physical frames
// and adds them to the pool, stopping early and returning false if sys
// cannot supply them all.
func (p *Pool) RefillFromSystem(sys sysif.Interface, count int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < count; i++ {
		f, ok := sys.AllocatePhysical(mem.PageSize, mem.PageSize)
		if !ok {
			return false
		}
		p.pushLocked(f)
	}
	return true
}

// DrainSystem pulls every physical frame sys is willing to hand out, one
// at a time, until AllocatePhysical reports none left, and adds them all
// to the pool. Called once when a pool is created so its size starts at
// the system's total frame count, rather than growing lazily on demand.
func (p *Pool) DrainSystem(sys sysif.Interface) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for {
		f, ok := sys.AllocatePhysical(mem.PageSize, mem.PageSize)
		if !ok {
			break
		}
		p.pushLocked(f)
		n++
	}
	return n
}
