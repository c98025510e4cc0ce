// Package simfake is an in-memory stand-in for the host library-OS's
// sysif.Interface, backed by ordinary Go memory instead of real page
// tables and physical RAM. It exists only for tests: it tracks enough
// bookkeeping to catch double-maps, double-unmaps and use of an
// unprepared quantum, without ever touching real hardware.
package simfake

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/m-mueller678/osv-alloc-test/mem"
	"github.com/m-mueller678/osv-alloc-test/sysif"
)

// System is a single simulated machine: a fixed number of physical
// frames and a virtual address space, both handed out by simple bump
// counters, plus a simulated page table and direct map.
type System struct {
	mu sync.Mutex

	nextPhysFrame uint64
	totalFrames   uint64
	freePhys      []mem.Frame

	nextVirtual uintptr

	prepared map[mem.Quantum]bool
	pageTbl  map[mem.Page]mem.Frame
	backing  map[uint64][]byte // frame index -> simulated storage

	flushes atomic.Uint64
}

// New returns a System with totalFrames physical frames and a virtual
// range starting at virtualBase, both available to satisfy
// AllocatePhysical/AllocateVirtual calls.
func New(totalFrames uint64, virtualBase uintptr) *System {
	return &System{
		totalFrames: totalFrames,
		nextVirtual: virtualBase,
		prepared:    map[mem.Quantum]bool{},
		pageTbl:     map[mem.Page]mem.Frame{},
		backing:     map[uint64][]byte{},
	}
}

// Flushes reports how many times GlobalTLBFlush has been called.
func (s *System) Flushes() uint64 { return s.flushes.Load() }

// FreePhysicalFrames reports the number of frames this System has never
// issued at all. Frames returned after being issued are not tracked here;
// this module's own frame.Pool owns that bookkeeping.
func (s *System) FreePhysicalFrames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalFrames - s.nextPhysFrame
}

func (s *System) AllocateVirtual(size mem.Size, align mem.Size) (uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := mem.Roundup(s.nextVirtual, uintptr(align))
	s.nextVirtual = base + uintptr(size)
	return base, true
}

func (s *System) AllocatePhysical(size mem.Size, align mem.Size) (mem.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextPhysFrame >= s.totalFrames {
		return 0, false
	}
	idx := s.nextPhysFrame
	s.nextPhysFrame++
	f := mem.FrameFromIndex(idx)
	s.backing[idx] = make([]byte, size)
	return f, true
}

func (s *System) GlobalTLBFlush() {
	s.flushes.Add(1)
}

func (s *System) PreparePageTable(q mem.Quantum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared[q] = true
}

func (s *System) Map(p mem.Page, f mem.Frame, flags sysif.Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared[p.Quantum()] {
		panic(fmt.Sprintf("simfake: Map(%v) in an unprepared quantum", p))
	}
	if _, already := s.pageTbl[p]; already {
		panic(fmt.Sprintf("simfake: double Map of page %v", p))
	}
	s.pageTbl[p] = f
}

func (s *System) Unmap(p mem.Page) mem.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.pageTbl[p]
	if !ok {
		panic(fmt.Sprintf("simfake: Unmap of page %v that was never mapped", p))
	}
	delete(s.pageTbl, p)
	return f
}

func (s *System) DirectMap(f mem.Frame, size mem.Size) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := f.FrameIndex()
	b, ok := s.backing[idx]
	if !ok || mem.Size(len(b)) < size {
		b = make([]byte, size)
		s.backing[idx] = b
	}
	return b[:size]
}

var _ sysif.Interface = (*System)(nil)
