// Package sysif defines the boundary between the allocator core and the
// host library-OS: raw frame/virtual-range supply, page-table
// manipulation, and the global TLB flush. Production implementations of
// this interface live outside this module, next to the kernel's paging
// code; this package only states the contract the core depends on.
package sysif

import "github.com/m-mueller678/osv-alloc-test/mem"

// Flags describe the access permissions installed by Map.
type Flags uint

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExec
)

// Interface is the contract the allocator core consumes. Every method may
// be called concurrently from multiple goroutines/threads unless noted
// otherwise; implementations must provide their own internal locking.
type Interface interface {
	// AllocateVirtual reserves size bytes of virtual address space
	// aligned to align (which is always >= mem.QuantumSize) and returns
	// its base address. The returned range is owned exclusively by the
	// allocator until the process exits; it is never returned to the
	// host. The allocator core itself never calls this: it derives every
	// quantum's address from its index over one fixed range the host
	// reserves up front (base address 0 in this module), so an
	// implementation is only expected to honor this method if some other
	// caller needs a disjoint virtual reservation from the same host.
	AllocateVirtual(size mem.Size, align mem.Size) (uintptr, bool)

	// AllocatePhysical reserves size bytes of physical memory aligned to
	// align, supporting at least mem.PageSize and 4 KiB granularities.
	AllocatePhysical(size mem.Size, align mem.Size) (mem.Frame, bool)

	// GlobalTLBFlush invalidates every CPU's TLB and returns only after
	// every CPU has completed the invalidation.
	GlobalTLBFlush()

	// PreparePageTable populates the intermediate page-table entries
	// covering the given quantum so that every huge page within it can
	// later be mapped individually without further allocation. Must be
	// idempotent.
	PreparePageTable(q mem.Quantum)

	// Map installs a single huge-page mapping.
	Map(p mem.Page, f mem.Frame, flags Flags)

	// Unmap removes a single huge-page mapping and returns the frame
	// that had been mapped there.
	Unmap(p mem.Page) mem.Frame

	// DirectMap returns a byte slice over size bytes of f through the
	// host's permanent direct map of all physical memory, without
	// installing any new page-table mapping of its own. The allocator
	// core uses this to read and write intrusive free-list headers
	// stored inside otherwise-free frames.
	DirectMap(f mem.Frame, size mem.Size) []byte
}
