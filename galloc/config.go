// Package galloc is the allocator's public surface: Global owns the
// shared physical-frame pool, occupancy maps and quantum storage; Local
// is the per-thread bump/large allocator attached to it. There is no C
// ABI here — Go callers construct a Global and Attach Locals to it
// directly.
package galloc

import "github.com/m-mueller678/osv-alloc-test/mem"

// Config tunes a Global's capacity and bookkeeping. Zero-valued fields
// fall back to defaults sized for a modest virtual/physical range; see
// withDefaults.
type Config struct {
	// TotalQuanta is the number of 16 MiB quanta in the managed virtual
	// range. Zero defaults to 1<<16 quanta (1 TiB).
	TotalQuanta uint64

	// PageMapSlots and QuantumMapSlots size the occupancy maps. Each
	// must stay a power of two (rounded up if not) strictly greater
	// than the expected number of concurrently live entries. Zero
	// defaults to 1<<16 page slots and 1<<12 quantum slots.
	PageMapSlots    int
	QuantumMapSlots int

	// FrameCacheTarget is how many frames a Local's cache tries to keep
	// on hand via refill. Zero defaults to 8.
	FrameCacheTarget int

	// OOM, if non-nil, receives a best-effort, non-blocking notification
	// whenever an allocation fails for lack of physical frames or
	// virtual quanta.
	OOM chan<- OOMNotice
}

// OOMNotice is sent on Config.OOM when a request cannot be satisfied.
type OOMNotice struct {
	Module string
	Need   mem.Size
}

func (c Config) withDefaults() Config {
	if c.TotalQuanta == 0 {
		c.TotalQuanta = 1 << 16
	}
	if c.PageMapSlots == 0 {
		c.PageMapSlots = 1 << 16
	}
	if c.QuantumMapSlots == 0 {
		c.QuantumMapSlots = 1 << 12
	}
	if c.FrameCacheTarget == 0 {
		c.FrameCacheTarget = 8
	}
	return c
}
