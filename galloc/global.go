package galloc

import (
	"fmt"
	"math/rand/v2"

	"github.com/m-mueller678/osv-alloc-test/frame"
	"github.com/m-mueller678/osv-alloc-test/mem"
	"github.com/m-mueller678/osv-alloc-test/pagemap"
	"github.com/m-mueller678/osv-alloc-test/quantum"
	"github.com/m-mueller678/osv-alloc-test/sysif"
	"github.com/m-mueller678/osv-alloc-test/tinfo"
)

// Global is the process-wide allocator state: one shared physical-frame
// pool, one shared pair of occupancy maps, one shared quantum storage.
// Every Local attached to it coordinates through these, and nothing else.
type Global struct {
	sys sysif.Interface
	cfg Config

	pool    *frame.Pool
	pages   *pagemap.PageMap
	quanta  *pagemap.QuantumMap
	storage *quantum.Storage
}

// New builds a Global backed by sys, ready to have threads Attach to it.
// The physical-frame pool is seeded once here, by draining every frame
// sys is willing to hand out. A Local's cache refill still asks sys for
// more frames when the pool runs short, which only succeeds if sys has
// frames left that it did not hand out here.
func New(sys sysif.Interface, cfg Config) *Global {
	cfg = cfg.withDefaults()
	pool := frame.NewPool()
	pool.DrainSystem(sys)
	return &Global{
		sys:     sys,
		cfg:     cfg,
		pool:    pool,
		pages:   pagemap.NewPageMap(cfg.PageMapSlots),
		quanta:  pagemap.NewQuantumMap(cfg.QuantumMapSlots),
		storage: quantum.NewStorage(sys, cfg.TotalQuanta),
	}
}

// Attach creates a LocalAllocator for the calling thread. It returns
// false if claiming the Local's first quantum fails, either because no
// quantum can be allocated or because no frame is available to map its
// last page.
func (g *Global) Attach() (*Local, bool) {
	l := &Local{
		g:     g,
		rng:   rand.New(rand.NewPCG(tinfo.Next(), tinfo.Next())),
		cache: frame.NewCache(g.sys),
	}
	if err := l.claimQuantum(); err != nil {
		g.notifyOOM(mem.QuantumSize)
		return nil, false
	}
	return l, true
}

func (g *Global) notifyOOM(need mem.Size) {
	fmt.Printf("galloc: allocation failed, need %d bytes\n", need)
	if g.cfg.OOM == nil {
		return
	}
	select {
	case g.cfg.OOM <- OOMNotice{Module: "galloc", Need: need}:
	default:
	}
}
