package galloc

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/m-mueller678/osv-alloc-test/frame"
	"github.com/m-mueller678/osv-alloc-test/kerr"
	"github.com/m-mueller678/osv-alloc-test/mem"
	"github.com/m-mueller678/osv-alloc-test/sysif"
)

// Local is the per-thread allocator: a bump pointer descending through
// the huge pages of a single owned quantum, backed by an intrusive frame
// cache, plus a large-allocation path for requests bigger than half a
// quantum. A Local must never be shared between threads.
type Local struct {
	g     *Global
	rng   *rand.Rand
	cache *frame.Cache

	minAddress mem.Quantum
	bump       uintptr

	currentQuantum     mem.Quantum
	currentQuantumSlot int

	currentPage     mem.Page
	currentPageSlot int
}

func containingPage(addr uintptr) mem.Page {
	return mem.Page(mem.Rounddown(addr, uintptr(mem.PageSize)))
}

// refillTarget never asks the cache for fewer than the configured
// steady-state target, so a small straddling allocation doesn't force a
// pool-mutex round trip for every single frame it needs.
func (l *Local) refillTarget(need int) int {
	if need < l.g.cfg.FrameCacheTarget {
		return l.g.cfg.FrameCacheTarget
	}
	return need
}

// wrappingLess reports whether a comes before b in the cyclic, wrapping
// sense: true exactly when the unsigned subtraction a-b, reinterpreted as
// signed, is negative. Used to detect bump-pointer underflow past the
// current quantum's base without a separate overflow check.
func wrappingLess(a, b uintptr) bool {
	return int64(a-b) < 0
}

// claimQuantum reserves a fresh quantum from the shared storage, maps its
// last huge page, and makes it the Local's current quantum/page.
func (l *Local) claimQuantum() *kerr.Error {
	q, ok := l.g.storage.Alloc(0, l.rng)
	if !ok {
		return kerr.OutOfVirtualQuanta("galloc")
	}
	if err := l.cache.Refill(l.g.pool, l.g.sys, l.refillTarget(1)); err != nil {
		l.g.storage.DeallocClean(0, q)
		return err
	}
	f, _ := l.cache.Pop()

	l.g.sys.PreparePageTable(q)
	lastPage := q.LastPage()
	l.g.sys.Map(lastPage, f, sysif.FlagRead|sysif.FlagWrite)

	l.minAddress = q
	l.bump = q.End()
	l.currentQuantum = q
	l.currentQuantumSlot = l.g.quanta.Insert(q, 1)
	l.currentPage = lastPage
	l.currentPageSlot = l.g.pages.Insert(lastPage, f, 1)
	return nil
}

// releasePageHold drops the allocator's own holding reference on p. If
// that was the last live reference, the frame returns to the cache and,
// if p's quantum now has no mapped pages left either, the quantum is
// released as dirty.
func (l *Local) releasePageHold(p mem.Page) {
	f, zero := l.g.pages.Decrement(p)
	if !zero {
		return
	}
	l.cache.Push(f)
	l.g.sys.Unmap(p)
	if l.g.quanta.Decrement(p.Quantum()) {
		l.g.storage.DeallocDirty(0, p.Quantum())
	}
}

// allocBump serves every request of size ≤ half a quantum: the bump and
// large path threshold. align must be a power of two.
func (l *Local) allocBump(size, align mem.Size) (uintptr, bool) {
	for {
		aligned := mem.Rounddown(l.bump, uintptr(align))
		newBump := aligned - uintptr(size)
		if wrappingLess(newBump, uintptr(l.minAddress)) {
			l.releasePageHold(l.currentPage)
			if err := l.claimQuantum(); err != nil {
				l.g.notifyOOM(size)
				return 0, false
			}
			continue
		}

		minPage := containingPage(newBump)
		if minPage == l.currentPage {
			l.g.pages.IncrementAt(l.currentPageSlot, 1)
			l.bump = newBump
			return newBump, true
		}

		// Only the pages the allocation itself touches, [minPage, maxPage],
		// are counted, and of those only the ones below oldCurrentPage get
		// freshly mapped. If the allocation reaches into oldCurrentPage, the
		// allocator's holding reference there becomes the allocation's own
		// reference. Alignment padding below oldCurrentPage that the bump
		// pointer jumped over but the allocation never reaches is left
		// unmapped: nothing will ever dereference it, and mapping it would
		// hold its frame forever with no dealloc able to find and release it.
		oldCurrentPage := l.currentPage
		maxPage := containingPage(aligned - 1)
		lastNewPage := maxPage
		if maxPage == oldCurrentPage {
			lastNewPage = oldCurrentPage.Add(-1)
		}
		pagesNeeded := int(lastNewPage.PageIndex() - minPage.PageIndex() + 1)
		if err := l.cache.Refill(l.g.pool, l.g.sys, l.refillTarget(l.cache.Len()+pagesNeeded)); err != nil {
			l.g.notifyOOM(size)
			return 0, false
		}

		newPages := int32(0)
		for p := minPage; ; p = p.Add(1) {
			f, _ := l.cache.Pop()
			l.g.sys.Map(p, f, sysif.FlagRead|sysif.FlagWrite)
			count := uint32(1)
			if p == minPage {
				count = 2
			}
			slot := l.g.pages.Insert(p, f, count)
			if p == minPage {
				l.currentPageSlot = slot
			}
			newPages++
			if p == lastNewPage {
				break
			}
		}
		l.g.quanta.IncrementAt(l.currentQuantumSlot, newPages)

		if maxPage != oldCurrentPage {
			l.releasePageHold(oldCurrentPage)
		}

		l.currentPage = minPage
		l.bump = newBump
		return newBump, true
	}
}

func (l *Local) deallocBump(ptr uintptr, size mem.Size) {
	first := containingPage(ptr)
	last := containingPage(ptr + uintptr(size) - 1)
	for p := first; ; p = p.Add(1) {
		if f, zero := l.g.pages.Decrement(p); zero {
			l.cache.Push(f)
			l.g.sys.Unmap(p)
			if l.g.quanta.Decrement(p.Quantum()) {
				l.g.storage.DeallocDirty(0, p.Quantum())
			}
		}
		if p == last {
			break
		}
	}
	l.cache.ReleaseToPool(l.g.pool)
}

// largeLevel returns the smallest buddy-tower level whose 2^level-quanta
// run covers size bytes.
func largeLevel(size mem.Size) int {
	quanta := size.Quanta()
	level := 0
	for (uint64(1) << uint(level)) < quanta {
		level++
	}
	return level
}

func (l *Local) allocLarge(size mem.Size) (uintptr, bool) {
	level := largeLevel(size)
	q, ok := l.g.storage.Alloc(level, l.rng)
	if !ok {
		l.g.notifyOOM(size)
		return 0, false
	}
	l.g.sys.PreparePageTable(q)

	frameCount := size.Pages()
	mapped := make([]mem.Page, 0, frameCount)
	for i := uint64(0); i < frameCount; i++ {
		if l.cache.Len() == 0 {
			if err := l.cache.Refill(l.g.pool, l.g.sys, l.refillTarget(1)); err != nil {
				l.unwindLarge(mapped, level, q)
				l.g.notifyOOM(size)
				return 0, false
			}
		}
		f, _ := l.cache.Pop()
		p := q.Base().Add(int64(i))
		l.g.sys.Map(p, f, sysif.FlagRead|sysif.FlagWrite)
		mapped = append(mapped, p)
	}
	return uintptr(q.Base()), true
}

func (l *Local) unwindLarge(mapped []mem.Page, level int, q mem.Quantum) {
	for _, p := range mapped {
		f := l.g.sys.Unmap(p)
		l.g.pool.Push(f)
	}
	l.g.storage.DeallocClean(level, q)
}

func (l *Local) deallocLarge(ptr uintptr, size mem.Size) {
	q := mem.Quantum(mem.Rounddown(ptr, uintptr(mem.QuantumSize)))
	level := largeLevel(size)
	frameCount := size.Pages()
	for i := uint64(0); i < frameCount; i++ {
		p := q.Base().Add(int64(i))
		f := l.g.sys.Unmap(p)
		l.cache.Push(f)
	}
	l.cache.ReleaseToPool(l.g.pool)
	l.g.storage.DeallocDirty(level, q)
}

// zeroSizeCounter hands out distinct, never-mapped addresses for
// size-zero allocations, each aligned to the request's alignment.
var zeroSizeCounter atomic.Uint64

// zeroSizeBase sits well above any address this allocator ever maps,
// so size-zero pointers can never alias a real allocation.
const zeroSizeBase = uintptr(1) << 63

func zeroSizeAlloc(align mem.Size) uintptr {
	step := uint64(align)
	if step == 0 {
		step = 1
	}
	for {
		old := zeroSizeCounter.Load()
		next := mem.Roundup(old+1, step)
		if zeroSizeCounter.CompareAndSwap(old, next) {
			return zeroSizeBase + uintptr(next)
		}
	}
}

// Alloc returns a pointer to size bytes aligned to align (a power of
// two), or false if the request cannot be satisfied.
func (l *Local) Alloc(size, align mem.Size) (uintptr, bool) {
	if size == 0 {
		return zeroSizeAlloc(align), true
	}
	if size > mem.QuantumSize/2 {
		return l.allocLarge(size)
	}
	return l.allocBump(size, align)
}

// Free releases a pointer previously returned by Alloc with the same
// size.
func (l *Local) Free(ptr uintptr, size mem.Size) {
	if size == 0 || ptr >= zeroSizeBase {
		return
	}
	if size > mem.QuantumSize/2 {
		l.deallocLarge(ptr, size)
		return
	}
	l.deallocBump(ptr, size)
}

// Detach releases the Local's resources: the holding reference on its
// current page (and, transitively, its current quantum if nothing else
// keeps it alive) and every frame still sitting in its cache. Any
// pointers the thread allocated and never freed remain valid; they are
// tracked by the shared occupancy maps, not by this Local.
func (l *Local) Detach() {
	l.releasePageHold(l.currentPage)
	for {
		f, ok := l.cache.Pop()
		if !ok {
			break
		}
		l.g.pool.Push(f)
	}
}
