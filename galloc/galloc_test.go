package galloc

import (
	"sync"
	"testing"

	"github.com/m-mueller678/osv-alloc-test/mem"
	"github.com/m-mueller678/osv-alloc-test/sysif/simfake"
)

func newTestGlobal(t *testing.T, totalFrames, totalQuanta uint64) (*Global, *simfake.System) {
	t.Helper()
	sys := simfake.New(totalFrames, 0x1000_0000_0000)
	g := New(sys, Config{TotalQuanta: totalQuanta, FrameCacheTarget: 4})
	return g, sys
}

func TestAllocFreeSmallRoundTrip(t *testing.T) {
	g, _ := newTestGlobal(t, 256, 64)
	l, ok := g.Attach()
	if !ok {
		t.Fatal("Attach failed")
	}
	defer l.Detach()

	const n = 5000
	ptrs := make([]uintptr, n)
	for i := range ptrs {
		p, ok := l.Alloc(64, 8)
		if !ok {
			t.Fatalf("Alloc failed on object %d", i)
		}
		if p%8 != 0 {
			t.Fatalf("pointer %#x not 8-aligned", p)
		}
		ptrs[i] = p
	}
	for _, p := range ptrs {
		l.Free(p, 64)
	}
}

func TestBumpClaimsQuantumExactlyOnce(t *testing.T) {
	g, _ := newTestGlobal(t, 256, 64)
	l, ok := g.Attach()
	if !ok {
		t.Fatal("Attach failed")
	}
	defer l.Detach()

	startQuantum := l.currentQuantum
	// Drive cumulative allocations to slightly more than one quantum's
	// worth of bytes, in chunks small enough that the sequence crosses
	// several page boundaries.
	const chunk = mem.Size(256 * 1024)
	total := mem.Size(0)
	claims := 0
	for total < mem.QuantumSize+chunk {
		if _, ok := l.Alloc(chunk, 8); !ok {
			t.Fatalf("Alloc failed after %d bytes", total)
		}
		total += chunk
		if l.currentQuantum != startQuantum {
			claims++
			startQuantum = l.currentQuantum
		}
	}
	if claims != 1 {
		t.Fatalf("claimed a new quantum %d times, want exactly 1", claims)
	}
}

func TestSizeDispatchAlignmentGuarantees(t *testing.T) {
	g, _ := newTestGlobal(t, 4096, 64)
	l, ok := g.Attach()
	if !ok {
		t.Fatal("Attach failed")
	}
	defer l.Detach()

	large, ok := l.Alloc(24*mem.Mb, 8)
	if !ok {
		t.Fatal("24 MiB alloc failed")
	}
	if large%uintptr(mem.QuantumSize) != 0 {
		t.Fatalf("large-path pointer %#x is not quantum-aligned", large)
	}

	medium, ok := l.Alloc(8*mem.Mb, 8)
	if !ok {
		t.Fatal("8 MiB alloc failed")
	}
	if medium%uintptr(mem.PageSize) != 0 {
		t.Fatalf("half-quantum alloc pointer %#x is not page-aligned", medium)
	}

	small, ok := l.Alloc(128, 32)
	if !ok {
		t.Fatal("128 B alloc failed")
	}
	if small%32 != 0 {
		t.Fatalf("small-path pointer %#x is not 32-aligned", small)
	}

	l.Free(large, 24*mem.Mb)
	l.Free(medium, 8*mem.Mb)
	l.Free(small, 128)
}

func TestZeroSizeAllocIsNonDereferenceableAndUnique(t *testing.T) {
	g, _ := newTestGlobal(t, 64, 16)
	l, ok := g.Attach()
	if !ok {
		t.Fatal("Attach failed")
	}
	defer l.Detach()

	a, _ := l.Alloc(0, 8)
	b, _ := l.Alloc(0, 8)
	if a == b {
		t.Fatal("two size-0 allocations returned the same pointer")
	}
	if a%8 != 0 || b%8 != 0 {
		t.Fatal("size-0 allocation did not honor alignment")
	}
	l.Free(a, 0) // must be a no-op, not a panic
	l.Free(b, 0)
}

func TestConcurrentAttachAllocFree(t *testing.T) {
	g, _ := newTestGlobal(t, 8192, 256)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, ok := g.Attach()
			if !ok {
				t.Error("Attach failed")
				return
			}
			defer l.Detach()
			var ptrs []uintptr
			for j := 0; j < 300; j++ {
				p, ok := l.Alloc(512, 8)
				if !ok {
					t.Error("Alloc failed under contention")
					return
				}
				ptrs = append(ptrs, p)
			}
			for _, p := range ptrs {
				l.Free(p, 512)
			}
		}()
	}
	wg.Wait()
}

func TestPageCountConservationAfterFullFree(t *testing.T) {
	const totalFrames = 512
	g, _ := newTestGlobal(t, totalFrames, 64)
	l, ok := g.Attach()
	if !ok {
		t.Fatal("Attach failed")
	}

	var ptrs []uintptr
	sizes := []mem.Size{128, 4096, 256 * 1024, 9 * mem.Mb}
	for i, s := range sizes {
		for j := 0; j < 20; j++ {
			p, ok := l.Alloc(s, 8)
			if !ok {
				t.Fatalf("Alloc(%d) failed on size %d, rep %d", s, i, j)
			}
			ptrs = append(ptrs, p)
		}
	}
	for i, p := range ptrs {
		l.Free(p, sizes[i/20])
	}
	l.Detach()

	if got := g.pool.Len(); got != totalFrames {
		t.Fatalf("pool has %d frames after draining everything, want %d", got, totalFrames)
	}
	if got := g.storage.TotalFree(); got != g.cfg.TotalQuanta {
		t.Fatalf("storage has %d free quanta, want %d", got, g.cfg.TotalQuanta)
	}
}
