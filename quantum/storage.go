package quantum

import (
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/singleflight"

	"github.com/m-mueller678/osv-alloc-test/mem"
	"github.com/m-mueller678/osv-alloc-test/sysif"
)

// maxAllocAttempts bounds how many times Alloc alternates a removal
// attempt with a recycle pass before giving up and reporting OOM.
const maxAllocAttempts = 32

// transferCapacity is how many entries the recycling transfer buffer
// holds before it must be flushed. Each entry packs a level (top 5 bits)
// and a level-0 quantum index (bottom 27 bits) into one uint32, since
// every quantum index fits in 27 bits and Height never exceeds 32.
const transferCapacity = 1024

const quantumIndexBits = 27

// Storage is the per-allocator QuantumStorage: two buddy towers (clean
// "available" quanta ready to hand out, and "dirty" released quanta whose
// mappings may still be live in some CPU's TLB) plus the recycling
// protocol that moves dirty quanta to clean once a global TLB flush has
// retired any stale translations.
type Storage struct {
	sys       sysif.Interface
	available *Tower
	released  *Tower
	recycleSF singleflight.Group
	oomLog    func(format string, args ...any)
}

// NewStorage builds a Storage managing totalQuanta quanta, all initially
// available, drawn from sys for the global TLB flush.
func NewStorage(sys sysif.Interface, totalQuanta uint64) *Storage {
	s := &Storage{
		sys:       sys,
		available: NewTower(totalQuanta),
		released:  NewTower(totalQuanta),
	}
	s.available.FillAvailable(totalQuanta)
	s.oomLog = func(format string, args ...any) { fmt.Printf("quantum: "+format+"\n", args...) }
	return s
}

// Alloc removes a free run of 2^level quanta from the available tower,
// recycling dirty quanta back in between attempts. It gives up and
// reports OOM only after maxAllocAttempts rounds.
func (s *Storage) Alloc(level int, rng *rand.Rand) (mem.Quantum, bool) {
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		if q, ok := s.available.Remove(level, rng); ok {
			return mem.QuantumFromIndex(q), true
		}
		s.recycle()
	}
	s.oomLog("out of virtual quanta after %d attempts at level %d", maxAllocAttempts, level)
	return 0, false
}

// DeallocClean returns a run of 2^level quanta directly to the available
// tower. Used when no page within the run was ever mapped, so there is no
// possibility of a stale TLB entry.
func (s *Storage) DeallocClean(level int, q mem.Quantum) {
	s.available.Insert(level, q.QuantumIndex())
}

// DeallocDirty returns a run of 2^level quanta to the released tower,
// where it waits for a recycle pass to promote it to available once a
// global TLB flush has happened.
func (s *Storage) DeallocDirty(level int, q mem.Quantum) {
	s.released.Insert(level, q.QuantumIndex())
}

// recycle drains every dirty quantum run into available, via one global
// TLB flush. Concurrent callers collapse onto a single in-flight drain
// through singleflight, so a caller that loses the race still observes
// the winner's completed work instead of redoing it or racing it.
func (s *Storage) recycle() {
	s.recycleSF.Do("recycle", func() (any, error) {
		s.doRecycle()
		return nil, nil
	})
}

func (s *Storage) doRecycle() {
	buf := make([]uint32, 0, transferCapacity)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		s.sys.GlobalTLBFlush()
		for _, enc := range buf {
			level := int(enc >> quantumIndexBits)
			qIdx := uint64(enc & ((1 << quantumIndexBits) - 1))
			s.available.Insert(level, qIdx)
		}
		buf = buf[:0]
	}
	for level := 0; level < Height; level++ {
		s.released.drainLevel(level, func(blockIdx uint64) {
			qIdx := blockIdx << uint(level)
			buf = append(buf, uint32(level)<<quantumIndexBits|uint32(qIdx))
			if len(buf) >= transferCapacity {
				flush()
			}
		})
	}
	flush()
}

// TotalFree reports the combined free quanta across both towers, for
// tests checking conservation across alloc/dealloc/recycle cycles.
func (s *Storage) TotalFree() uint64 {
	return s.available.totalFreeQuanta() + s.released.totalFreeQuanta()
}
