// Package tinfo assigns each attached thread a unique identity, used to
// seed its LocalAllocator's PRNG so concurrent threads scan the buddy
// tower from different starting points.
package tinfo

import "sync/atomic"

var nextID atomic.Uint64

// Next returns a fresh, process-wide unique identity. Safe for concurrent
// use from any number of goroutines.
func Next() uint64 {
	return nextID.Add(1)
}
