package sync

import (
	"sync/atomic"

	"ferrite/kernel/cpu"
)

const rundownTeardownBit uint64 = 1 << 63

// rundownPauseFn is swapped out by tests, mirroring spinlock's own pauseFn.
var rundownPauseFn = cpu.Pause

// RundownRef protects a shared resource from being torn down while in use
// (spec §4.2 "Rundown reference"): an atomically-counted reference with an
// irreversible teardown flag in the top bit.
type RundownRef struct {
	count uint64
}

// Acquire takes a reference, failing if teardown has already started.
func (r *RundownRef) Acquire() bool {
	for {
		old := atomic.LoadUint64(&r.count)
		if old&rundownTeardownBit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&r.count, old, old+1) {
			return true
		}
	}
}

// Release gives up a reference taken by Acquire.
func (r *RundownRef) Release() {
	atomic.AddUint64(&r.count, ^uint64(0))
}

// WaitForRelease sets the teardown flag, refusing any further Acquire calls,
// then spins until every outstanding reference has been released.
func (r *RundownRef) WaitForRelease() {
	for {
		old := atomic.LoadUint64(&r.count)
		if old&rundownTeardownBit != 0 {
			break
		}
		if atomic.CompareAndSwapUint64(&r.count, old, old|rundownTeardownBit) {
			break
		}
	}

	for atomic.LoadUint64(&r.count)&^rundownTeardownBit != 0 {
		rundownPauseFn()
	}
}
