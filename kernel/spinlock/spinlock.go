// Package spinlock implements the L1 mutual-exclusion primitive every
// higher layer (DPC queues, PFN lists, scheduler ready queues, and the L6
// synchronization primitives) is built on: a single word acquired with a
// test-and-set loop, coupled to the IRQL manager so that holding one
// always raises IRQL to at least Dispatch (spec §4.2, §9 "Spinlock IRQL
// coupling").
package spinlock

import (
	"sync/atomic"

	"ferrite/kernel/cpu"
	"ferrite/kernel/irql"
)

// Spinlock is a single word. Zero value is unlocked.
type Spinlock struct {
	word uint32
}

const (
	unlocked uint32 = 0
	locked   uint32 = 1
)

// pauseFn is swapped out by tests to avoid spinning on the real PAUSE
// instruction (harmless on a hosted CPU, but kept mockable for symmetry
// with the rest of the tree and so tests can count spin iterations).
var pauseFn = cpu.Pause

// TryRaw attempts to acquire the raw lock word without touching IRQL. It
// is exported for callers that manage their own IRQL discipline, such as
// the DPC dispatcher which raises to High instead of Dispatch around its
// queue manipulation (spec §4.1).
func (l *Spinlock) TryRaw() bool {
	return atomic.CompareAndSwapUint32(&l.word, unlocked, locked)
}

// AcquireRaw spins until the raw lock word is acquired, without touching
// IRQL.
func (l *Spinlock) AcquireRaw() {
	for !l.TryRaw() {
		pauseFn()
	}
}

// ReleaseRaw releases the raw lock word without touching IRQL.
func (l *Spinlock) ReleaseRaw() {
	atomic.StoreUint32(&l.word, unlocked)
}

// Acquire raises the current CPU's IRQL to Dispatch and spins until the
// lock is held, returning the IRQL that was in effect before the raise so
// the caller can pass it to Release.
func (l *Spinlock) Acquire() irql.Level {
	prev := irql.Raise(irql.Dispatch)
	l.AcquireRaw()
	return prev
}

// Release releases the lock and lowers IRQL back to oldLevel.
func (l *Spinlock) Release(oldLevel irql.Level) {
	l.ReleaseRaw()
	irql.Lower(oldLevel)
}

// AcquireAtDPC acquires the lock assuming the caller is already at
// Dispatch or above (the "DPC-level" variant named in spec §4.2); it does
// not touch IRQL.
func (l *Spinlock) AcquireAtDPC() { l.AcquireRaw() }

// ReleaseAtDPC releases the lock without touching IRQL.
func (l *Spinlock) ReleaseAtDPC() { l.ReleaseRaw() }

// Held reports whether the lock is currently held. Intended for assertions
// and tests only.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.word) == locked
}
