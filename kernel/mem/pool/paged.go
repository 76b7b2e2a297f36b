package pool

import (
	"ferrite/kernel"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/vad"
	"ferrite/kernel/sync"
)

// pagedPoolStart/pagedPoolEnd bound the kernel VA range AllocatePaged
// draws from. Unlike the nonpaged slabs above, this range backs each VAD
// with demand-paged frames supplied lazily by the page-fault handler
// rather than mapped eagerly at allocation time.
const (
	pagedPoolStart = uintptr(0xffffc00000000000)
	pagedPoolEnd   = uintptr(0xffffc00800000000)
)

// pagedTree is the kernel's own address space: the single VAD tree every
// AllocatePaged/FreePaged call reserves and releases ranges from.
var (
	pagedTree    vad.Tree
	pagedRundown sync.RundownRef
)

// PagedRange returns the bounds of the kernel VA range AllocatePaged draws
// from. kernel/mem/fault uses this to classify an unrecognized kernel-range
// fault as PAGED_POOL_FAULT versus NONPAGED_POOL_FAULT versus PAGE_FAULT.
func PagedRange() (start, end uintptr) { return pagedPoolStart, pagedPoolEnd }

// AllocatePaged reserves size bytes of paged kernel virtual memory,
// returning the base VA of a VAD the page-fault handler will back with
// frames on first touch. Unlike Allocate, nothing is mapped until it is
// actually faulted in.
func AllocatePaged(size mem.Size, flags vad.Flags) (uintptr, *kernel.Error) {
	return pagedTree.Allocate(&pagedRundown, 0, uintptr(size), flags, pagedPoolStart, pagedPoolEnd)
}

// FreePaged releases the paged VAD previously returned by AllocatePaged,
// unmapping and releasing any frames the fault handler had materialized
// for it.
func FreePaged(baseVA uintptr) *kernel.Error {
	return pagedTree.Free(&pagedRundown, baseVA)
}
