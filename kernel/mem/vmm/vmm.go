// Package vmm implements the amd64 virtual-address walker: PTE pointer
// derivation via the recursive PML4 mapping, the page directory table
// wrapper, and the hyperspace temporary-mapping slot. Fault servicing and
// frame sourcing live one layer up, in the fault and pfn packages; pfn.Init
// registers a FrameAllocatorFn here (kmain can also install one through
// SetFrameAllocator) so Map can splice in missing intermediate page tables
// on demand.
package vmm

import (
	"ferrite/kernel"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pmm"
)

// frameAllocator is the default physical-frame source used when a caller
// doesn't supply its own (e.g. hyperspace and pool-page installers that
// always draw from the PFN database). Registered once at bring-up.
var frameAllocator FrameAllocatorFn

// SetFrameAllocator registers the function Map/MapTemporary/hyperspace use
// to obtain physical frames for missing intermediate page tables.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// DefaultFrameAllocator returns the allocator registered via
// SetFrameAllocator, or nil if none has been installed yet.
func DefaultFrameAllocator() FrameAllocatorFn {
	return frameAllocator
}

// ReservedZeroedFrame is a single physical frame reserved at bring-up and
// mapped copy-on-write wherever a demand-zero page is referenced before it
// is actually written; see kernel/goruntime's sysMap.
var ReservedZeroedFrame pmm.Frame

// protectReservedZeroedPage is set once ReservedZeroedFrame has been zeroed
// and must never again be mapped writable.
var protectReservedZeroedPage bool

// ReservedZeroedPageProtected reports whether ReservedZeroedFrame has been
// initialized and must be treated as read-only everywhere it's mapped.
func ReservedZeroedPageProtected() bool {
	return protectReservedZeroedPage
}

// ReserveZeroedFrame allocates and zeroes ReservedZeroedFrame via the
// registered frame allocator. Called once during bring-up.
func ReserveZeroedFrame() *kernel.Error {
	var err *kernel.Error

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	}

	tempPage, err := mapTemporaryFn(ReservedZeroedFrame, frameAllocator)
	if err != nil {
		return err
	}

	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	if err := unmapFn(tempPage); err != nil {
		return err
	}

	protectReservedZeroedPage = true
	return nil
}
