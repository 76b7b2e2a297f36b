package ps

import (
	"ferrite/kernel"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pfn"
	"ferrite/kernel/mem/pmm"
	"ferrite/kernel/mem/poolva"
	"ferrite/kernel/mem/vmm"
)

// StackSize is a normal kernel stack's usable size; LargeStackSize is the
// "large" variant threads with deep call chains (page-fault servicing,
// diagnostics) ask for instead (spec §4.11 "Kernel-stack allocator").
const (
	StackSize      = 24 * mem.Kb
	LargeStackSize = 96 * mem.Kb
)

// ErrStackExhausted is returned when the nonpaged-pool VA bitmap or the
// frame database cannot satisfy a kernel-stack allocation.
var ErrStackExhausted = &kernel.Error{Module: "ps", Message: "unable to allocate a guard-paged kernel stack"}

// The following are swapped out by tests so the allocator can be exercised
// without a real page table tree or frame database.
var (
	reserveVAFn      = poolva.AllocateContiguous
	releaseVAFn      = poolva.Free
	allocateFrameFn  = func() (pmm.Frame, *kernel.Error) { return pfn.Allocate(pfn.RequestZeroed) }
	releaseFrameFn   = pfn.Release
	mapStackPageFn   = vmm.Map
	unmapStackPageFn = vmm.Unmap
	installGuardFn   = vmm.InstallSoftFlags
	frameAllocatorFn = vmm.DefaultFrameAllocator
	frameForAddrFn   = vmm.FrameForAddress
)

// AllocateKernelStack reserves a guard-paged kernel stack (spec §4.11): a
// one-page guard immediately below `size` bytes of present, zeroed,
// writable pages. Returns the top-of-stack pointer (one past the last
// valid byte, matching a stack that grows down) and the base VA the guard
// page starts at, which FreeKernelStack/DeferKernelStackDeletion need to
// tear it back down.
func AllocateKernelStack(large bool) (top, base uintptr, kerr *kernel.Error) {
	size := uintptr(StackSize)
	if large {
		size = uintptr(LargeStackSize)
	}

	pageCount := uint32(size/uintptr(mem.PageSize)) + 1 // +1 for the guard page
	base, kerr = reserveVAFn(pageCount)
	if kerr != nil {
		return 0, 0, kerr
	}

	if kerr = installGuardFn(base, vmm.SoftGuardPage, frameAllocatorFn()); kerr != nil {
		releaseVAFn(base)
		return 0, 0, kerr
	}

	stackStart := base + uintptr(mem.PageSize)
	stackPages := pageCount - 1

	for i := uint32(0); i < stackPages; i++ {
		va := stackStart + uintptr(i)*uintptr(mem.PageSize)
		frame, err := allocateFrameFn()
		if err != nil {
			freeStackPages(base, stackStart, i)
			return 0, 0, ErrStackExhausted
		}
		if err := mapStackPageFn(vmm.PageFromAddress(va), frame, vmm.FlagRW, frameAllocatorFn()); err != nil {
			releaseFrameFn(frame)
			freeStackPages(base, stackStart, i)
			return 0, 0, err
		}
	}

	return stackStart + size, base, nil
}

// freeStackPages unwinds a partially built stack on an allocation failure,
// and is also FreeKernelStack's full teardown path once every page is
// known present.
func freeStackPages(base, stackStart uintptr, mappedPages uint32) {
	for i := uint32(0); i < mappedPages; i++ {
		va := stackStart + uintptr(i)*uintptr(mem.PageSize)
		if frame, err := frameForAddrFn(va); err == nil {
			unmapStackPageFn(vmm.PageFromAddress(va))
			releaseFrameFn(frame)
		}
	}
	releaseVAFn(base)
}

// FreeKernelStack tears down a stack AllocateKernelStack returned, unmapping
// and releasing every page including the guard. Must never run on the
// stack it is freeing — callers reach this only through the stack-reaper
// thread, never from the thread whose stack it is.
func FreeKernelStack(base uintptr) {
	// The reaper doesn't know which size class base was; freeStackPages
	// only walks pages that were actually mapped (FrameForAddress fails
	// past the stack's real end), so passing the larger bound is safe.
	size := uintptr(LargeStackSize)
	stackStart := base + uintptr(mem.PageSize)
	freeStackPages(base, stackStart, uint32(size/uintptr(mem.PageSize)))
}
