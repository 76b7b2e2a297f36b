package vmm

import (
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pmm"
)

// ErrIntermediateNotPresent is returned when an intermediate (non-leaf)
// page-table level has no PTE installed, so the leaf cannot be reached at
// all. kernel/mem/fault has no recovery for this beyond treating it the
// same as any other unmapped address.
var ErrIntermediateNotPresent = &kernel.Error{Module: "vmm", Message: "intermediate page table level not present"}

// LeafInfo describes a leaf PTE regardless of whether FlagPresent is set:
// its own address (the reverse-mapping token kernel/mem/pfn's Activate and
// IsDirty consume), its flag word, and the frame number it encodes (valid
// even on an absent Transition PTE, which keeps the frame number in the
// same bits a present PTE would).
type LeafInfo struct {
	Addr  uintptr
	Flags PageTableEntryFlag
	Frame pmm.Frame
}

// LeafInfoForAddress walks to virtAddr's leaf PTE and returns it whether or
// not it is present — unlike FrameForAddress/pteForAddress, which only
// resolve present mappings. It fails only if an intermediate level is
// absent, which the page-fault handler treats as an unmapped address.
func LeafInfoForAddress(virtAddr uintptr) (LeafInfo, *kernel.Error) {
	var (
		info LeafInfo
		err  *kernel.Error
	)

	walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level < pageLevels-1 && !pte.HasFlags(FlagPresent) {
			err = ErrIntermediateNotPresent
			return false
		}
		if level == pageLevels-1 {
			info = LeafInfo{
				Addr:  uintptr(unsafe.Pointer(pte)),
				Flags: PageTableEntryFlag(*pte),
				Frame: pte.Frame(),
			}
		}
		return true
	})

	return info, err
}

// MarkDirty sets the Dirty bit on virtAddr's leaf PTE and invalidates its
// TLB entry (spec §4.7's kernel-range write-to-present-read-write case).
func MarkDirty(virtAddr uintptr) {
	walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			pte.SetFlags(FlagDirty)
			flushTLBEntryFn(virtAddr)
			return false
		}
		return true
	})
}

// InstallLeaf installs frame at virtAddr's leaf PTE with flags, replacing
// any software-only bookkeeping flags that were there before (demand-zero
// and transition markers are one-shot). It is the page-fault handler's
// entry point into Map, which already knows how to splice in a missing
// intermediate table via allocFn; the fault handler only ever targets
// addresses whose intermediate tables were allocated when the range was
// reserved, so allocFn is not expected to be called here in practice.
func InstallLeaf(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	return Map(PageFromAddress(virtAddr), frame, flags, allocFn)
}

// InstallSoftFlags splices in any missing intermediate page tables for
// virtAddr (the same as Map) but leaves the leaf itself absent, only OR-ing
// the given software-defined bits onto it. kernel/ps uses this to mark a
// kernel stack's understack page SoftGuardPage without ever mapping a frame
// there, so touching it always takes the absent-PTE fault path.
func InstallSoftFlags(virtAddr uintptr, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.SetFlags(flags)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			newTableFrame, err = allocFn()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			nextTableAddr := (uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1])
			mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}
