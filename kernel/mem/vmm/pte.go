package vmm

import (
	"math"
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pmm"
)

// ErrInvalidMapping is returned when trying to lookup a virtual memory
// address that is not yet mapped.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

const (
	// pageLevels indicates the number of page levels supported by the
	// amd64 architecture (PML4, PDPT, PD, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical memory address pointed to by
	// a page table entry (bits 12-51).
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is the reserved virtual page used for short-lived
	// physical page mappings (hyperspace, pdt bootstrap). Table indices:
	// 510, 511, 511, 511.
	tempMappingAddr = uintptr(0xffffff7ffffff000)
)

var (
	// pdtVirtualAddr exploits the recursive last-PML4-entry mapping: with
	// every page-level index set to the recursive slot, the MMU keeps
	// following that entry back into the PML4 itself.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// PageTableEntryFlag describes a flag applied to a page table entry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the page is resident in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching.
	FlagWriteThroughCaching

	// FlagDoNotCache disables caching for this page.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is written.
	FlagDirty

	// FlagHugePage indicates a 2MiB page instead of the usual 4KiB leaf.
	FlagHugePage

	// FlagGlobal exempts the TLB entry from CR3-switch invalidation.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page for copy-on-write.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks a page as non-executable.
	FlagNoExecute = PageTableEntryFlag(1) << 63
)

// Software-defined bits live in the same range the architecture reserves
// for OS use on an absent PTE (the physical-address and present bits are
// meaningless when FlagPresent is clear, so the whole word is free to
// encode the PTE.Soft view the fault handler decision table consults.
const (
	// SoftDemandZero marks an absent PTE as backed by a zeroed frame to
	// be supplied on first touch.
	SoftDemandZero PageTableEntryFlag = 1 << 1

	// SoftTransition marks an absent PTE whose frame is parked on the
	// PFN database's Standby list and can be reactivated without a full
	// fault-to-VAD lookup.
	SoftTransition PageTableEntryFlag = 1 << 2

	// SoftGuardPage marks an absent PTE as a guard page (kernel-stack
	// understack sentinel); touching it is always fatal.
	SoftGuardPage PageTableEntryFlag = 1 << 3

	// SoftKernelWrite records that a kernel-range demand-zero page should
	// be installed with FlagRW once materialized.
	SoftKernelWrite PageTableEntryFlag = 1 << 4
)

// pageTableEntry describes one page table entry. Bit layout is
// architecture-dependent; amd64 packs a 52-bit physical address plus flag
// bits in the low/high ends of the word.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// pteForAddress returns the final page table entry for a virtual address,
// walking every intermediate level. Returns ErrInvalidMapping if any level
// is absent.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}

// FrameForAddress returns the physical frame backing the present leaf PTE
// for virtAddr. Returns ErrInvalidMapping if any level is absent, the same
// as pteForAddress.
func FrameForAddress(virtAddr uintptr) (pmm.Frame, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}
	return pte.Frame(), nil
}

// IsDirty reports whether the leaf PTE at pteAddr has its dirty bit set.
// pteAddr is the address previously handed out by LeafInfoForAddress (stored by
// higher layers as a PFN entry's reverse mapping); it is not a virtual
// address to look up, it already points at the entry itself.
func IsDirty(pteAddr uintptr) bool {
	return (*pageTableEntry)(ptePtrFn(pteAddr)).HasFlags(FlagDirty)
}

// ptePtrFn is swapped out by tests so walk() can be exercised against a
// fake in-memory page table tree instead of the real recursive mapping.
var ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(entryAddr)
}

// pageTableWalker receives the current page level and entry during a walk.
// Returning false aborts the walk.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for virtAddr via the recursive mapping,
// invoking walkFn once per level.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
	)

	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if ok := walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))); !ok {
			return
		}

		entryAddr <<= pageLevelBits[level]
	}
}
