package cpu

import (
	"sync/atomic"
	"unsafe"
)

// ID identifies a logical CPU. The bootstrap CPU is always ID 0.
type ID uint32

// InvalidLAPICID marks a Block whose local APIC ID has not been filled in
// yet (e.g. before ACPI enumeration completes).
const InvalidLAPICID uint32 = 0xffffffff

// Block is the per-CPU control block addressed via GS-base (spec §3, L0).
// One instance exists per logical CPU and is never destroyed once brought
// up. Fields owned by higher layers (scheduler, DPC dispatcher, pool
// allocator) are NOT embedded here — see the package doc comment — callers
// reach them through cpu.ID-indexed slices in those packages.
type Block struct {
	// ID is this CPU's logical index, matching the slot used by every
	// per-CPU slice in other packages.
	ID ID

	// LAPICID is the architectural local APIC ID reported by ACPI/MADT.
	LAPICID uint32

	// CurrentIRQL holds the software IRQL for this CPU (0..31). Only the
	// irql package writes this field; it is exported so that diag/bugcheck
	// can read it without an import cycle.
	CurrentIRQL uint32

	// LAPICMMIOVirt is the virtual address the LAPIC's MMIO registers are
	// mapped at on this CPU (identical across CPUs in practice, kept
	// per-CPU because the contract in spec §1 treats the LAPIC driver as
	// an external collaborator that could vary it).
	LAPICMMIOVirt uintptr

	// RSP0 is the ring-0 stack pointer installed in the TSS, restored on
	// every privilege-level transition back to ring 0.
	RSP0 uintptr

	// IST holds the four interrupt-stack-table stack tops used by the
	// page-fault, double-fault, timer and IPI gates (spec §3).
	IST [4]uintptr

	// online is set to 1 once this CPU has completed bring-up and is
	// eligible for work-stealing and IPI delivery.
	online uint32

	// ReadyQueue, DPCQueue, IdleThread, IPIMailbox, and LookasidePools are
	// opaque back-pointers to the per-CPU state spec.md §3 assigns to the
	// per-CPU block: the scheduler's ready queue, the DPC queue, the idle
	// thread, the IPI mailbox, and the pool allocator's lookaside slabs.
	// Each is owned, typed, and indexed by its own package (kernel/sched,
	// kernel/dpc, kernel/ipi, kernel/mem/pool) rather than embedded here
	// directly — embedding would force this package to import all of
	// them — and installed once during that package's Init via the
	// matching SetXxx call below, so Block remains the single addressable
	// per-CPU location every layer can reach without its own lookup.
	ReadyQueue     unsafe.Pointer
	DPCQueue       unsafe.Pointer
	IdleThread     unsafe.Pointer
	IPIMailbox     unsafe.Pointer
	LookasidePools unsafe.Pointer
}

// SetReadyQueue installs the scheduler's ready-queue pointer for this CPU.
// Called once by kernel/sched's Init.
func (b *Block) SetReadyQueue(p unsafe.Pointer) { b.ReadyQueue = p }

// SetDPCQueue installs the DPC dispatcher's queue pointer for this CPU.
// Called once by kernel/dpc's Init.
func (b *Block) SetDPCQueue(p unsafe.Pointer) { b.DPCQueue = p }

// SetIdleThread installs the scheduler's idle-thread pointer for this CPU.
// Called once by kernel/sched's Init.
func (b *Block) SetIdleThread(p unsafe.Pointer) { b.IdleThread = p }

// SetIPIMailbox installs the inter-processor mailbox pointer for this CPU.
// Called once by kernel/ipi's Init.
func (b *Block) SetIPIMailbox(p unsafe.Pointer) { b.IPIMailbox = p }

// SetLookasidePools installs the pool allocator's per-CPU slab-array
// pointer for this CPU. Called once by kernel/mem/pool's Init.
func (b *Block) SetLookasidePools(p unsafe.Pointer) { b.LookasidePools = p }

// IST slot indices.
const (
	ISTPageFault = iota
	ISTDoubleFault
	ISTTimer
	ISTIPI
)

// MarkOnline flags this CPU as eligible to receive IPIs and stolen work.
func (b *Block) MarkOnline() { atomic.StoreUint32(&b.online, 1) }

// Online reports whether this CPU has completed bring-up.
func (b *Block) Online() bool { return atomic.LoadUint32(&b.online) == 1 }

var (
	blocks    []*Block
	blocksLen uint32
)

// InitBlocks allocates the fixed-size array of per-CPU blocks used by the
// whole kernel. It must be called exactly once, early in bring-up, after
// the number of usable logical CPUs has been determined (normally via the
// ACPI/MADT collaborator named in spec §1).
func InitBlocks(count uint32) []*Block {
	blocks = make([]*Block, count)
	for i := range blocks {
		blocks[i] = &Block{ID: ID(i), LAPICID: InvalidLAPICID}
	}
	atomic.StoreUint32(&blocksLen, count)
	return blocks
}

// Count returns the number of logical CPUs registered via InitBlocks.
func Count() uint32 { return atomic.LoadUint32(&blocksLen) }

// Get returns the Block for a given CPU index. It does not bounds-check in
// release builds beyond what a slice index does; callers are expected to
// stay within [0, Count()).
func Get(id ID) *Block { return blocks[id] }

// All returns every registered per-CPU block, bootstrap CPU first.
func All() []*Block { return blocks }
