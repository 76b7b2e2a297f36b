// Package cpu provides the lowest layer of the executive: architectural
// primitives (interrupt gating, TLB control, the task-priority register)
// and the per-CPU block that every higher layer is addressed through.
//
// Higher layers (dpc, sched, pool, ...) do not embed their state inside
// Block — that would force this package to import all of them. Instead
// each such package keeps its own slice indexed by cpu.ID, sized by
// cpu.Count(), the same registration-by-function-variable style the
// teacher uses for vmm.SetFrameAllocator.
package cpu

import "unsafe"

// EnableInterrupts enables interrupt handling (sets the architectural IF
// flag).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (clears IF).
func DisableInterrupts()

// InterruptsEnabled reports whether IF is currently set.
func InterruptsEnabled() bool

// Halt stops instruction execution until the next interrupt.
func Halt()

// Pause emits the architectural spin-wait hint (PAUSE).
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// WriteTPR writes the local APIC's task-priority register (MMIO offset
// 0x80 from lapicVirt). The IRQL manager uses this to gate which interrupt
// vectors may be delivered.
func WriteTPR(lapicVirt uintptr, value uint8)

// ReadTPR reads the local APIC's task-priority register.
func ReadTPR(lapicVirt uintptr) uint8

// RequestSoftwareInterrupt raises a self-targeted interrupt at the given
// vector, used to schedule DPC retirement.
func RequestSoftwareInterrupt(vector uint8)

// ReadGSBase returns the value of the GS segment base register, used to
// address the current CPU's Block without any global synchronization.
func ReadGSBase() uintptr

// WriteGSBase sets the GS segment base register to point at a Block.
func WriteGSBase(addr uintptr)

// WriteDebugRegister and ClearDebugRegisters back the IPI debug-register
// actions (spec §4.9, grounded on original_source's
// core/md/debugfunctions.c).
func WriteDebugRegister(index uint8, value uintptr)
func ClearDebugRegisters()

// SendIPI issues a directed interprocessor interrupt to the target APIC ID
// at the given vector via the local APIC's ICR; lapicVirt is the MMIO base
// installed by the current Block.
func SendIPI(lapicVirt uintptr, targetAPICID uint32, vector uint8)

// SendInitIPI and SendStartupIPI issue the INIT and Startup legs of the
// application-processor bring-up sequence (grounded on
// original_source's core/mh/smp.c send_startup_ipis). BringUpAP is the
// only caller; most code should never need these directly.
func SendInitIPI(lapicVirt uintptr, targetAPICID uint32)
func SendStartupIPI(lapicVirt uintptr, targetAPICID uint32, vector uint8)

// CurrentFn is swapped out by tests throughout the kernel tree so that
// per-CPU state can be exercised without the real RDGSBASE instruction,
// which faults outside ring 0. Production code never reassigns it.
var CurrentFn = currentBlock

func currentBlock() *Block {
	return (*Block)(unsafe.Pointer(ReadGSBase()))
}

// Current returns the Block for the CPU executing this call, addressed via
// GS-base with no locking.
func Current() *Block {
	return CurrentFn()
}
