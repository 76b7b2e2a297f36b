package kmain

import (
	"ferrite/kernel"
	"ferrite/kernel/cpu"
	"ferrite/kernel/diag"
	"ferrite/kernel/dpc"
	"ferrite/kernel/hal"
	"ferrite/kernel/hal/multiboot"
	"ferrite/kernel/ipi"
	"ferrite/kernel/irq"
	"ferrite/kernel/mem/pfn"
	"ferrite/kernel/mem/pmm"
	"ferrite/kernel/mem/pool"
	"ferrite/kernel/mem/poolva"
	"ferrite/kernel/mem/vmm"
	"ferrite/kernel/ps"
	"ferrite/kernel/sched"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// bootCPUCount is the number of logical CPUs brought into cpu's per-CPU
// block array at Kmain time. Only the bootstrap CPU is started here:
// cpu.BringUpAP exists for additional CPUs discovered via ACPI/MADT, but
// nothing in this tree ships the real-mode trampoline blob BringUpAP
// requires, so callers wanting more than one CPU online must install one
// and invoke BringUpAP themselves once the collaborator contracts named
// in spec §1 are wired up.
const bootCPUCount = 1

// poolVABase is the kernel VA poolva.Init carves its bitmap out of; chosen
// to sit well above the identity-mapped kernel image and any hyperspace
// reservation the recursive PML4 mapping already claims.
const poolVABase = 0xffff_c000_0000_0000

// istPageFaultStack and istDoubleFaultStack select which of the four IST
// stack slots (kernel/cpu's ISTPageFault/ISTDoubleFault) irq.Init wires
// the page-fault and double-fault gates to.
const (
	istPageFaultStack   = cpu.ISTPageFault
	istDoubleFaultStack = cpu.ISTDoubleFault
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	if err := pfn.Init(); err != nil {
		panic(err)
	}
	poolva.Init(poolVABase)
	cpu.InitBlocks(bootCPUCount)
	pool.Init(bootCPUCount)

	vmm.SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
		return pfn.Allocate(pfn.RequestFree)
	})
	if err := vmm.ReserveZeroedFrame(); err != nil {
		panic(err)
	}

	irq.Init(istPageFaultStack, istDoubleFaultStack)
	dpc.Init()
	sched.Init()
	ipi.Init()
	// ps.Init brings up kernel/ob (object types, CID table) before
	// creating the system process.
	ps.Init()
	ps.InitWorkerThreads()
	diag.Init()

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
