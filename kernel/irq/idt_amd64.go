package irq

import "unsafe"

// idtEntry is one 16-byte amd64 interrupt-gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	istIndex   uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const idtEntries = 256

var idt [idtEntries]idtEntry

// stubTable holds the address of each vector's assembly trampoline. init in
// stubs_amd64.go fills in the page-fault, general-protection and
// double-fault entries via funcPC; every other entry stays 0.
var stubTable [idtEntries]uintptr

// kernelCodeSelector is the GDT selector installed for ring-0 code; set by
// the bring-up sequence before Init runs.
var kernelCodeSelector uint16 = 0x08

const (
	gateTypeInterrupt = 0x8e
)

func setGate(vector int, handler uintptr, istIndex uint8) {
	idt[vector] = idtEntry{
		offsetLow:  uint16(handler),
		selector:   kernelCodeSelector,
		istIndex:   istIndex,
		typeAttr:   gateTypeInterrupt,
		offsetMid:  uint16(handler >> 16),
		offsetHigh: uint32(handler >> 32),
	}
}

// SetKernelCodeSelector overrides the GDT selector used for every gate.
// Called once during bring-up after the GDT is installed.
func SetKernelCodeSelector(selector uint16) {
	kernelCodeSelector = selector
}

// Init builds the IDT from stubTable and loads it via LIDT. Page-fault and
// double-fault vectors are routed through dedicated IST stacks (see
// cpu.Block.IST) so a stack overflow doesn't recurse into the same guard
// page.
func Init(istPageFault, istDoubleFault uint8) {
	for v := 0; v < idtEntries; v++ {
		if stubTable[v] == 0 {
			continue
		}

		ist := uint8(0)
		switch ExceptionNum(v) {
		case PageFaultException:
			ist = istPageFault
		case DoubleFaultException:
			ist = istDoubleFault
		}
		setGate(v, stubTable[v], ist)
	}

	loadIDT(unsafe.Pointer(&idt[0]), uint16(unsafe.Sizeof(idt)-1))
}

// loadIDT issues LIDT against the supplied base/limit pair.
func loadIDT(base unsafe.Pointer, limit uint16)
