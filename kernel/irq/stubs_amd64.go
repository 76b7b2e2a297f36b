package irq

import "unsafe"

// isrPageFault, isrGPF, and isrDoubleFault are the assembly trampolines for
// the page-fault, general-protection and double-fault vectors (see
// idt_amd64.s). No other vector has a trampoline; init below leaves their
// stubTable entries 0.
func isrPageFault()
func isrGPF()
func isrDoubleFault()

// dispatchWithCodeTrampoline is called from the assembly stubs with the
// vector number in DI; it recovers the error code/frame/regs the stub
// pushed and forwards to DispatchWithCode.
func dispatchWithCodeTrampoline(vector uint8, errorCode uint64, frame *Frame, regs *Regs) {
	DispatchWithCode(vector, errorCode, frame, regs)
}

// funcPC extracts the entry address of a Go function value. Go function
// values are pointers to a struct whose first word is the code address;
// dereferencing it is the standard trick for bridging a no-body asm
// function declaration into a plain code pointer the IDT can point at.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

func init() {
	stubTable[PageFaultException] = funcPC(isrPageFault)
	stubTable[GPFException] = funcPC(isrGPF)
	stubTable[DoubleFaultException] = funcPC(isrDoubleFault)
}
