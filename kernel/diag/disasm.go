package diag

import (
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// unsafeBytesAt views length bytes starting at virtAddr as a Go slice
// without copying. Only called from readFaultBytesFn's default, real
// binding.
func unsafeBytesAt(virtAddr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(virtAddr)), length)
}

// readFaultBytesFn reads length bytes starting at virtAddr. Swapped out by
// tests; in production it is the identity cast of a mapped VA to a Go
// byte slice, which is only ever safe because BugCheckEx only calls it
// with interrupts disabled on a stopped system.
var readFaultBytesFn = func(virtAddr uintptr, length int) []byte {
	return unsafeBytesAt(virtAddr, length)
}

// maxInstructionBytes is the longest possible x86-64 instruction encoding.
const maxInstructionBytes = 15

// DisassembleAt decodes the single instruction at virtAddr and renders it
// in AT&T/GNU syntax, the way objdump and the original's debugger console
// both present faulting code. Returns ok=false if the bytes don't decode
// to a valid instruction.
func DisassembleAt(virtAddr uintptr) (text string, ok bool) {
	if virtAddr == 0 {
		return "", false
	}
	src := readFaultBytesFn(virtAddr, maxInstructionBytes)
	if len(src) == 0 {
		return "", false
	}
	inst, err := x86asm.Decode(src, 64)
	if err != nil {
		return "", false
	}
	return x86asm.GNUSyntax(inst, uint64(virtAddr), nil), true
}
