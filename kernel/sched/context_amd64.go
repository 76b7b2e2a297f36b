package sched

import "unsafe"

// restoreContext is the hand-written control-transfer primitive Schedule
// ends on: it loads a suspended thread's saved registers and falls through
// an IRETQ into its trap frame (context_amd64.s). Grounded on the same
// push-registers/IRETQ shape kernel/irq's ISR trampolines use, run in
// reverse; unlike them nothing calls back into Go afterwards, so it never
// returns.
func restoreContext(frame *TrapFrame)

// funcPC extracts the entry address of a Go function value, the same
// trick kernel/irq/stubs_amd64.go uses to hand the IDT a raw code pointer:
// dereferencing a Go func value yields a pointer to a struct whose first
// word is the code address.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}
