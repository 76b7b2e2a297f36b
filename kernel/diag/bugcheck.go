// Package diag implements the kernel's stop path: the bugcheck catalogue
// and fatal-error report, an instruction disassembler for the faulting
// RIP, and a scheduler-timing sample recorder, none of which spec.md's
// distillation names but which every one of the pack's kernels carries
// alongside its bugcheck/panic mechanism.
package diag

import (
	"ferrite/kernel"
	"ferrite/kernel/cpu"
	"ferrite/kernel/ipi"
	"ferrite/kernel/irql"
	"ferrite/kernel/kfmt/early"
)

// StopCode identifies a bugcheck's cause, matching the original's
// enum _BUGCHECK_CODES (core/me/bugcheck.c) so the parameter table below
// carries the same per-code meaning the original documents.
type StopCode uint32

const (
	DivideByZero StopCode = iota
	SingleStep
	NonMaskableInterrupt
	Breakpoint
	Overflow
	BoundsCheck
	InvalidOpcode
	NoCoprocessor
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentSelectorNotPresent
	StackSegmentOverrun
	GeneralProtectionFault
	PageFault
	Reserved
	FloatingPointError
	AlignmentCheck
	SevereMachineCheck
	MemoryMapSizeOverrun
	ManuallyInitiatedCrash
	BadPaging
	NullPointerDereference
	IRQLNotLessOrEqual
	InvalidIRQLSupplied
	NullCtxReceived
	ThreadExitFailure
	MemoryLimitReached
	HeapAllocationFailed
	NullThread
	FatalIRQLCorruption
	ThreadIDCreationFailure
	AssertionFailure
	FrameAllocationFailed
	MemoryInvalidFree
	MemoryCorruptHeader
	MemoryDoubleFree
	MemoryCorruptFooter
	GuardPageDereference
	IRQLNotGreaterOrEqual
	KernelStackOverflown
	BadPoolCaller
	KModeExceptionNotHandled
	AttemptedSwitchFromDPC
)

// stopCodeNames mirrors resolveStopCode's switch in the original
// bugcheck.c, trimmed to the codes this kernel can actually raise.
var stopCodeNames = map[StopCode]string{
	DivideByZero:              "DIVIDE_BY_ZERO",
	SingleStep:                "SINGLE_STEP",
	NonMaskableInterrupt:      "NON_MASKABLE_INTERRUPT",
	Breakpoint:                "BREAKPOINT",
	Overflow:                  "OVERFLOW",
	BoundsCheck:               "BOUNDS_CHECK",
	InvalidOpcode:             "INVALID_OPCODE",
	NoCoprocessor:             "NO_COPROCESSOR",
	DoubleFault:               "DOUBLE_FAULT",
	CoprocessorSegmentOverrun: "COPROCESSOR_SEGMENT_OVERRUN",
	InvalidTSS:                "INVALID_TSS",
	SegmentSelectorNotPresent: "SEGMENT_SELECTOR_NOTPRESENT",
	StackSegmentOverrun:       "STACK_SEGMENT_OVERRUN",
	GeneralProtectionFault:    "GENERAL_PROTECTION_FAULT",
	PageFault:                 "PAGE_FAULT",
	Reserved:                  "RESERVED",
	FloatingPointError:        "FLOATING_POINT_ERROR",
	AlignmentCheck:            "ALIGNMENT_CHECK",
	SevereMachineCheck:        "SEVERE_MACHINE_CHECK",
	MemoryMapSizeOverrun:      "MEMORY_MAP_SIZE_OVERRUN",
	ManuallyInitiatedCrash:    "MANUALLY_INITIATED_CRASH",
	BadPaging:                 "BAD_PAGING",
	NullPointerDereference:    "NULL_POINTER_DEREFERENCE",
	IRQLNotLessOrEqual:        "IRQL_NOT_LESS_OR_EQUAL",
	InvalidIRQLSupplied:       "INVALID_IRQL_SUPPLIED",
	NullCtxReceived:           "NULL_CTX_RECEIVED",
	ThreadExitFailure:         "THREAD_EXIT_FAILURE",
	MemoryLimitReached:        "MEMORY_LIMIT_REACHED",
	HeapAllocationFailed:      "HEAP_ALLOCATION_FAILED",
	NullThread:                "NULL_THREAD",
	FatalIRQLCorruption:       "FATAL_IRQL_CORRUPTION",
	ThreadIDCreationFailure:   "THREAD_ID_CREATION_FAILURE",
	AssertionFailure:          "ASSERTION_FAILURE",
	FrameAllocationFailed:     "FRAME_ALLOCATION_FAILED",
	MemoryInvalidFree:         "MEMORY_INVALID_FREE",
	MemoryCorruptHeader:       "MEMORY_CORRUPT_HEADER",
	MemoryDoubleFree:          "MEMORY_DOUBLE_FREE",
	MemoryCorruptFooter:       "MEMORY_CORRUPT_FOOTER",
	GuardPageDereference:      "GUARD_PAGE_DEREFERENCE",
	IRQLNotGreaterOrEqual:     "IRQL_NOT_GREATER_OR_EQUAL",
	KernelStackOverflown:      "KERNEL_STACK_OVERFLOWN",
	BadPoolCaller:             "BAD_POOL_CALLER",
	KModeExceptionNotHandled:  "KMODE_EXCEPTION_NOT_HANDLED",
	AttemptedSwitchFromDPC:    "ATTEMPTED_SWITCH_FROM_DPC",
}

func (c StopCode) String() string {
	if name, ok := stopCodeNames[c]; ok {
		return name
	}
	return "UNKNOWN_BUGCHECK_CODE"
}

// Record is the fatal-error snapshot BugCheckEx assembles before halting,
// and the payload bugreport.Render serializes.
type Record struct {
	Code       StopCode
	Parameters [4]uintptr
	IRQL       irql.Level
	CPU        cpu.ID
	ThreadID   uint64
	FaultRIP   uintptr
	FaultBytes []byte
}

var (
	// smpOnlineFn/haltFn/currentThreadIDFn are swapped out by tests. In
	// production smpOnlineFn reports whether other CPUs have been brought
	// up (SendActionToCPUsAndWait is only meaningful once they have), and
	// currentThreadIDFn is registered by kernel/ps so this package never
	// has to import it back (ps already imports sched; diag sits beside
	// both, not above them).
	smpOnlineFn       = func() bool { return cpu.Count() > 1 }
	haltFn            = cpu.Halt
	currentThreadIDFn = func() uint64 { return ^uint64(0) }

	// verboseReportFn is set by bugreport.go's init under the
	// verbosebugcheck build tag; nil otherwise, so the plain-text report
	// above is the only output on a default build.
	verboseReportFn func(Record)
)

// SetCurrentThreadIDFn lets kernel/ps register how BugCheck reports which
// thread was running when the stop happened, without diag importing ps.
func SetCurrentThreadIDFn(fn func() uint64) { currentThreadIDFn = fn }

// BugCheck halts the system with no extra parameters (spec §7's fatal
// path, core/me/bugcheck.c's MeBugCheck).
func BugCheck(code StopCode) {
	BugCheckEx(code, 0, 0, 0, 0)
}

// BugCheckEx gracefully crashes the system: it disables interrupts, stops
// every other CPU via an IPI broadcast, prints the stop code and its four
// parameters, disassembles the faulting instruction if one was supplied in
// Parameter1, and halts forever (core/me/bugcheck.c's MeBugCheckEx).
func BugCheckEx(code StopCode, p1, p2, p3, p4 uintptr) {
	cpu.DisableInterrupts()
	if smpOnlineFn() {
		ipi.SendActionToCPUsAndWait(ipi.Stop, ipi.Parameter{})
	}

	early.Printf("\n-----------------------------------\n")
	early.Printf("*** STOP CODE: %s (0x%x) ***\n", code.String(), uint32(code))
	early.Printf("Parameter 1: 0x%x\n", p1)
	early.Printf("Parameter 2: 0x%x\n", p2)
	early.Printf("Parameter 3: 0x%x\n", p3)
	early.Printf("Parameter 4: 0x%x\n", p4)
	early.Printf("Current IRQL: %d\n", irql.Current())
	early.Printf("Current Thread ID: %d\n", currentThreadIDFn())

	if code == GeneralProtectionFault || code == PageFault || code == InvalidOpcode {
		if text, ok := DisassembleAt(p1); ok {
			early.Printf("Faulting instruction: %s\n", text)
		}
	}
	early.Printf("-----------------------------------\n")

	if verboseReportFn != nil {
		verboseReportFn(Record{
			Code:       code,
			Parameters: [4]uintptr{p1, p2, p3, p4},
			IRQL:       irql.Current(),
			CPU:        cpu.Current().ID,
			ThreadID:   currentThreadIDFn(),
			FaultRIP:   p1,
		})
	}

	for {
		haltFn()
		cpu.Pause()
	}
}

// FromKernelError maps a *kernel.Error raised elsewhere in the kernel onto
// the closest matching stop code, so callers that only have an *Error
// (irql, sync, ps, ...) can still reach BugCheck's full reporting path
// instead of kernel.Panic's plain halt.
func FromKernelError(err *kernel.Error) StopCode {
	if name, ok := errModuleStopCodes[err.Module]; ok {
		return name
	}
	return AssertionFailure
}

var errModuleStopCodes = map[string]StopCode{
	"irql": IRQLNotLessOrEqual,
	"ps":   NullThread,
	"pool": BadPoolCaller,
	"vmm":  PageFault,
}
