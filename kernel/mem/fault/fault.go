// Package fault implements the page-fault handler (spec §4.7): the
// decision table that turns a raw CPU fault into a serviced mapping, an
// access violation reported to the faulting context, or a bugcheck for an
// unrecoverable kernel fault.
package fault

import (
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/cpu"
	"ferrite/kernel/irq"
	"ferrite/kernel/irql"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pfn"
	"ferrite/kernel/mem/pmm"
	"ferrite/kernel/mem/pool"
	"ferrite/kernel/mem/poolva"
	"ferrite/kernel/mem/vad"
	"ferrite/kernel/mem/vmm"
)

// Mode is the privilege level the fault was taken in.
type Mode uint8

const (
	KernelMode Mode = iota
	UserMode
)

// Result is what the fault handler decided (spec §4.7's contract). A
// Result is only meaningful for faults that didn't bugcheck.
type Result uint8

const (
	ResultSuccess Result = iota
	ResultAccessViolation
)

// Error-code bit layout the architecture defines for vector 14 (Intel SDM
// Vol. 3A §4.7).
const (
	bitPresent          uint64 = 1 << 0
	bitWrite            uint64 = 1 << 1
	bitUser             uint64 = 1 << 2
	bitReservedWrite    uint64 = 1 << 3
	bitInstructionFetch uint64 = 1 << 4
)

// kernelRangeStart is the first canonical upper-half virtual address.
// Everything canonical below it is user range.
const kernelRangeStart = uintptr(0xffff800000000000)

var (
	ErrPageFault                = &kernel.Error{Module: "fault", Message: "PAGE_FAULT"}
	ErrKmodeExceptionNotHandled = &kernel.Error{Module: "fault", Message: "KMODE_EXCEPTION_NOT_HANDLED"}
	ErrGuardPageDereference     = &kernel.Error{Module: "fault", Message: "GUARD_PAGE_DEREFERENCE"}
	ErrAttemptedWriteToReadonly = &kernel.Error{Module: "fault", Message: "ATTEMPTED_WRITE_TO_READONLY_MEMORY"}
	ErrNonpagedPoolFault        = &kernel.Error{Module: "fault", Message: "NONPAGED_POOL_FAULT"}
	ErrPagedPoolFault           = &kernel.Error{Module: "fault", Message: "PAGED_POOL_FAULT"}
	ErrIRQLTooHighForFault      = &kernel.Error{Module: "fault", Message: "IRQL_NOT_LESS_OR_EQUAL"}

	// bugcheckFn is swapped out by tests.
	bugcheckFn = kernel.Panic

	// readCR2Fn is swapped out by tests; on real hardware it reads the
	// faulting address CR2 recorded when the exception was taken.
	readCR2Fn = cpu.ReadCR2

	// The following are swapped out by tests so the decision table can be
	// exercised without a real page table or frame database.
	leafInfoForAddressFn = vmm.LeafInfoForAddress
	installLeafFn        = vmm.InstallLeaf
	markDirtyFn          = vmm.MarkDirty
	mapTemporaryFn       = vmm.MapTemporary
	unmapFn              = vmm.Unmap
	pfnAllocateFn        = pfn.Allocate
	pfnActivateFn        = pfn.Activate

	// pfnStandbyMatchFn reports whether frame is on the Standby list with
	// a reverse mapping that still matches pteAddr. Split out of
	// pfn.EntryAt/Entry.MatchesPTE into its own var (rather than returning
	// the *pfn.Entry directly) so tests can stub the verification result
	// without constructing a real frame database.
	pfnStandbyMatchFn = func(frame pmm.Frame, pteAddr uintptr) bool {
		e := pfn.EntryAt(frame)
		return e != nil && e.State() == pfn.StateStandby && e.MatchesPTE(pteAddr)
	}
)

// vadTreeForCurrentFn resolves the faulting process's VAD tree. kernel/ps
// registers it via SetVADTreeSource once process address spaces exist;
// until then every user-range fault reports "no VAD", which is the
// decision table's own answer for that case anyway.
var vadTreeForCurrentFn = func() *vad.Tree { return nil }

// SetVADTreeSource registers the callback Handle uses to resolve the
// current process's VAD tree — the same registration-by-setter idiom
// vmm.SetFrameAllocator and sync.SetSchedulerHooks use to avoid this
// package importing kernel/ps. Called once during bring-up by kernel/ps.
func SetVADTreeSource(fn func() *vad.Tree) {
	vadTreeForCurrentFn = fn
}

// readFileFn reads up to len(buf) bytes at offset from a file-backed VAD's
// handle into buf, returning the number of bytes actually read. The
// filesystem is an external collaborator (spec §1, the same footing as
// the ACPI/LAPIC drivers other packages register callbacks for instead of
// importing); the default reports zero bytes read, which is still the
// correct answer for any range that has no backing bytes at this offset
// (a section's demand-zero tail).
var readFileFn = func(fileHandle uintptr, offset uint64, buf []byte) (int, *kernel.Error) {
	return 0, nil
}

// SetFileReader registers the callback used to page in file-backed VAD
// ranges. Called once a filesystem collaborator exists.
func SetFileReader(fn func(fileHandle uintptr, offset uint64, buf []byte) (int, *kernel.Error)) {
	readFileFn = fn
}

// Init registers Handle as the vector-14 exception handler. Must run once
// during bring-up, after kernel/irq's IDT is installed.
func Init() {
	irq.HandleExceptionWithCode(irq.PageFaultException, dispatch)
}

func dispatch(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	Handle(errorCode, frame, regs)
}

// isCanonical reports whether va is a canonical amd64 address: bits 63:47
// must all equal bit 47.
func isCanonical(va uintptr) bool {
	top := int64(va) >> 47
	return top == 0 || top == -1
}

func isKernelRange(va uintptr) bool { return va >= kernelRangeStart }

// Handle services one page fault (spec §4.7's decision table). frame/regs
// are the trap frame/registers captured at fault time, available for a
// future diagnostics dump; the decision table itself only consumes the
// error code and CR2.
func Handle(errorCode uint64, frame *irq.Frame, regs *irq.Regs) Result {
	faultVA := readCR2Fn()
	mode := KernelMode
	if errorCode&bitUser != 0 {
		mode = UserMode
	}

	if !isCanonical(faultVA) {
		if mode == UserMode {
			return ResultAccessViolation
		}
		bugcheckFn(ErrPageFault)
		return ResultAccessViolation
	}

	info, err := leafInfoForAddressFn(faultVA)

	if errorCode&bitInstructionFetch != 0 && err == nil && info.Flags&vmm.FlagNoExecute != 0 {
		if mode == UserMode {
			return ResultAccessViolation
		}
		bugcheckFn(ErrKmodeExceptionNotHandled)
		return ResultAccessViolation
	}

	if isKernelRange(faultVA) {
		if mode == UserMode {
			return ResultAccessViolation
		}
		return handleKernelRange(faultVA, errorCode, info, err)
	}

	return handleUserRange(faultVA, errorCode)
}

// handleKernelRange resolves every kernel-range row of the decision table.
// Guard-page and already-present cases are resolved before the IRQL check,
// matching spec §4.7's stated ordering: a spinlock-held path legitimately
// touching a recently accessed present page must not be spuriously
// bugchecked just because IRQL happens to be raised.
func handleKernelRange(va uintptr, errorCode uint64, info vmm.LeafInfo, err *kernel.Error) Result {
	if err != nil {
		bugcheckFn(ErrPageFault)
		return ResultAccessViolation
	}

	if info.Flags&vmm.SoftGuardPage != 0 {
		bugcheckFn(ErrGuardPageDereference)
		return ResultAccessViolation
	}

	present := info.Flags&vmm.FlagPresent != 0
	isWrite := errorCode&bitWrite != 0

	if present {
		if isWrite {
			if info.Flags&vmm.FlagRW == 0 {
				bugcheckFn(ErrAttemptedWriteToReadonly)
				return ResultAccessViolation
			}
			markDirtyFn(va)
		}
		return ResultSuccess
	}

	if irql.Current() >= irql.Dispatch {
		bugcheckFn(ErrIRQLTooHighForFault)
		return ResultAccessViolation
	}

	switch {
	case info.Flags&vmm.SoftDemandZero != 0:
		return installDemandZero(va, info.Flags)
	case info.Flags&vmm.SoftTransition != 0:
		return reactivateTransition(va, info)
	default:
		bugcheckFn(poolRegionCause(va))
		return ResultAccessViolation
	}
}

func installDemandZero(va uintptr, flags vmm.PageTableEntryFlag) Result {
	frame, err := pfnAllocateFn(pfn.RequestZeroed)
	if err != nil {
		bugcheckFn(ErrPageFault)
		return ResultAccessViolation
	}

	installFlags := vmm.FlagPresent
	if flags&vmm.SoftKernelWrite != 0 {
		installFlags |= vmm.FlagRW
	}
	if kerr := installLeafFn(va, frame, installFlags, vmm.DefaultFrameAllocator()); kerr != nil {
		bugcheckFn(ErrPageFault)
		return ResultAccessViolation
	}
	return ResultSuccess
}

func reactivateTransition(va uintptr, info vmm.LeafInfo) Result {
	if !pfnStandbyMatchFn(info.Frame, info.Addr) {
		bugcheckFn(ErrPageFault)
		return ResultAccessViolation
	}

	pfnActivateFn(info.Frame, 0, info.Addr)
	if kerr := installLeafFn(va, info.Frame, vmm.FlagPresent|vmm.FlagRW, vmm.DefaultFrameAllocator()); kerr != nil {
		bugcheckFn(ErrPageFault)
		return ResultAccessViolation
	}
	return ResultSuccess
}

// poolRegionCause classifies an unrecognized absent kernel-range PTE by
// which pool region's VA range va falls in, so the bugcheck names the
// responsible allocator.
func poolRegionCause(va uintptr) *kernel.Error {
	if start, end := pool.PagedRange(); va >= start && va < end {
		return ErrPagedPoolFault
	}
	if va >= poolva.Base() && va < poolva.End() {
		return ErrNonpagedPoolFault
	}
	return ErrPageFault
}

// handleUserRange resolves every user-range row of the decision table.
func handleUserRange(va uintptr, errorCode uint64) Result {
	tree := vadTreeForCurrentFn()
	if tree == nil {
		return ResultAccessViolation
	}

	node := tree.Find(va)
	if node == nil {
		return ResultAccessViolation
	}
	if node.Flags&vad.FlagReserved != 0 {
		return ResultAccessViolation
	}

	if irql.Current() >= irql.Dispatch {
		bugcheckFn(ErrIRQLTooHighForFault)
		return ResultAccessViolation
	}

	frame, err := pfnAllocateFn(pfn.RequestZeroed)
	if err != nil {
		bugcheckFn(ErrPageFault)
		return ResultAccessViolation
	}

	if node.Flags&vad.FlagMappedFile != 0 {
		if kerr := pageInFile(node, va, frame); kerr != nil {
			bugcheckFn(ErrPageFault)
			return ResultAccessViolation
		}
	}

	installFlags := vmm.FlagPresent | vmm.FlagUserAccessible | vmm.FlagNoExecute
	if node.Flags&vad.FlagWrite != 0 {
		installFlags |= vmm.FlagRW
	}
	if node.Flags&vad.FlagExecute != 0 {
		installFlags &^= vmm.FlagNoExecute
	}

	if kerr := installLeafFn(va, frame, installFlags, vmm.DefaultFrameAllocator()); kerr != nil {
		bugcheckFn(ErrPageFault)
		return ResultAccessViolation
	}
	return ResultSuccess
}

// pageInFile reads a file-backed VAD's page for va into frame: the bytes
// land in a scratch buffer first, then get copied into frame through a
// hyperspace mapping so the scratch buffer never needs its own frame.
func pageInFile(node *vad.Node, va uintptr, frame pmm.Frame) *kernel.Error {
	offset := node.FileOffset + uint64((va&^uintptr(mem.PageSize-1))-node.StartVA)

	buf := make([]byte, mem.PageSize)
	n, err := readFileFn(node.FileHandle, offset, buf)
	if err != nil {
		return err
	}

	page, err := mapTemporaryFn(frame, vmm.DefaultFrameAllocator())
	if err != nil {
		return err
	}

	mem.Memcopy(uintptr(unsafe.Pointer(&buf[0])), page.Address(), mem.Size(n))
	if n < len(buf) {
		mem.Memset(page.Address()+uintptr(n), 0, mem.Size(len(buf)-n))
	}

	return unmapFn(page)
}
