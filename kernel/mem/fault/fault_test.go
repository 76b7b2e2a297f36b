package fault

import (
	"testing"
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/cpu"
	"ferrite/kernel/irql"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pfn"
	"ferrite/kernel/mem/pmm"
	"ferrite/kernel/mem/vad"
	"ferrite/kernel/mem/vmm"
	"ferrite/kernel/sync"
)

// setup installs a mocked current-CPU block (so irql.Current reads a
// controllable IRQL) and records any bugcheck instead of panicking the
// test process.
func setup(t *testing.T) (blk *cpu.Block, bugchecks *[]*kernel.Error) {
	t.Helper()
	cpu.InitBlocks(1)
	blk = cpu.Get(0)
	origCurrent := cpu.CurrentFn
	cpu.CurrentFn = func() *cpu.Block { return blk }

	calls := &[]*kernel.Error{}
	origBugcheck := bugcheckFn
	bugcheckFn = func(e interface{}) {
		err, _ := e.(*kernel.Error)
		*calls = append(*calls, err)
	}

	origCR2 := readCR2Fn
	origLeaf := leafInfoForAddressFn
	origInstall := installLeafFn
	origMarkDirty := markDirtyFn
	origMapTemp := mapTemporaryFn
	origUnmap := unmapFn
	origAlloc := pfnAllocateFn
	origStandbyMatch := pfnStandbyMatchFn
	origActivate := pfnActivateFn
	origVAD := vadTreeForCurrentFn
	origReadFile := readFileFn

	t.Cleanup(func() {
		cpu.CurrentFn = origCurrent
		bugcheckFn = origBugcheck
		readCR2Fn = origCR2
		leafInfoForAddressFn = origLeaf
		installLeafFn = origInstall
		markDirtyFn = origMarkDirty
		mapTemporaryFn = origMapTemp
		unmapFn = origUnmap
		pfnAllocateFn = origAlloc
		pfnStandbyMatchFn = origStandbyMatch
		pfnActivateFn = origActivate
		vadTreeForCurrentFn = origVAD
		readFileFn = origReadFile
	})

	return blk, calls
}

const (
	testKernelVA = uintptr(0xffff888000001000)
	testUserVA   = uintptr(0x0000000000401000)
	nonCanonical = uintptr(0x0000800000000000)
)

func TestHandleNonCanonicalAddressBugchecksInKernelMode(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return nonCanonical }

	result := Handle(0, nil, nil)

	if result != ResultAccessViolation {
		t.Fatalf("expected access violation, got %v", result)
	}
	if len(*bugchecks) != 1 || (*bugchecks)[0] != ErrPageFault {
		t.Fatalf("expected one ErrPageFault bugcheck, got %v", *bugchecks)
	}
}

func TestHandleNonCanonicalAddressInUserModeIsOnlyAccessViolation(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return nonCanonical }

	result := Handle(bitUser, nil, nil)

	if result != ResultAccessViolation {
		t.Fatalf("expected access violation, got %v", result)
	}
	if len(*bugchecks) != 0 {
		t.Fatalf("expected no bugcheck for a user-mode fault, got %v", *bugchecks)
	}
}

func TestHandleKernelRangeWriteToPresentReadWritePageMarksDirty(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return testKernelVA }

	var dirtied uintptr
	markDirtyFn = func(va uintptr) { dirtied = va }
	leafInfoForAddressFn = func(uintptr) (vmm.LeafInfo, *kernel.Error) {
		return vmm.LeafInfo{Flags: vmm.FlagPresent | vmm.FlagRW}, nil
	}

	result := Handle(bitWrite, nil, nil)

	if result != ResultSuccess {
		t.Fatalf("expected success, got %v", result)
	}
	if dirtied != testKernelVA {
		t.Fatalf("expected dirty bit set on %#x, got %#x", testKernelVA, dirtied)
	}
	if len(*bugchecks) != 0 {
		t.Fatalf("expected no bugcheck, got %v", *bugchecks)
	}
}

func TestHandleKernelRangeWriteToReadonlyPresentPageBugchecks(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return testKernelVA }
	leafInfoForAddressFn = func(uintptr) (vmm.LeafInfo, *kernel.Error) {
		return vmm.LeafInfo{Flags: vmm.FlagPresent}, nil
	}

	result := Handle(bitWrite, nil, nil)

	if result != ResultAccessViolation {
		t.Fatalf("expected access violation, got %v", result)
	}
	if len(*bugchecks) != 1 || (*bugchecks)[0] != ErrAttemptedWriteToReadonly {
		t.Fatalf("expected ErrAttemptedWriteToReadonly, got %v", *bugchecks)
	}
}

func TestHandleKernelRangeGuardPageBugchecksBeforeIRQLCheck(t *testing.T) {
	blk, bugchecks := setup(t)
	blk.CurrentIRQL = uint32(irql.Dispatch)
	readCR2Fn = func() uintptr { return testKernelVA }
	leafInfoForAddressFn = func(uintptr) (vmm.LeafInfo, *kernel.Error) {
		return vmm.LeafInfo{Flags: vmm.SoftGuardPage}, nil
	}

	result := Handle(0, nil, nil)

	if result != ResultAccessViolation {
		t.Fatalf("expected access violation, got %v", result)
	}
	if len(*bugchecks) != 1 || (*bugchecks)[0] != ErrGuardPageDereference {
		t.Fatalf("expected ErrGuardPageDereference even at raised IRQL, got %v", *bugchecks)
	}
}

func TestHandleKernelRangeAbsentAtRaisedIRQLBugchecksIRQL(t *testing.T) {
	blk, bugchecks := setup(t)
	blk.CurrentIRQL = uint32(irql.Dispatch)
	readCR2Fn = func() uintptr { return testKernelVA }
	leafInfoForAddressFn = func(uintptr) (vmm.LeafInfo, *kernel.Error) {
		return vmm.LeafInfo{Flags: vmm.SoftDemandZero}, nil
	}

	result := Handle(0, nil, nil)

	if result != ResultAccessViolation {
		t.Fatalf("expected access violation, got %v", result)
	}
	if len(*bugchecks) != 1 || (*bugchecks)[0] != ErrIRQLTooHighForFault {
		t.Fatalf("expected ErrIRQLTooHighForFault, got %v", *bugchecks)
	}
}

func TestHandleKernelRangeDemandZeroInstallsFrame(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return testKernelVA }
	leafInfoForAddressFn = func(uintptr) (vmm.LeafInfo, *kernel.Error) {
		return vmm.LeafInfo{Flags: vmm.SoftDemandZero | vmm.SoftKernelWrite}, nil
	}
	pfnAllocateFn = func(pfn.RequestKind) (pmm.Frame, *kernel.Error) { return pmm.Frame(7), nil }

	var installedFlags vmm.PageTableEntryFlag
	installLeafFn = func(va uintptr, frame pmm.Frame, flags vmm.PageTableEntryFlag, _ vmm.FrameAllocatorFn) *kernel.Error {
		installedFlags = flags
		return nil
	}

	result := Handle(0, nil, nil)

	if result != ResultSuccess {
		t.Fatalf("expected success, got %v", result)
	}
	if installedFlags&vmm.FlagRW == 0 {
		t.Fatalf("expected SoftKernelWrite to translate to FlagRW, got %v", installedFlags)
	}
	if len(*bugchecks) != 0 {
		t.Fatalf("expected no bugcheck, got %v", *bugchecks)
	}
}

func TestHandleKernelRangeTransitionReactivatesMatchingStandbyFrame(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return testKernelVA }
	leafInfoForAddressFn = func(uintptr) (vmm.LeafInfo, *kernel.Error) {
		return vmm.LeafInfo{Flags: vmm.SoftTransition, Frame: pmm.Frame(3), Addr: 0x1234}, nil
	}

	pfnStandbyMatchFn = func(frame pmm.Frame, pteAddr uintptr) bool {
		return frame == pmm.Frame(3) && pteAddr == 0x1234
	}
	activated := false
	pfnActivateFn = func(pmm.Frame, uintptr, uintptr) { activated = true }
	installLeafFn = func(uintptr, pmm.Frame, vmm.PageTableEntryFlag, vmm.FrameAllocatorFn) *kernel.Error { return nil }

	result := Handle(0, nil, nil)

	if result != ResultSuccess {
		t.Fatalf("expected success, got %v", result)
	}
	if !activated {
		t.Fatalf("expected Activate to be called")
	}
	if len(*bugchecks) != 0 {
		t.Fatalf("expected no bugcheck, got %v", *bugchecks)
	}
}

func TestHandleKernelRangeTransitionMismatchedPTEBugchecks(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return testKernelVA }
	leafInfoForAddressFn = func(uintptr) (vmm.LeafInfo, *kernel.Error) {
		return vmm.LeafInfo{Flags: vmm.SoftTransition, Frame: pmm.Frame(3), Addr: 0x1234}, nil
	}

	pfnStandbyMatchFn = func(pmm.Frame, uintptr) bool { return false }

	result := Handle(0, nil, nil)

	if result != ResultAccessViolation {
		t.Fatalf("expected access violation, got %v", result)
	}
	if len(*bugchecks) != 1 || (*bugchecks)[0] != ErrPageFault {
		t.Fatalf("expected ErrPageFault on PTE mismatch, got %v", *bugchecks)
	}
}

func TestHandleKernelRangeUnrecognizedAbsentPTEClassifiesByPoolRegion(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return testKernelVA }
	leafInfoForAddressFn = func(uintptr) (vmm.LeafInfo, *kernel.Error) {
		return vmm.LeafInfo{Flags: 0}, nil
	}

	result := Handle(0, nil, nil)

	if result != ResultAccessViolation {
		t.Fatalf("expected access violation, got %v", result)
	}
	if len(*bugchecks) != 1 {
		t.Fatalf("expected exactly one bugcheck, got %v", *bugchecks)
	}
}

func TestHandleUserRangeNoVADIsAccessViolation(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return testUserVA }
	vadTreeForCurrentFn = func() *vad.Tree { return nil }

	result := Handle(bitUser, nil, nil)

	if result != ResultAccessViolation {
		t.Fatalf("expected access violation, got %v", result)
	}
	if len(*bugchecks) != 0 {
		t.Fatalf("expected no bugcheck for a missing VAD, got %v", *bugchecks)
	}
}

func TestHandleUserRangeReservedVADIsAccessViolation(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return testUserVA }

	var tree vad.Tree
	var rundown sync.RundownRef
	tree.Allocate(&rundown, testUserVA, 0x1000, vad.FlagReserved, testUserVA, testUserVA+0x2000)
	vadTreeForCurrentFn = func() *vad.Tree { return &tree }

	result := Handle(bitUser, nil, nil)

	if result != ResultAccessViolation {
		t.Fatalf("expected access violation, got %v", result)
	}
	if len(*bugchecks) != 0 {
		t.Fatalf("expected no bugcheck for a reserved VAD, got %v", *bugchecks)
	}
}

func TestHandleUserRangeAnonymousVADInstallsZeroedFrame(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return testUserVA }

	var tree vad.Tree
	var rundown sync.RundownRef
	tree.Allocate(&rundown, testUserVA, 0x1000, vad.FlagWrite, testUserVA, testUserVA+0x2000)
	vadTreeForCurrentFn = func() *vad.Tree { return &tree }

	pfnAllocateFn = func(pfn.RequestKind) (pmm.Frame, *kernel.Error) { return pmm.Frame(9), nil }

	var installedFlags vmm.PageTableEntryFlag
	installLeafFn = func(va uintptr, frame pmm.Frame, flags vmm.PageTableEntryFlag, _ vmm.FrameAllocatorFn) *kernel.Error {
		installedFlags = flags
		return nil
	}

	result := Handle(bitUser, nil, nil)

	if result != ResultSuccess {
		t.Fatalf("expected success, got %v", result)
	}
	if installedFlags&vmm.FlagUserAccessible == 0 {
		t.Fatalf("expected user-accessible flag, got %v", installedFlags)
	}
	if installedFlags&vmm.FlagRW == 0 {
		t.Fatalf("expected writable VAD to install FlagRW, got %v", installedFlags)
	}
	if installedFlags&vmm.FlagNoExecute == 0 {
		t.Fatalf("expected non-executable VAD to keep FlagNoExecute, got %v", installedFlags)
	}
	if len(*bugchecks) != 0 {
		t.Fatalf("expected no bugcheck, got %v", *bugchecks)
	}
}

func TestHandleUserRangeFileBackedVADReadsThroughTemporaryMapping(t *testing.T) {
	_, bugchecks := setup(t)
	readCR2Fn = func() uintptr { return testUserVA }

	var tree vad.Tree
	var rundown sync.RundownRef
	tree.Allocate(&rundown, testUserVA, 0x1000, vad.FlagMappedFile, testUserVA, testUserVA+0x2000)
	vadTreeForCurrentFn = func() *vad.Tree { return &tree }

	pfnAllocateFn = func(pfn.RequestKind) (pmm.Frame, *kernel.Error) { return pmm.Frame(9), nil }

	scratch := make([]byte, mem.PageSize)
	var readOffset uint64
	readFileFn = func(handle uintptr, offset uint64, buf []byte) (int, *kernel.Error) {
		readOffset = offset
		copy(buf, []byte{1, 2, 3, 4})
		return 4, nil
	}
	mapTemporaryFn = func(pmm.Frame, vmm.FrameAllocatorFn) (vmm.Page, *kernel.Error) {
		return vmm.PageFromAddress(uintptr(unsafe.Pointer(&scratch[0]))), nil
	}
	unmapFn = func(vmm.Page) *kernel.Error { return nil }
	installLeafFn = func(uintptr, pmm.Frame, vmm.PageTableEntryFlag, vmm.FrameAllocatorFn) *kernel.Error { return nil }

	result := Handle(bitUser, nil, nil)

	if result != ResultSuccess {
		t.Fatalf("expected success, got %v", result)
	}
	if readOffset != 0 {
		t.Fatalf("expected read offset 0 for the first page of the VAD, got %d", readOffset)
	}
	if len(*bugchecks) != 0 {
		t.Fatalf("expected no bugcheck, got %v", *bugchecks)
	}
}
