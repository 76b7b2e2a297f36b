package vmm

import (
	"runtime"
	"testing"
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pmm"
)

func TestInstallSoftFlagsAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
	}(ptePtrFn, nextAddrFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
	nextPhysPage := 0

	allocFn := func() (pmm.Frame, *kernel.Error) {
		nextPhysPage++
		pageAddr := unsafe.Pointer(&physPages[nextPhysPage][0])
		return pmm.Frame(uintptr(pageAddr) >> mem.PageShift), nil
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
		return unsafe.Pointer(&physPages[pteCallCount-1][pteIndex])
	}

	nextAddrFn = func(entry uintptr) uintptr {
		return uintptr(unsafe.Pointer(&physPages[nextPhysPage][0]))
	}

	if err := InstallSoftFlags(0, SoftGuardPage, allocFn); err != nil {
		t.Fatal(err)
	}

	leaf := physPages[pageLevels-1][0]
	if leaf.HasFlags(FlagPresent) {
		t.Fatalf("expected the leaf to remain absent")
	}
	if !leaf.HasFlags(SoftGuardPage) {
		t.Fatalf("expected SoftGuardPage to be set on the absent leaf")
	}

	for level := 0; level < pageLevels-1; level++ {
		if !physPages[level][0].HasFlags(FlagPresent) {
			t.Errorf("[level %d] expected intermediate table to be spliced in present", level)
		}
	}
}

func TestInstallSoftFlagsHugePageAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer) { ptePtrFn = origPtePtr }(ptePtrFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
	physPages[0][0].SetFlags(FlagPresent | FlagHugePage)

	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
		return unsafe.Pointer(&physPages[0][pteIndex])
	}

	if err := InstallSoftFlags(0, SoftGuardPage, nil); err != errNoHugePageSupport {
		t.Fatalf("expected errNoHugePageSupport, got %v", err)
	}
}
