package ps

import (
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/cpu"
	"ferrite/kernel/mem/pfn"
	"ferrite/kernel/mem/pmm"
	"ferrite/kernel/mem/vad"
	"ferrite/kernel/mem/vmm"
	"ferrite/kernel/ob"
)

// userSpaceStart/userSpaceEnd bound the lower-half canonical range a
// process's image and user-mode allocations live in; kernelRangeStart in
// kernel/mem/fault marks where the upper half (and this range's
// complement) begins.
const (
	userSpaceStart = uintptr(0x10000)
	userSpaceEnd   = uintptr(0x0000800000000000)
)

// pml4KernelStart/pml4KernelEnd are the PML4 slot range every kernel
// mapping falls into (0xffff800000000000 >> 39) & 0x1ff == 256 through the
// slot below the recursive self-map at 511.
const (
	pml4KernelStart = 256
	pml4KernelEnd   = 510
)

// ImageSection describes one loaded segment of an executable image: its
// destination range in the process's address space and, unless it is
// demand-zero (bss), the file backing it pages in from.
type ImageSection struct {
	VA         uintptr
	Size       uintptr
	Flags      vad.Flags
	FileHandle uintptr
	FileOffset uint64
	DemandZero bool
}

// ImageInfo is what the image loader collaborator resolves a path to:
// the section layout to map and the thunk the main thread starts at.
// EntryThunk stands in for a raw entry RIP — no GDT/TSS/ring-3 transition
// machinery exists in this kernel yet, so the main thread starts in ring
// 0 at this thunk like any other kernel thread; a real user-mode
// transition is future work, not something this package fabricates.
type ImageInfo struct {
	EntryThunk func(unsafe.Pointer)
	Sections   []ImageSection
}

// loadImageFn is the loader SetImageLoader installs. Until one is
// registered it returns ErrNoImageLoader, which CreateProcess passes back.
var loadImageFn = func(path string) (ImageInfo, *kernel.Error) {
	return ImageInfo{}, ErrNoImageLoader
}

// SetImageLoader registers the collaborator CreateProcess uses to turn a
// path into a validated, section-mapped image (spec §4.11 steps 5-6).
// kernel/ps has no filesystem or executable-format parser of its own.
func SetImageLoader(fn func(path string) (ImageInfo, *kernel.Error)) {
	loadImageFn = fn
}

// ErrAlreadyTerminating is returned by operations that require a rundown
// reference on a process or parent that has already started tearing down.
var ErrAlreadyTerminating = &kernel.Error{Module: "ps", Message: "process is terminating"}

// createAddressSpaceFn is swapped out by tests so CreateProcess can be
// exercised without a real frame database and hyperspace mapping window.
var createAddressSpaceFn = createAddressSpace

// CreateProcess implements spec §4.11's 8-step sequence: reference the
// parent (if any), create the EPROCESS object and its handle table and
// address space, load and map the named image, install a handle for the
// new process in the caller's table, and start its main thread. Any
// failure after the handle is installed is propagated by closing that
// handle and letting the ordinary dereference path destroy the process.
func CreateProcess(path string, parent *Process) (*Process, ob.Handle, *kernel.Error) {
	if parent != nil {
		if !parent.Rundown.Acquire() {
			return nil, ob.InvalidHandle, ErrAlreadyTerminating
		}
		defer parent.Rundown.Release()
	}

	raw, err := allocateFn(ProcessType, uint32(unsafe.Sizeof(Process{})))
	if err != nil {
		return nil, ob.InvalidHandle, err
	}
	p := (*Process)(raw)
	p.ImageName = path
	p.Parent = parent
	p.HandleTable = ob.NewTable()
	p.VADs = &vad.Tree{}

	pid, err := ob.AllocateCID(raw)
	if err != nil {
		dereferenceFn(raw)
		return nil, ob.InvalidHandle, err
	}
	p.PID = pid

	pdt, frame, err := createAddressSpaceFn()
	if err != nil {
		dereferenceFn(raw)
		return nil, ob.InvalidHandle, err
	}
	p.AddressSpace = pdt
	p.pml4Frame = frame

	image, err := loadImageFn(path)
	if err != nil {
		dereferenceFn(raw)
		return nil, ob.InvalidHandle, err
	}

	if err := mapImageSections(p, image); err != nil {
		dereferenceFn(raw)
		return nil, ob.InvalidHandle, err
	}

	handle, err := ob.CreateHandleForObject(raw, ^uint32(0))
	if err != nil {
		dereferenceFn(raw)
		return nil, ob.InvalidHandle, err
	}

	if _, err := CreateThread(p, cpu.Current().ID, image.EntryThunk, nil, false); err != nil {
		if table := currentHandleTable(); table != nil {
			ob.Close(table, handle)
		}
		return nil, ob.InvalidHandle, err
	}

	return p, handle, nil
}

// createAddressSpace implements spec §4.11 step 4: a zeroed PML4 frame,
// every kernel-range entry copied from the currently active address
// space, and a self-referencing recursive entry (installed by
// PageDirectoryTable.Init before the copy runs, so the copy never
// touches slot 511).
func createAddressSpace() (vmm.PageDirectoryTable, pmm.Frame, *kernel.Error) {
	frame, err := pfn.Allocate(pfn.RequestZeroed)
	if err != nil {
		return vmm.PageDirectoryTable{}, 0, err
	}

	var pdt vmm.PageDirectoryTable
	if err := pdt.Init(frame, frameAllocatorFn()); err != nil {
		_ = pfn.Release(frame)
		return vmm.PageDirectoryTable{}, 0, err
	}

	page, oldIRQL, err := vmm.MapHyperspace(frame)
	if err != nil {
		_ = pfn.Release(frame)
		return vmm.PageDirectoryTable{}, 0, err
	}
	defer vmm.UnmapHyperspace(page, oldIRQL)

	src := (*[512]uint64)(unsafe.Pointer(vmm.ActivePML4VA()))
	dst := (*[512]uint64)(unsafe.Pointer(page.Address()))
	for i := pml4KernelStart; i <= pml4KernelEnd; i++ {
		dst[i] = src[i]
	}

	return pdt, frame, nil
}

// mapImageSections implements spec §4.11 step 6: every section is
// reserved in the VAD tree at its fixed image-relative address; file-
// backed sections (text/data) get their FileHandle/FileOffset recorded
// so the fault handler can page them in, while bss is left demand-zero.
func mapImageSections(p *Process, image ImageInfo) *kernel.Error {
	for _, sec := range image.Sections {
		flags := sec.Flags | vad.FlagPrivate
		if sec.DemandZero {
			flags |= vad.FlagReserved
		} else {
			flags |= vad.FlagMappedFile
		}

		va, err := p.VADs.Allocate(&p.Rundown, sec.VA, sec.Size, flags, userSpaceStart, userSpaceEnd)
		if err != nil {
			return err
		}

		if !sec.DemandZero {
			node := p.VADs.Find(va)
			if node == nil {
				return vad.ErrNotFound
			}
			node.FileHandle = sec.FileHandle
			node.FileOffset = sec.FileOffset
		}
	}
	return nil
}
