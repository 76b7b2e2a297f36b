// Package pool implements the nonpaged kernel allocator (spec §4.5):
// per-CPU lookaside slabs for small requests, a global overflow pool for
// anything bigger than the largest slab, and a header immediately
// preceding every returned pointer carrying a canary and enough
// bookkeeping for Free to route the block back to where it came from.
// Allocations that need demand-paged backing instead of an eager mapping
// go through AllocatePaged/FreePaged (paged.go), which reserve and
// release ranges from a kernel-wide kernel/mem/vad tree instead of
// poolva/pfn directly.
package pool

import (
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/cpu"
	"ferrite/kernel/irql"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pfn"
	"ferrite/kernel/mem/poolva"
	"ferrite/kernel/mem/vmm"
	"ferrite/kernel/spinlock"
)

// blockSizes are the slab footprints (header included) the per-CPU
// lookaside lists are indexed by.
var blockSizes = [7]uint32{32, 64, 128, 256, 512, 1024, 2048}

// largestSlabBlock is the threshold above which Allocate routes to the
// global overflow pool instead of a lookaside slab.
const largestSlabBlock = 2048

// poolCanary is the magic value every live header carries; corruption
// (use-after-free, a buffer overrun into the next block) is caught the
// moment Free observes a mismatch.
const poolCanary = 0x4245_4b41 // hex spells ASCII "BEKA"; stored little-endian, the bytes read low-to-high as 'A','K','E','B'

// Tag is a caller-supplied diagnostic label, conventionally two ASCII
// characters packed into the low/high byte (e.g. object-manager
// allocations tag with 'O','b').
type Tag uint16

type blockKind uint8

const (
	kindSlab blockKind = iota
	kindLarge
)

// header precedes every pointer this package hands out. While a block
// sits on a free list, next is the link; kind/index/tag/size only become
// meaningful again once Allocate hands the block back out.
type header struct {
	next   *header
	canary uint32
	kind   blockKind
	index  uint8
	tag    Tag
	size   uint32
}

var headerSize = unsafe.Sizeof(header{})

// ErrCorruptHeader is bugchecked when Free observes a canary mismatch.
var ErrCorruptHeader = &kernel.Error{Module: "pool", Message: "MEMORY_CORRUPT_HEADER"}

// ErrIRQLTooHigh is bugchecked when Allocate is called above DISPATCH.
var ErrIRQLTooHigh = &kernel.Error{Module: "pool", Message: "IRQL_NOT_LESS_OR_EQUAL"}

// bugcheckFn is swapped out by tests so corruption/IRQL violations can be
// observed instead of halting the process under test.
var bugcheckFn = kernel.Panic

// The following are swapped out by tests and are otherwise automatically
// inlined by the compiler, mirroring the teacher's own
// reserveRegionFn/mapFn indirection around vmm calls.
var (
	mapFn            = vmm.Map
	allocatePageFn   = poolva.AllocatePage
	allocateContigFn = poolva.AllocateContiguous
	freePageFn       = poolva.Free
	allocateFrameFn  = pfn.Allocate
)

type slab struct {
	freeList    *header
	blockSize   uint32
	freeCount   uint32
	totalBlocks uint32
	lock        spinlock.Spinlock
}

type perCPU struct {
	slabs [7]slab
}

var cpuPools []perCPU

var overflow struct {
	freeList *header
	lock     spinlock.Spinlock
}

// Init sizes the per-CPU lookaside pools. Called once during bring-up
// after cpu.InitBlocks.
func Init(cpuCount uint32) {
	cpuPools = make([]perCPU, cpuCount)
	for i := range cpuPools {
		for s := range cpuPools[i].slabs {
			cpuPools[i].slabs[s].blockSize = blockSizes[s]
		}
		cpu.Get(cpu.ID(i)).SetLookasidePools(unsafe.Pointer(&cpuPools[i].slabs))
	}
}

// slabIndexForSize returns the smallest slab whose block footprint can
// hold total bytes (header included), or false if none does.
func slabIndexForSize(total uint32) (int, bool) {
	for i, sz := range blockSizes {
		if total <= sz {
			return i, true
		}
	}
	return 0, false
}

func payload(h *header) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(h)) + headerSize)
}

func headerOf(ptr unsafe.Pointer) *header {
	return (*header)(unsafe.Pointer(uintptr(ptr) - headerSize))
}

// Allocate reserves size bytes tagged for diagnostics with tag. Requests
// that fit (with their header) inside the largest slab are served from a
// per-CPU lookaside list; everything else goes through the global
// overflow pool.
func Allocate(size mem.Size, tag Tag) (unsafe.Pointer, *kernel.Error) {
	if irql.Current() > irql.Dispatch {
		bugcheckFn(ErrIRQLTooHigh)
		return nil, ErrIRQLTooHigh
	}

	total := uint32(size) + uint32(headerSize)
	if total <= largestSlabBlock {
		return allocateSlab(total, tag)
	}
	return allocateLarge(total, tag)
}

func allocateSlab(total uint32, tag Tag) (unsafe.Pointer, *kernel.Error) {
	idx, ok := slabIndexForSize(total)
	if !ok {
		return allocateLarge(total, tag)
	}

	id := cpu.Current().ID
	s := &cpuPools[id].slabs[idx]

	for {
		oldIRQL := s.lock.Acquire()
		h := s.freeList
		if h != nil {
			s.freeList = h.next
			s.freeCount--
		}
		s.lock.Release(oldIRQL)

		if h != nil {
			if h.canary != poolCanary {
				bugcheckFn(ErrCorruptHeader)
				return nil, ErrCorruptHeader
			}
			h.kind = kindSlab
			h.index = uint8(idx)
			h.tag = tag
			h.size = blockSizes[idx]
			return payload(h), nil
		}

		if err := refillSlab(id, idx); err != nil {
			return nil, err
		}
	}
}

// refillSlab claims one VA page and one zeroed physical frame, maps them,
// and carves the page into blockSizes[idx]-sized blocks pushed onto the
// slab's free list.
func refillSlab(id cpu.ID, idx int) *kernel.Error {
	va, err := allocatePageFn()
	if err != nil {
		return err
	}

	frame, err := allocateFrameFn(pfn.RequestZeroed)
	if err != nil {
		freePageFn(va)
		return err
	}

	page := vmm.PageFromAddress(va)
	if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW, vmm.DefaultFrameAllocator()); err != nil {
		freePageFn(va)
		return err
	}

	blockSize := blockSizes[idx]
	blocksPerPage := uint32(mem.PageSize) / blockSize

	s := &cpuPools[id].slabs[idx]
	oldIRQL := s.lock.Acquire()
	for i := uint32(0); i < blocksPerPage; i++ {
		h := (*header)(unsafe.Pointer(va + uintptr(i*blockSize)))
		h.canary = poolCanary
		h.kind = kindSlab
		h.index = uint8(idx)
		h.next = s.freeList
		s.freeList = h
	}
	s.freeCount += blocksPerPage
	s.totalBlocks += blocksPerPage
	s.lock.Release(oldIRQL)

	return nil
}

// allocateLarge walks the global overflow list for a big-enough block;
// failing that, it claims a fresh contiguous VA run backed by
// individually-requested frames and installs one header spanning the
// whole range.
func allocateLarge(total uint32, tag Tag) (unsafe.Pointer, *kernel.Error) {
	oldIRQL := overflow.lock.Acquire()
	var prev *header
	for h := overflow.freeList; h != nil; h = h.next {
		if h.size >= total {
			if prev == nil {
				overflow.freeList = h.next
			} else {
				prev.next = h.next
			}
			overflow.lock.Release(oldIRQL)

			if h.canary != poolCanary {
				bugcheckFn(ErrCorruptHeader)
				return nil, ErrCorruptHeader
			}
			h.kind = kindLarge
			h.tag = tag
			return payload(h), nil
		}
		prev = h
	}
	overflow.lock.Release(oldIRQL)

	pageCount := mem.Size(total).Pages()
	va, err := allocateContigFn(pageCount)
	if err != nil {
		return nil, err
	}

	for i := uint32(0); i < pageCount; i++ {
		frame, ferr := allocateFrameFn(pfn.RequestFree)
		if ferr != nil {
			return nil, ferr
		}
		page := vmm.PageFromAddress(va + uintptr(i)*uintptr(mem.PageSize))
		if merr := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW, vmm.DefaultFrameAllocator()); merr != nil {
			return nil, merr
		}
	}

	h := (*header)(unsafe.Pointer(va))
	h.canary = poolCanary
	h.kind = kindLarge
	h.tag = tag
	h.size = pageCount * uint32(mem.PageSize)
	return payload(h), nil
}

// Free returns ptr (as previously handed out by Allocate) to its pool,
// bugchecking on a canary mismatch.
func Free(ptr unsafe.Pointer) *kernel.Error {
	h := headerOf(ptr)
	if h.canary != poolCanary {
		bugcheckFn(ErrCorruptHeader)
		return ErrCorruptHeader
	}

	switch h.kind {
	case kindSlab:
		id := cpu.Current().ID
		s := &cpuPools[id].slabs[h.index]
		oldIRQL := s.lock.Acquire()
		h.next = s.freeList
		s.freeList = h
		s.freeCount++
		s.lock.Release(oldIRQL)
		return nil
	case kindLarge:
		oldIRQL := overflow.lock.Acquire()
		h.next = overflow.freeList
		overflow.freeList = h
		overflow.lock.Release(oldIRQL)
		return nil
	default:
		bugcheckFn(ErrCorruptHeader)
		return ErrCorruptHeader
	}
}
