// Package pfn implements the physical frame number database: one entry per
// physical page of memory, threaded through five global free-style lists,
// and the allocate/release/contiguous-allocation operations every other
// memory subsystem (hyperspace, the pool allocator, the page-fault handler)
// is built on top of.
package pfn

import (
	"sync/atomic"

	"ferrite/kernel"
	"ferrite/kernel/hal/multiboot"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pmm"
	"ferrite/kernel/mem/vmm"
	"ferrite/kernel/spinlock"
)

// State is the lifecycle state of a physical frame.
type State uint8

const (
	StateFree State = iota
	StateZeroed
	StateStandby
	StateModified
	StateActive
	StateBad
	StateTransition
)

// Flags records per-frame attributes orthogonal to State.
type Flags uint8

const (
	FlagNonpaged Flags = 1 << iota
	FlagCopyOnWrite
	FlagFileBacked
	FlagLockedForIO
)

// RequestKind selects which list Allocate prefers as its source.
type RequestKind uint8

const (
	// RequestFree is satisfied from the Zeroed, Free or Standby list; the
	// returned frame's contents are unspecified.
	RequestFree RequestKind = iota
	// RequestZeroed guarantees the returned frame is all-zero, paying
	// the cost of a hyperspace zero-fill if no already-zeroed frame is
	// on hand.
	RequestZeroed
)

// Entry is one slot of the database, describing a single physical frame.
// listPrev/listNext link the entry into whichever global list matches its
// State; vadAddr/pteAddr are the reverse mapping back to the most recent
// virtual mapping and are only meaningful while State == StateActive.
// fileOffset is reserved for standby/modified file-backed pages; nothing in
// this tree populates it yet, as there is no filesystem collaborator.
type Entry struct {
	state    State
	refCount uint32
	flags    Flags

	listPrev, listNext int32

	vadAddr uintptr
	pteAddr uintptr

	fileOffset uint64
}

// State returns the entry's current lifecycle state.
func (e *Entry) State() State { return e.state }

// RefCount returns the entry's current reference count.
func (e *Entry) RefCount() uint32 { return atomic.LoadUint32(&e.refCount) }

// Flags returns the entry's attribute flags.
func (e *Entry) Flags() Flags { return e.flags }

// MatchesPTE reports whether pteAddr is this entry's recorded reverse
// mapping. kernel/mem/fault consults this on a Transition-marked PTE
// before reactivating it (spec §4.7): a Standby entry whose reverse
// mapping no longer matches the faulting PTE has been repurposed since
// and must not be resurrected under the old address.
func (e *Entry) MatchesPTE(pteAddr uintptr) bool { return e.pteAddr == pteAddr }

const noIndex int32 = -1

// list is a doubly linked list of frame indices threaded through the
// database's entries slice. Every list operation in this package runs
// under the database's dbLock; the per-list lock field is not acquired
// anywhere.
type list struct {
	head, tail int32
	count      uint32
	lock       spinlock.Spinlock
}

func (l *list) pushFront(entries []Entry, idx uint32) {
	e := &entries[idx]
	e.listPrev = noIndex
	e.listNext = l.head
	if l.head != noIndex {
		entries[l.head].listPrev = int32(idx)
	} else {
		l.tail = int32(idx)
	}
	l.head = int32(idx)
	l.count++
}

func (l *list) popFront(entries []Entry) (uint32, bool) {
	if l.head == noIndex {
		return 0, false
	}

	idx := uint32(l.head)
	e := &entries[idx]
	l.head = e.listNext
	if l.head != noIndex {
		entries[l.head].listPrev = noIndex
	} else {
		l.tail = noIndex
	}
	e.listNext = noIndex
	e.listPrev = noIndex
	l.count--
	return idx, true
}

// unlink removes entries[idx] from the middle of the list. Init uses it to
// move frames off the Bad list, and contiguous allocation uses it to pull
// candidate frames out of whichever list they happen to occupy.
func (l *list) unlink(entries []Entry, idx uint32) {
	e := &entries[idx]
	if e.listPrev != noIndex {
		entries[e.listPrev].listNext = e.listNext
	} else {
		l.head = e.listNext
	}
	if e.listNext != noIndex {
		entries[e.listNext].listPrev = e.listPrev
	} else {
		l.tail = e.listPrev
	}
	e.listPrev = noIndex
	e.listNext = noIndex
	l.count--
}

// Database is the root of the PFN database: the entry array plus the five
// global lists and the statistics the allocator reports.
type Database struct {
	entries []Entry

	free, zeroed, standby, modified, bad list

	dbLock spinlock.Spinlock

	available uint64
	reserved  uint64
}

var db Database

// ErrOutOfMemory is returned when Allocate finds the Zeroed, Free and
// Standby lists all empty. Frames on the Modified list are not reclaimed;
// there is no paging file to write them to.
var ErrOutOfMemory = &kernel.Error{Module: "pfn", Message: "no free physical frames available"}

// ErrInvalidFrame is returned by Release when asked to release an index
// outside the database.
var ErrInvalidFrame = &kernel.Error{Module: "pfn", Message: "frame index is out of range"}

// Count returns the total number of frames tracked by the database,
// including the Bad ones.
func Count() uint32 { return uint32(len(db.entries)) }

// AvailablePages returns the number of frames currently sitting on the
// Free, Zeroed or Standby lists.
func AvailablePages() uint64 { return atomic.LoadUint64(&db.available) }

// TotalReserved returns the number of frames reserved at Init time for the
// loader, firmware-runtime, ACPI-reclaim and NVS regions.
func TotalReserved() uint64 { return atomic.LoadUint64(&db.reserved) }

// EntryAt returns a pointer to the database entry for the given frame, or
// nil if the frame is out of range. Intended for diagnostics and for the
// fault handler, which needs to inspect an Active entry's reverse mapping.
func EntryAt(frame pmm.Frame) *Entry {
	idx := uint32(frame)
	if idx >= uint32(len(db.entries)) {
		return nil
	}
	return &db.entries[idx]
}

// Init consumes the firmware memory map (via the hal/multiboot decoder) and
// classifies every frame it describes: conventional memory goes on the Free
// list, loader/runtime/ACPI-reclaim/NVS regions are reserved Active with a
// ref_count of 1, and anything the map is silent about is left Bad. The
// entries slice itself lives in ordinary Go-managed memory rather than a
// hand-mapped physical window; by the point Init runs, goruntime's
// allocator bootstrap has already wired sysAlloc through vmm/pool, so a
// plain make() is the same simplification the per-CPU slices in dpc and
// irql already make instead of hand-rolling a second bump allocator here.
func Init() *kernel.Error {
	var highestAddr uint64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if end := region.PhysAddress + region.Length; end > highestAddr {
			highestAddr = end
		}
		return true
	})

	frameCount := uint32(highestAddr >> mem.PageShift)
	if uint64(frameCount)<<mem.PageShift < highestAddr {
		frameCount++
	}

	db.entries = make([]Entry, frameCount)
	db.free = list{head: noIndex, tail: noIndex}
	db.zeroed = list{head: noIndex, tail: noIndex}
	db.standby = list{head: noIndex, tail: noIndex}
	db.modified = list{head: noIndex, tail: noIndex}
	db.bad = list{head: noIndex, tail: noIndex}

	for i := range db.entries {
		db.entries[i].state = StateBad
		db.entries[i].listPrev = noIndex
		db.entries[i].listNext = noIndex
		db.bad.pushFront(db.entries, uint32(i))
	}

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		startFrame := uint32((region.PhysAddress + uint64(mem.PageSize) - 1) >> mem.PageShift)
		endFrame := uint32((region.PhysAddress + region.Length) >> mem.PageShift)
		if endFrame > frameCount {
			endFrame = frameCount
		}

		switch region.Type {
		case multiboot.MemAvailable:
			for f := startFrame; f < endFrame; f++ {
				db.bad.unlink(db.entries, f)
				db.entries[f].state = StateFree
				db.free.pushFront(db.entries, f)
				db.available++
			}
		case multiboot.MemAcpiReclaimable, multiboot.MemNvs, multiboot.MemReserved:
			for f := startFrame; f < endFrame; f++ {
				db.bad.unlink(db.entries, f)
				db.entries[f].state = StateActive
				db.entries[f].refCount = 1
				db.reserved++
			}
		}
		return true
	})

	vmm.SetFrameAllocator(func() (pmm.Frame, *kernel.Error) { return Allocate(RequestFree) })

	return nil
}

// Allocate reserves a frame, trying the Zeroed list first, then Free, then
// Standby, whatever kind is. The claimed frame is staged through
// StateTransition with ref_count 1 before the caller observes it. If kind
// is RequestZeroed and the frame didn't come from the Zeroed list, it is
// mapped into hyperspace and cleared before being handed back.
func Allocate(kind RequestKind) (pmm.Frame, *kernel.Error) {
	oldIRQL := db.dbLock.Acquire()

	var (
		idx        uint32
		ok         bool
		fromZeroed bool
	)

	if idx, ok = db.zeroed.popFront(db.entries); ok {
		fromZeroed = true
	}
	if !ok {
		idx, ok = db.free.popFront(db.entries)
	}
	if !ok {
		idx, ok = db.standby.popFront(db.entries)
	}

	if !ok {
		db.dbLock.Release(oldIRQL)
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	e := &db.entries[idx]
	e.state = StateTransition
	atomic.StoreUint32(&e.refCount, 1)
	db.available--

	db.dbLock.Release(oldIRQL)

	if kind == RequestZeroed && !fromZeroed {
		if err := zeroFrame(pmm.Frame(idx)); err != nil {
			return pmm.InvalidFrame, err
		}
	}

	return pmm.Frame(idx), nil
}

// zeroFrame maps frame into hyperspace, clears it, and unmaps it. It runs
// with the database lock released, so the hyperspace mapping path is free
// to recurse into Allocate(RequestFree) if it needs a frame for a missing
// intermediate page table.
func zeroFrame(frame pmm.Frame) *kernel.Error {
	page, oldIRQL, err := vmm.MapHyperspace(frame)
	if err != nil {
		return err
	}

	mem.Memset(page.Address(), 0, mem.PageSize)

	return vmm.UnmapHyperspace(page, oldIRQL)
}

// Release drops a reference on frame. When the count reaches zero and the
// frame was Active, its last known PTE is consulted (via the reverse
// mapping) to decide whether it rejoins the Standby list clean or the
// Modified list dirty.
func Release(frame pmm.Frame) *kernel.Error {
	idx := uint32(frame)
	if idx >= uint32(len(db.entries)) {
		return ErrInvalidFrame
	}

	oldIRQL := db.dbLock.Acquire()
	defer db.dbLock.Release(oldIRQL)

	e := &db.entries[idx]
	if atomic.AddUint32(&e.refCount, ^uint32(0)) != 0 {
		return nil
	}

	if e.state != StateActive {
		return nil
	}

	dirty := e.pteAddr != 0 && vmm.IsDirty(e.pteAddr)

	if dirty {
		e.vadAddr = 0
		e.pteAddr = 0
		e.state = StateModified
		db.modified.pushFront(db.entries, idx)
	} else {
		// vadAddr/pteAddr are kept: a Standby entry can still be
		// reactivated by the page-fault handler, which verifies the
		// reverse mapping via MatchesPTE before resurrecting it.
		e.state = StateStandby
		db.standby.pushFront(db.entries, idx)
		db.available++
	}

	return nil
}

// Activate transitions frame out of StateTransition (or reactivates it from
// Standby) into StateActive, recording the reverse mapping the fault
// handler and Release both depend on. Callers own the IRQL/lock discipline
// around their own data structures (the VAD tree, the leaf PTE); Activate
// only touches the PFN entry itself.
func Activate(frame pmm.Frame, vadAddr, pteAddr uintptr) {
	e := &db.entries[uint32(frame)]
	e.state = StateActive
	e.vadAddr = vadAddr
	e.pteAddr = pteAddr
}

// listForState returns the list an entry of the given state is threaded
// through, or nil for states that are never list-linked (Active,
// Transition).
func listForState(state State) *list {
	switch state {
	case StateFree:
		return &db.free
	case StateZeroed:
		return &db.zeroed
	case StateStandby:
		return &db.standby
	case StateModified:
		return &db.modified
	case StateBad:
		return &db.bad
	default:
		return nil
	}
}

func isContiguousCandidate(e *Entry) bool {
	switch e.state {
	case StateFree, StateZeroed, StateStandby:
		return true
	default:
		return false
	}
}

// DMAMappingFlags are the PTE flags the caller should use when mapping the
// frames AllocateContiguous returns into the direct physical-memory window:
// write-through, cache-disabled, matching the access pattern DMA hardware
// expects.
const DMAMappingFlags = vmm.FlagWriteThroughCaching | vmm.FlagDoNotCache

// AllocateContiguous scans the database linearly, under the global lock,
// for count consecutive Free/Zeroed/Standby frames below maxPhysAddr (a
// value of 0 means no bound). On success every frame in the run is
// unlinked from its list, marked Active and locked-for-IO, and the index of
// the first frame is returned; the caller is responsible for mapping the
// range into its direct physical-memory window with DMAMappingFlags. This
// is an O(n) scan held under the heaviest lock in the database and is
// intended only for the comparatively rare DMA buffer allocation path.
func AllocateContiguous(count uint32, maxPhysAddr uintptr) (pmm.Frame, *kernel.Error) {
	if count == 0 {
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	oldIRQL := db.dbLock.Acquire()
	defer db.dbLock.Release(oldIRQL)

	limit := uint32(len(db.entries))
	if maxPhysAddr != 0 {
		if bound := uint32(maxPhysAddr >> mem.PageShift); bound < limit {
			limit = bound
		}
	}

	var runStart, runLen uint32
	for i := uint32(0); i < limit; i++ {
		if !isContiguousCandidate(&db.entries[i]) {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = i
		}
		runLen++

		if runLen != count {
			continue
		}

		for f := runStart; f < runStart+count; f++ {
			e := &db.entries[f]
			if l := listForState(e.state); l != nil {
				l.unlink(db.entries, f)
			}
			e.state = StateActive
			e.flags |= FlagLockedForIO
			atomic.StoreUint32(&e.refCount, 1)
		}
		db.available -= uint64(count)

		return pmm.Frame(runStart), nil
	}

	return pmm.InvalidFrame, ErrOutOfMemory
}
