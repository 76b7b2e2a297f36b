package ob

import (
	"sync/atomic"
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/sync"
)

// Handle identifies an entry in a Table. Values are multiples of four —
// the low two bits are reserved for future tagging — and zero is always
// invalid (spec §4.10 "Handle value encoding").
type Handle uint32

// InvalidHandle is the sentinel returned on failure and is never a valid
// handle value.
const InvalidHandle Handle = 0

// entriesPerPage bounds how many handles a single table page covers,
// standing in for the original's one-page-of-entries granularity.
const entriesPerPage = 512

type tableEntry struct {
	object   unsafe.Pointer
	access   uint32
	nextFree uint32
}

// tableLevel mirrors the original's TableCode low bits: a Level0 table is
// a single flat page of entries; Level1 promotes to a directory of page
// pointers once the first page fills up. Deeper levels are not
// implemented — spec.md §4.10 explicitly scopes out more than a few
// million handles.
type tableLevel uint8

const (
	level0 tableLevel = iota
	level1
)

// Table is a process's (or the kernel-wide CID table's) handle
// namespace: a push-lock-guarded, dynamically expanding array of
// {object, access} entries threaded into a LIFO free list.
type Table struct {
	lock      sync.PushLock
	level     tableLevel
	flat      []tableEntry
	directory [][]tableEntry
	firstFree uint32
}

func makePage(baseIndex uint32, tailNext uint32) []tableEntry {
	page := make([]tableEntry, entriesPerPage)
	for i := uint32(0); i < entriesPerPage-1; i++ {
		page[i].nextFree = (baseIndex + i + 1) * 4
	}
	page[entriesPerPage-1].nextFree = tailNext
	return page
}

// NewTable creates an empty handle table. Index 0 (handle 0) is never
// linked onto the free list so it always reads back as invalid.
func NewTable() *Table {
	t := &Table{level: level0}
	t.flat = makePage(0, 0)
	t.firstFree = 4 // skip index 0
	return t
}

func (t *Table) lookup(h Handle) *tableEntry {
	if h == InvalidHandle || uint32(h)&3 != 0 {
		return nil
	}
	idx := uint32(h) / 4

	switch t.level {
	case level0:
		if int(idx) >= len(t.flat) {
			return nil
		}
		return &t.flat[idx]
	default:
		pageIdx := idx / entriesPerPage
		off := idx % entriesPerPage
		if int(pageIdx) >= len(t.directory) || t.directory[pageIdx] == nil {
			return nil
		}
		return &t.directory[pageIdx][off]
	}
}

// expand grows the table by one page, promoting level0 to level1 the
// first time it is called (spec §4.10's "promote level-0 to level-1" /
// "add a new page to an existing level-1"). It leaves firstFree at 0 if
// expansion could not find room (directory exhausted).
func (t *Table) expand() {
	switch t.level {
	case level0:
		directory := make([][]tableEntry, entriesPerPage)
		directory[0] = t.flat
		newPage := makePage(entriesPerPage, 0)
		directory[1] = newPage

		t.directory = directory
		t.flat = nil
		t.level = level1
		t.firstFree = entriesPerPage * 4

	default:
		dirIndex := -1
		for i, page := range t.directory {
			if page == nil {
				dirIndex = i
				break
			}
		}
		if dirIndex < 0 {
			// Directory full; a deeper level would be needed and is not
			// supported.
			return
		}
		baseIndex := uint32(dirIndex) * entriesPerPage
		t.directory[dirIndex] = makePage(baseIndex, t.firstFree)
		t.firstFree = baseIndex * 4
	}
}

// CreateHandle inserts object into the table under an exclusive lock and
// returns its new handle, expanding the table if the free list is empty.
func CreateHandle(t *Table, object unsafe.Pointer, access uint32) (Handle, *kernel.Error) {
	t.lock.AcquireExclusive()
	defer t.lock.ReleaseExclusive()

	if t.firstFree == 0 {
		t.expand()
		if t.firstFree == 0 {
			return InvalidHandle, ErrNoMemory
		}
	}

	idx := t.firstFree
	entry := t.lookup(Handle(idx))
	if entry == nil {
		return InvalidHandle, ErrNoMemory
	}

	t.firstFree = entry.nextFree
	entry.object = object
	entry.access = access
	entry.nextFree = 0

	atomic.AddUint64(&headerFromBody(object).handleCount, 1)
	return Handle(idx), nil
}

// DeleteHandle removes handle from the table and pushes it onto the
// front of the free list (LIFO). A missing or already-free handle is a
// silent no-op, matching the original's tolerance for double-delete.
func DeleteHandle(t *Table, handle Handle) {
	t.lock.AcquireExclusive()
	defer t.lock.ReleaseExclusive()

	entry := t.lookup(handle)
	if entry == nil || entry.object == nil {
		return
	}

	entry.object = nil
	entry.access = 0
	entry.nextFree = t.firstFree
	t.firstFree = uint32(handle)
}

// GetObject looks up handle under a shared lock, returning the object
// and its granted access mask.
func GetObject(t *Table, handle Handle) (object unsafe.Pointer, access uint32, ok bool) {
	t.lock.AcquireShared()
	defer t.lock.ReleaseShared()

	entry := t.lookup(handle)
	if entry == nil || entry.object == nil {
		return nil, 0, false
	}
	return entry.object, entry.access, true
}

// DeleteTable dereferences every object still live in the table and
// discards it. Call once a process's (or the CID table's) handle
// namespace is no longer reachable.
func DeleteTable(t *Table) {
	t.lock.AcquireExclusive()
	pages := t.directory
	flat := t.flat
	t.directory = nil
	t.flat = nil
	t.firstFree = 0
	t.lock.ReleaseExclusive()

	releasePage := func(page []tableEntry) {
		for i := range page {
			obj := page[i].object
			if obj == nil {
				continue
			}
			page[i].object = nil
			decrementHandleCount(obj)
			Dereference(obj)
		}
	}

	releasePage(flat)
	for _, page := range pages {
		if page != nil {
			releasePage(page)
		}
	}
}

// Close references object, deletes handle from the calling process's
// handle table, decrements the object's handle count, then dereferences
// it (spec §4.10 "close_handle").
func Close(t *Table, handle Handle) {
	object, _, ok := GetObject(t, handle)
	if !ok || !Reference(object) {
		return
	}
	DeleteHandle(t, handle)
	decrementHandleCount(object)
	Dereference(object) // the reference the handle entry held
	Dereference(object) // the reference taken above
}

// decrementHandleCount atomically decrements obj's handle count without
// underflowing past zero.
func decrementHandleCount(obj unsafe.Pointer) {
	h := headerFromBody(obj)
	for {
		old := atomic.LoadUint64(&h.handleCount)
		if old == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&h.handleCount, old, old-1) {
			return
		}
	}
}
