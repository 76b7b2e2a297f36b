package ob

import (
	"unsafe"

	"ferrite/kernel"
)

// cidTable is the single kernel-wide handle table whose "objects" are
// process/thread pointers and whose handle values are the public
// PIDs/TIDs (spec §4.10 "CID table"). Handle 4 — the first value the
// free list ever hands out — is reserved for the system process by
// convention of whoever calls AllocateCID first during bring-up.
var cidTable *Table

// InitCIDTable creates the CID table. Must be called once during
// bring-up, before any process or thread is created.
func InitCIDTable() { cidTable = NewTable() }

// AllocateCID assigns object (a process or thread pointer) the next
// available PID/TID.
func AllocateCID(object unsafe.Pointer) (Handle, *kernel.Error) {
	return CreateHandle(cidTable, object, ^uint32(0))
}

// FreeCID releases a PID/TID, making it eligible for reuse.
func FreeCID(id Handle) { DeleteHandle(cidTable, id) }

// LookupCID resolves a PID/TID to its process/thread pointer without
// taking a reference — callers that need to keep the result alive past
// the lookup must Reference it themselves while still holding whatever
// else guarantees the object can't be freed concurrently.
func LookupCID(id Handle) (unsafe.Pointer, bool) {
	object, _, ok := GetObject(cidTable, id)
	return object, ok
}
