package ob

import (
	"testing"
	"unsafe"
)

func TestCreateHandleReturnsMultipleOfFourNeverZero(t *testing.T) {
	table := NewTable()
	obj := unsafe.Pointer(&struct{ x int }{1})

	h, err := CreateHandle(table, obj, 0xf)
	if err != nil {
		t.Fatalf("CreateHandle failed: %v", err)
	}
	if h == InvalidHandle {
		t.Fatalf("expected a non-zero handle")
	}
	if uint32(h)&3 != 0 {
		t.Fatalf("expected handle to be a multiple of four, got %d", h)
	}
}

func TestGetObjectRoundTrips(t *testing.T) {
	table := NewTable()
	obj := unsafe.Pointer(&struct{ x int }{42})

	h, _ := CreateHandle(table, obj, 0x7)
	got, access, ok := GetObject(table, h)
	if !ok {
		t.Fatalf("expected GetObject to find the handle")
	}
	if got != obj {
		t.Fatalf("expected GetObject to return the same pointer")
	}
	if access != 0x7 {
		t.Fatalf("expected granted access 0x7, got %#x", access)
	}
}

func TestGetObjectFailsForInvalidAndDeletedHandles(t *testing.T) {
	table := NewTable()
	if _, _, ok := GetObject(table, InvalidHandle); ok {
		t.Fatalf("expected handle 0 to always be invalid")
	}
	if _, _, ok := GetObject(table, Handle(4)); ok {
		t.Fatalf("expected an un-created handle to be absent")
	}

	obj := unsafe.Pointer(&struct{ x int }{1})
	h, _ := CreateHandle(table, obj, 0)
	DeleteHandle(table, h)
	if _, _, ok := GetObject(table, h); ok {
		t.Fatalf("expected a deleted handle to be absent")
	}
}

func TestDeleteHandleReusesFreedSlotLIFO(t *testing.T) {
	table := NewTable()
	obj := unsafe.Pointer(&struct{ x int }{1})

	h1, _ := CreateHandle(table, obj, 0)
	h2, _ := CreateHandle(table, obj, 0)
	DeleteHandle(table, h2)
	DeleteHandle(table, h1)

	// LIFO: h1 (freed last) should be handed out again first.
	reissued, _ := CreateHandle(table, obj, 0)
	if reissued != h1 {
		t.Fatalf("expected LIFO reuse to hand back %d first, got %d", h1, reissued)
	}
}

func TestCreateHandleExpandsPastFirstPage(t *testing.T) {
	table := NewTable()
	obj := unsafe.Pointer(&struct{ x int }{1})

	var handles []Handle
	for i := 0; i < entriesPerPage+8; i++ {
		h, err := CreateHandle(table, obj, 0)
		if err != nil {
			t.Fatalf("CreateHandle %d failed: %v", i, err)
		}
		handles = append(handles, h)
	}

	if table.level != level1 {
		t.Fatalf("expected table to have promoted to level1 after filling the first page")
	}

	for _, h := range handles {
		if _, _, ok := GetObject(table, h); !ok {
			t.Fatalf("expected handle %d (post-expansion) to resolve", h)
		}
	}
}

func TestCloseReferencesDeletesAndDereferences(t *testing.T) {
	setupReaper(t)
	typ := CreateType("T", 1, nil)
	obj, _ := Create(typ, 8)

	table := NewTable()
	h, _ := CreateHandle(table, obj, 0)

	Close(table, h)

	if _, _, ok := GetObject(table, h); ok {
		t.Fatalf("expected Close to remove the handle")
	}
	if Reference(obj) {
		t.Fatalf("expected Close's Dereference to have freed the last reference")
	}
}

func TestDeleteTableDereferencesEveryLiveHandle(t *testing.T) {
	setupReaper(t)
	typ := CreateType("T", 1, nil)
	obj, _ := Create(typ, 8) // pointer count starts at 1, held by the table's entry

	table := NewTable()
	CreateHandle(table, obj, 0)

	DeleteTable(table)

	if Reference(obj) {
		t.Fatalf("expected DeleteTable's dereference to have dropped the count to zero")
	}
}
