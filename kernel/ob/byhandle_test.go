package ob

import (
	"testing"
)

func TestReferenceObjectByHandleChecksTypeAndAccess(t *testing.T) {
	setupReaper(t)
	typ := CreateType("T", 1, nil)
	other := CreateType("Other", 2, nil)
	obj, _ := Create(typ, 8)

	table := NewTable()
	h, _ := CreateHandle(table, obj, 0x1)

	origSource := currentHandleTableFn
	currentHandleTableFn = func() *Table { return table }
	t.Cleanup(func() { currentHandleTableFn = origSource })

	if _, err := ReferenceObjectByHandle(h, 0x1, other); err != ErrTypeMismatch {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := ReferenceObjectByHandle(h, 0x2, typ); err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	got, err := ReferenceObjectByHandle(h, 0x1, typ)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got != obj {
		t.Fatalf("expected the referenced object to be returned")
	}
}

func TestCreateHandleForObjectUsesCurrentTable(t *testing.T) {
	setupReaper(t)
	typ := CreateType("T", 1, nil)
	obj, _ := Create(typ, 8)

	table := NewTable()
	origSource := currentHandleTableFn
	currentHandleTableFn = func() *Table { return table }
	t.Cleanup(func() { currentHandleTableFn = origSource })

	h, err := CreateHandleForObject(obj, 0xf)
	if err != nil {
		t.Fatalf("CreateHandleForObject failed: %v", err)
	}
	if got, _, ok := GetObject(table, h); !ok || got != obj {
		t.Fatalf("expected the handle to resolve in the installed table")
	}
}

func TestCreateHandleForObjectFailsWithoutTable(t *testing.T) {
	origSource := currentHandleTableFn
	currentHandleTableFn = func() *Table { return nil }
	t.Cleanup(func() { currentHandleTableFn = origSource })

	if _, err := CreateHandleForObject(nil, 0); err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
