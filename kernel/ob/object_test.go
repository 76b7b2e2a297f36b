package ob

import (
	"testing"
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/dpc"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pool"
)

// fakeAllocator backs allocateFn/freeFn with plain Go memory so object
// creation can be exercised without the real pool allocator.
func fakeAllocator(t *testing.T) (freed *[]unsafe.Pointer) {
	t.Helper()
	origAlloc, origFree := allocateFn, freeFn
	var freedPtrs []unsafe.Pointer

	allocateFn = func(size mem.Size, tag pool.Tag) (unsafe.Pointer, *kernel.Error) {
		buf := make([]byte, size)
		return unsafe.Pointer(&buf[0]), nil
	}
	freeFn = func(ptr unsafe.Pointer) *kernel.Error {
		freedPtrs = append(freedPtrs, ptr)
		return nil
	}

	t.Cleanup(func() { allocateFn, freeFn = origAlloc, origFree })
	return &freedPtrs
}

func setupReaper(t *testing.T) *[]unsafe.Pointer {
	t.Helper()
	freed := fakeAllocator(t)
	Init()

	origEnqueue := enqueueFn
	enqueueFn = func(d *dpc.DPC, arg1, arg2 unsafe.Pointer) bool {
		reapRoutine(d, nil, arg1, arg2)
		return true
	}
	t.Cleanup(func() { enqueueFn = origEnqueue })
	return freed
}

type testBody struct {
	value int
}

func TestCreateInitializesHeaderAndBumpsTypeCount(t *testing.T) {
	setupReaper(t)
	typ := CreateType("TestType", pool.Tag(1), nil)

	obj, err := Create(typ, uint32(unsafe.Sizeof(testBody{})))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if typ.TotalObjects() != 1 {
		t.Fatalf("expected TotalObjects 1, got %d", typ.TotalObjects())
	}
	if TypeOf(obj) != typ {
		t.Fatalf("expected TypeOf to report back the creating type")
	}
}

func TestReferenceFailsOnceCountReachesZero(t *testing.T) {
	setupReaper(t)
	typ := CreateType("TestType", pool.Tag(1), nil)
	obj, _ := Create(typ, 8)

	Dereference(obj)
	if Reference(obj) {
		t.Fatalf("expected Reference to fail once pointer count hit zero")
	}
}

func TestDereferenceRunsDeleteProcedureAndFrees(t *testing.T) {
	freed := setupReaper(t)

	var deletedObj unsafe.Pointer
	typ := CreateType("TestType", pool.Tag(2), func(o unsafe.Pointer) { deletedObj = o })

	obj, _ := Create(typ, 8)
	Dereference(obj)

	if deletedObj != obj {
		t.Fatalf("expected DeleteProcedure to run with the object pointer")
	}
	if typ.TotalObjects() != 0 {
		t.Fatalf("expected TotalObjects back to 0, got %d", typ.TotalObjects())
	}
	if len(*freed) != 1 {
		t.Fatalf("expected reaper to free exactly one header, got %d", len(*freed))
	}
}

func TestReferenceByPointerRejectsTypeMismatch(t *testing.T) {
	setupReaper(t)
	typA := CreateType("A", pool.Tag(1), nil)
	typB := CreateType("B", pool.Tag(2), nil)
	obj, _ := Create(typA, 8)

	if err := ReferenceByPointer(obj, typB); err != ErrTypeMismatch {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if err := ReferenceByPointer(obj, typA); err != nil {
		t.Fatalf("expected matching type to reference cleanly, got %v", err)
	}
}

func TestReferenceByPointerRejectsDeletedObject(t *testing.T) {
	setupReaper(t)
	typ := CreateType("A", pool.Tag(1), nil)
	obj, _ := Create(typ, 8)
	Dereference(obj)

	if err := ReferenceByPointer(obj, nil); err != ErrObjectDeleted {
		t.Fatalf("expected ErrObjectDeleted, got %v", err)
	}
}
