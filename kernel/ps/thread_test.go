package ps

import (
	"testing"
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/ob"
)

// fakeStackAllocator swaps thread.go's allocateStackFn with a plain
// heap-backed stand-in (fail non-nil forces every call to fail instead).
func fakeStackAllocator(t *testing.T, fail *kernel.Error) {
	t.Helper()
	orig := allocateStackFn
	allocateStackFn = func(large bool) (top, base uintptr, kerr *kernel.Error) {
		if fail != nil {
			return 0, 0, fail
		}
		size := uintptr(StackSize)
		if large {
			size = uintptr(LargeStackSize)
		}
		buf := make([]byte, size)
		base = uintptr(unsafe.Pointer(&buf[0]))
		return base + size, base, nil
	}
	t.Cleanup(func() { allocateStackFn = orig })
}

func TestCreateThreadRegistersAndEnqueues(t *testing.T) {
	fakeObjectModel(t)
	withTypes(t)
	resetCIDTable(t)
	fakeStackAllocator(t, nil)
	fs := setupFakeScheduler(t)

	p := newTestProcess(t)

	var ran unsafe.Pointer
	entry := func(param unsafe.Pointer) { ran = param }
	param := unsafe.Pointer(&struct{}{})

	th, err := CreateThread(p, 0, entry, param, false)
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if th.TID == ob.InvalidHandle {
		t.Fatalf("expected a valid TID")
	}
	if th.Process != p {
		t.Fatalf("expected Process to be set")
	}
	if p.threadListHead != th {
		t.Fatalf("expected thread linked onto process's thread list")
	}
	if len(fs.registered) != 1 || fs.registered[0] != &th.Sched {
		t.Fatalf("expected the new thread registered with the scheduler")
	}
	if len(fs.enqueued) != 1 || fs.enqueued[0] != &th.Sched {
		t.Fatalf("expected the new thread enqueued with the scheduler")
	}

	th.entry(param)
	if ran != param {
		t.Fatalf("expected stored entry to run with the given parameter")
	}
}

func TestCreateThreadPropagatesStackAllocationFailure(t *testing.T) {
	deleted := fakeObjectModel(t)
	withTypes(t)
	resetCIDTable(t)
	fakeStackAllocator(t, ErrStackExhausted)
	setupFakeScheduler(t)

	p := newTestProcess(t)

	_, err := CreateThread(p, 0, func(unsafe.Pointer) {}, nil, false)
	if err != ErrStackExhausted {
		t.Fatalf("expected ErrStackExhausted, got %v", err)
	}
	if len(*deleted) != 1 {
		t.Fatalf("expected the half-built thread object to be torn down, got %d deletions", len(*deleted))
	}
}

func TestKernelThreadTrampolineRunsEntryThenExits(t *testing.T) {
	fakeObjectModel(t)
	withTypes(t)
	resetCIDTable(t)
	fakeStackAllocator(t, nil)
	fs := setupFakeScheduler(t)

	p := newTestProcess(t)

	var ran bool
	th, err := CreateThread(p, 0, func(unsafe.Pointer) { ran = true }, nil, false)
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}

	fs.current = &th.Sched
	kernelThreadTrampoline()

	if !ran {
		t.Fatalf("expected entry to have run")
	}
	if th.ExitStatus != 0 {
		t.Fatalf("expected exit status 0 from a returning entry, got %d", th.ExitStatus)
	}
	if fs.scheduled != 1 {
		t.Fatalf("expected ThreadExit to invoke the scheduler once, got %d", fs.scheduled)
	}
}

func TestThreadExitIsNoOpWithNoCurrentThread(t *testing.T) {
	fs := setupFakeScheduler(t)
	fs.current = nil

	ThreadExit(7) // must not panic with nothing scheduled

	if fs.scheduled != 0 {
		t.Fatalf("expected no Schedule call when there is no current thread")
	}
}
