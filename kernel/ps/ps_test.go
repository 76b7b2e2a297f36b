package ps

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/cpu"
	"ferrite/kernel/mem/vad"
	"ferrite/kernel/ob"
	"ferrite/kernel/sched"
)

// fakeHeaderPad gives AllocateCID/CreateHandleForObject's handle-count
// bookkeeping (which reaches backward from the body pointer through
// kernel/ob's private header layout) somewhere harmless to land, without
// this package depending on that layout directly. It only needs to be at
// least as large as ob's real header; padding generously costs nothing in
// a test binary.
const fakeHeaderPad = 64

type fakeObject struct {
	typ      *ob.Type
	refcount int32
}

// fakeObjectModel backs allocateFn/referenceFn/dereferenceFn with plain Go
// memory and a refcount map, so kernel/ps's object lifecycle (creation,
// reference-on-walk, drop-to-zero deletion) can be exercised without the
// real pool-backed headers kernel/ob.Create builds. It mirrors
// kernel/ob's own fakeAllocator test helper one layer up the stack, since
// ob's private allocateFn/freeFn aren't reachable from this package.
func fakeObjectModel(t *testing.T) (deleted *[]unsafe.Pointer) {
	t.Helper()
	origAlloc, origRef, origDeref := allocateFn, referenceFn, dereferenceFn

	registry := map[unsafe.Pointer]*fakeObject{}
	var deletedObjs []unsafe.Pointer

	allocateFn = func(typ *ob.Type, bodySize uint32) (unsafe.Pointer, *kernel.Error) {
		buf := make([]byte, fakeHeaderPad+int(bodySize))
		obj := unsafe.Pointer(&buf[fakeHeaderPad])
		registry[obj] = &fakeObject{typ: typ, refcount: 1}
		return obj, nil
	}
	referenceFn = func(obj unsafe.Pointer) bool {
		fo, ok := registry[obj]
		if !ok {
			return false
		}
		for {
			old := atomic.LoadInt32(&fo.refcount)
			if old <= 0 {
				return false
			}
			if atomic.CompareAndSwapInt32(&fo.refcount, old, old+1) {
				return true
			}
		}
	}
	dereferenceFn = func(obj unsafe.Pointer) {
		fo, ok := registry[obj]
		if !ok {
			return
		}
		if atomic.AddInt32(&fo.refcount, -1) != 0 {
			return
		}
		deletedObjs = append(deletedObjs, obj)
		if fo.typ != nil && fo.typ.DeleteProcedure != nil {
			fo.typ.DeleteProcedure(obj)
		}
	}

	t.Cleanup(func() {
		allocateFn, referenceFn, dereferenceFn = origAlloc, origRef, origDeref
	})
	return &deletedObjs
}

// fakeScheduler backs currentSchedThreadFn/registerThreadFn/
// unregisterThreadFn/enqueueThreadFn/scheduleFn with plain recording
// stand-ins, so CreateThread/ThreadExit/GetNextThread can be exercised
// without kernel/sched's per-CPU ready-queue and registry state having
// been brought up via sched.Init.
type fakeScheduler struct {
	current      *sched.Thread
	registered   []*sched.Thread
	enqueued     []*sched.Thread
	unregistered []uint64
	scheduled    int
}

func setupFakeScheduler(t *testing.T) *fakeScheduler {
	t.Helper()
	fs := &fakeScheduler{}

	origCurrent, origRegister, origUnregister, origEnqueue, origSchedule :=
		currentSchedThreadFn, registerThreadFn, unregisterThreadFn, enqueueThreadFn, scheduleFn

	currentSchedThreadFn = func() *sched.Thread { return fs.current }
	registerThreadFn = func(st *sched.Thread) { fs.registered = append(fs.registered, st) }
	unregisterThreadFn = func(id uint64) { fs.unregistered = append(fs.unregistered, id) }
	enqueueThreadFn = func(st *sched.Thread) { fs.enqueued = append(fs.enqueued, st) }
	scheduleFn = func() { fs.scheduled++ }

	t.Cleanup(func() {
		currentSchedThreadFn, registerThreadFn, unregisterThreadFn, enqueueThreadFn, scheduleFn =
			origCurrent, origRegister, origUnregister, origEnqueue, origSchedule
	})
	return fs
}

// mockCPU installs a single mocked current-CPU block, the same idiom
// kernel/mem/pool and kernel/sched's own tests use.
func mockCPU(t *testing.T) {
	t.Helper()
	cpu.InitBlocks(1)
	blk := cpu.Get(0)
	orig := cpu.CurrentFn
	cpu.CurrentFn = func() *cpu.Block { return blk }
	t.Cleanup(func() { cpu.CurrentFn = orig })
}

// resetCIDTable gives each test its own kernel-wide CID table so PID/TID
// allocation in one test can't collide with another's.
func resetCIDTable(t *testing.T) {
	t.Helper()
	ob.InitCIDTable()
}

// withTypes installs fresh Process/Thread object types for the duration
// of a test, the same pair ps.Init builds, without running Init's own
// system-process bootstrap.
func withTypes(t *testing.T) {
	t.Helper()
	origProcess, origThread := ProcessType, ThreadType
	ProcessType = ob.CreateType("Process", processPoolTag, deleteProcess)
	ThreadType = ob.CreateType("Thread", threadPoolTag, deleteThread)
	t.Cleanup(func() { ProcessType, ThreadType = origProcess, origThread })
}

func newTestProcess(t *testing.T) *Process {
	t.Helper()
	raw, err := allocateFn(ProcessType, uint32(unsafe.Sizeof(Process{})))
	if err != nil {
		t.Fatalf("allocateFn failed: %v", err)
	}
	p := (*Process)(raw)
	p.HandleTable = ob.NewTable()
	p.VADs = &vad.Tree{}
	return p
}
