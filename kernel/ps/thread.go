package ps

import (
	"sync/atomic"
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/cpu"
	"ferrite/kernel/ob"
	"ferrite/kernel/sched"
)

// ErrThreadCreateFailed wraps any failure in CreateThread's allocation
// sequence that doesn't already carry a more specific error.
var ErrThreadCreateFailed = &kernel.Error{Module: "ps", Message: "unable to create thread"}

// allocateStackFn is swapped out by tests; production always goes through
// the guard-paged allocator in stack.go.
var allocateStackFn = AllocateKernelStack

// scheduleFn is swapped out by tests so ThreadExit can be exercised
// without kernel/sched's per-CPU dispatch state having been brought up.
var scheduleFn = sched.Schedule

// funcPC extracts a Go function value's entry address. kernel/sched keeps
// its own private copy of this trick (context_amd64.go) for the same
// reason: a func value is a pointer to a closure record whose first word
// is the code pointer, and sched's copy is unexported.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

// CreateThread allocates a Thread object, a guard-paged kernel stack, and
// a TID, then enqueues it on target's ready queue (spec §4.11 "Thread
// creation"). entry runs on the new thread with parameter once scheduled;
// returning from entry is equivalent to calling ThreadExit(0).
func CreateThread(p *Process, target cpu.ID, entry func(unsafe.Pointer), parameter unsafe.Pointer, large bool) (*Thread, *kernel.Error) {
	raw, err := allocateFn(ThreadType, uint32(unsafe.Sizeof(Thread{})))
	if err != nil {
		return nil, err
	}
	t := (*Thread)(raw)

	tid, err := ob.AllocateCID(raw)
	if err != nil {
		dereferenceFn(raw)
		return nil, err
	}
	t.TID = tid

	top, base, err := allocateStackFn(large)
	if err != nil {
		dereferenceFn(raw)
		return nil, err
	}

	t.Process = p
	t.entry = entry
	t.parameter = parameter
	t.stackBase = base

	t.Sched = *sched.NewThread(uint64(tid), target, funcPC(kernelThreadTrampoline), top)

	linkThreadIntoProcess(p, t)
	registerThreadFn(&t.Sched)
	enqueueThreadFn(&t.Sched)

	return t, nil
}

// kernelThreadTrampoline is every ps thread's trap-frame entry point. It
// recovers the owning *Thread from the scheduler's current-thread pointer
// (the CONTAINING_RECORD cast described in the package doc), runs the
// thread's stored entry function, and exits with status 0 if entry
// returns instead of calling ThreadExit itself.
func kernelThreadTrampoline() {
	t := currentPSThread()
	t.entry(t.parameter)
	ThreadExit(0)
}

// ThreadExit marks the calling thread Terminated and reschedules; it
// never returns. The thread's object reference taken at creation is
// dropped here, which runs deleteThread (unlinking it from its process
// and deferring its stack to the reaper) once every other outstanding
// reference — e.g. from an in-flight GetNextThread walk — has also gone
// away.
func ThreadExit(status uint64) {
	t := currentPSThread()
	if t == nil {
		return
	}

	t.ExitStatus = status
	atomic.StoreUint32(&t.terminating, 1)
	t.Sched.State = sched.Terminated

	dereferenceFn(unsafe.Pointer(t))
	scheduleFn()
}
