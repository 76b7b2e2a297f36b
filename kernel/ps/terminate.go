package ps

import (
	"sync/atomic"
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/ob"
)

// ErrCriticalProcessDied is the bugcheck reason given when a process
// flagged Critical terminates.
var ErrCriticalProcessDied = &kernel.Error{Module: "ps", Message: "CRITICAL_PROCESS_DIED"}

// TerminateProcess implements spec §4.11 "Termination": a critical
// process dying is unconditionally fatal; otherwise the process rundown
// is waited out (so no new references can arrive), the terminating flag
// is flipped exactly once, and every thread but the calling one is
// terminated before the calling thread (if it belongs to p) exits last.
func TerminateProcess(p *Process, exitStatus uint64) *kernel.Error {
	if p.Critical {
		bugcheckFn(ErrCriticalProcessDied)
		return ErrCriticalProcessDied
	}

	p.Rundown.WaitForRelease()

	if !atomic.CompareAndSwapUint32(&p.terminating, 0, 1) {
		return ErrAlreadyTerminating
	}

	self := currentPSThread()
	selfBelongsToP := false

	var prev *Thread
	for {
		t := GetNextThread(p, prev)
		if prev != nil {
			dereferenceFn(unsafe.Pointer(prev))
		}
		if t == nil {
			break
		}

		if t == self {
			selfBelongsToP = true
		} else {
			terminateThread(t, exitStatus)
		}
		prev = t
	}

	if selfBelongsToP {
		ThreadExit(exitStatus)
	}

	return nil
}

// terminateThread marks a thread (other than the caller) Terminating,
// records its exit status, and drops the creation reference the thread
// list itself represented. Once TerminateProcess also drops its walk
// reference the count reaches zero and deleteThread runs, which unlinks
// the thread and defers its stack to the reaper. It is not safe to call this on the
// calling thread; use ThreadExit for that.
func terminateThread(t *Thread, exitStatus uint64) {
	atomic.StoreUint32(&t.terminating, 1)
	t.ExitStatus = exitStatus
	dereferenceFn(unsafe.Pointer(t))
}

// TerminateThread terminates a single thread that is not the caller,
// without tearing down the rest of its process. Exposed for the
// ReadFile-less single-thread-kill syscall path; TerminateProcess does
// not call this, since it needs to special-case the calling thread.
func TerminateThread(t *Thread, exitStatus uint64) *kernel.Error {
	if t == currentPSThread() {
		ThreadExit(exitStatus)
		return nil
	}
	if !atomic.CompareAndSwapUint32(&t.terminating, 0, 1) {
		return ErrAlreadyTerminating
	}
	t.ExitStatus = exitStatus
	dereferenceFn(unsafe.Pointer(t))
	return nil
}
