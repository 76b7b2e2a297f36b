// Package ps implements the process and thread manager (spec §4.11): the
// EPROCESS/ETHREAD object types, the 8-step process-creation sequence, the
// guard-paged kernel stack every thread starts on, and the termination
// path the scheduler's reaper and kernel/ob's handle table cascade into.
//
// Thread wraps kernel/sched's Thread the same way the original wraps its
// scheduler-only ITHREAD inside ETHREAD: Sched is embedded as Thread's
// first field, so a bare *sched.Thread handed back by sched.CurrentThread
// recovers its owning *ps.Thread with a single unsafe.Pointer cast
// (threadFromSched) instead of a side-table lookup — the same
// CONTAINING_RECORD trick core/ps/thread.c uses to recover ETHREAD from
// the scheduler's currentThread pointer.
package ps

import (
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/cpu"
	"ferrite/kernel/diag"
	"ferrite/kernel/mem/fault"
	"ferrite/kernel/mem/pfn"
	"ferrite/kernel/mem/pmm"
	"ferrite/kernel/mem/pool"
	"ferrite/kernel/mem/vad"
	"ferrite/kernel/mem/vmm"
	"ferrite/kernel/ob"
	"ferrite/kernel/sched"
	"ferrite/kernel/sync"
)

var (
	ErrNoImageLoader = &kernel.Error{Module: "ps", Message: "no image loader registered"}
	ErrNoCaller      = &kernel.Error{Module: "ps", Message: "no current process to host the new handle"}
)

const (
	processPoolTag = pool.Tag('P') | pool.Tag('r')<<8
	threadPoolTag  = pool.Tag('T') | pool.Tag('h')<<8
)

// Process is the EPROCESS equivalent: PID, handle table, address space,
// VAD tree, and the intrusive thread list termination walks.
type Process struct {
	PID          ob.Handle
	ImageName    string
	Parent       *Process
	Critical     bool
	HandleTable  *ob.Table
	AddressSpace vmm.PageDirectoryTable
	pml4Frame    pmm.Frame
	VADs         *vad.Tree
	Rundown      sync.RundownRef

	terminating uint32

	threadListLock sync.PushLock
	threadListHead *Thread
}

// Thread is the ETHREAD equivalent. Sched must remain the first field.
//
// stackBase is tracked here rather than in Sched.StackBase deliberately:
// sched.Schedule's own termination path frees Sched.StackBase straight
// back to the nonpaged pool (it was written for the idle threads it
// builds directly), but a ps thread's stack came from the guard-paged
// allocator in stack.go and must be torn down through
// DeferKernelStackDeletion instead. Leaving Sched.StackBase zero keeps
// sched's own auto-free a no-op for every ps-managed thread.
type Thread struct {
	Sched sched.Thread

	TID        ob.Handle
	Process    *Process
	ExitStatus uint64

	entry     func(unsafe.Pointer)
	parameter unsafe.Pointer
	stackBase uintptr

	terminating uint32
	listNext    *Thread
}

var (
	ProcessType *ob.Type
	ThreadType  *ob.Type

	systemProcess *Process
)

// Init registers the Process/Thread object types, creates the system
// process (CID 4, matching the original's convention of reserving the
// first CID for it — kernel/ob's table always hands out 4 first) and
// wires ob/kernel/mem/fault's registration-by-setter bridges back to this
// package. It runs ob.Init and ob.InitCIDTable itself first.
func Init() {
	ob.Init()
	ob.InitCIDTable()
	ProcessType = ob.CreateType("Process", processPoolTag, deleteProcess)
	ThreadType = ob.CreateType("Thread", threadPoolTag, deleteThread)

	raw, err := allocateFn(ProcessType, uint32(unsafe.Sizeof(Process{})))
	if err != nil {
		bugcheckFn(ErrNoImageLoader)
		return
	}
	systemProcess = (*Process)(raw)
	systemProcess.ImageName = "system"
	systemProcess.Critical = true
	systemProcess.HandleTable = ob.NewTable()
	systemProcess.VADs = &vad.Tree{}

	pid, err := ob.AllocateCID(raw)
	if err != nil {
		bugcheckFn(ErrNoImageLoader)
		return
	}
	systemProcess.PID = pid

	ob.SetCurrentHandleTableSource(currentHandleTable)
	fault.SetVADTreeSource(currentVADTree)
	diag.SetCurrentThreadIDFn(currentThreadIDForDiag)
}

// currentThreadIDForDiag reports the TID of whichever thread is current
// when a bugcheck fires, or ^uint64(0) if none is (e.g. during early
// bring-up, before the first thread has been scheduled).
func currentThreadIDForDiag() uint64 {
	t := currentPSThread()
	if t == nil {
		return ^uint64(0)
	}
	return uint64(t.TID)
}

// InitWorkerThreads creates the stack-reaper system thread (spec §4.11,
// grounded on core/ps/pswork.c's PsInitializeWorkerThreads). Must run
// after Init and kernel/sched's Init.
func InitWorkerThreads() {
	t, err := CreateThread(systemProcess, cpu.Current().ID, stackReaperLoop, nil, false)
	if err != nil {
		bugcheckFn(ErrNoImageLoader)
		return
	}
	_ = t
}

// bugcheckFn is swapped out by tests.
var bugcheckFn = kernel.Panic

// allocateFn/referenceFn/dereferenceFn are swapped out by tests so the
// object lifecycle can be exercised without the real pool allocator
// backing ob.Create's header layout.
var (
	allocateFn    = ob.Create
	referenceFn   = ob.Reference
	dereferenceFn = ob.Dereference
)

// currentSchedThreadFn/registerThreadFn/unregisterThreadFn/enqueueThreadFn
// are swapped out by tests so this package's thread lifecycle can be
// exercised without kernel/sched's own per-CPU ready-queue/registry state
// having been brought up via sched.Init.
var (
	currentSchedThreadFn = sched.CurrentThread
	registerThreadFn     = sched.Register
	unregisterThreadFn   = sched.Unregister
	enqueueThreadFn      = sched.Enqueue
)

// threadFromSched recovers the owning *Thread from a *sched.Thread the
// scheduler handed back, exploiting Sched being Thread's first field.
func threadFromSched(st *sched.Thread) *Thread {
	if st == nil {
		return nil
	}
	return (*Thread)(unsafe.Pointer(st))
}

// currentPSThread returns the calling CPU's current thread as a *ps.Thread,
// or nil before the first Schedule call on this CPU.
func currentPSThread() *Thread {
	return threadFromSched(currentSchedThreadFn())
}

// currentHandleTable backs ob.SetCurrentHandleTableSource.
func currentHandleTable() *ob.Table {
	t := currentPSThread()
	if t == nil || t.Process == nil {
		return nil
	}
	return t.Process.HandleTable
}

// currentVADTree backs fault.SetVADTreeSource.
func currentVADTree() *vad.Tree {
	t := currentPSThread()
	if t == nil || t.Process == nil {
		return nil
	}
	return t.Process.VADs
}

// CurrentProcess returns the calling CPU's current process, or the
// system process before the first thread has been scheduled. The
// syscall layer resolves the "self" process sentinel through this.
func CurrentProcess() *Process {
	if t := currentPSThread(); t != nil && t.Process != nil {
		return t.Process
	}
	return systemProcess
}

// deleteProcess is ProcessType's delete procedure: it frees the PID,
// tears the handle table down (dereferencing every handle it still held),
// and releases the address space's top-level frame. Per-VAD frame
// teardown is left to kernel/mem/vad's own Free path, called by whatever
// released each mapping; the delete procedure here only reclaims the PML4
// itself, same as the original's ExFreePool(Process->Pcb.DirectoryTableBase)
// tail call in PsDeleteProcess.
func deleteProcess(obj unsafe.Pointer) {
	p := (*Process)(obj)
	if p.HandleTable != nil {
		ob.DeleteTable(p.HandleTable)
	}
	if p.PID != ob.InvalidHandle {
		ob.FreeCID(p.PID)
	}
	if p.pml4Frame != 0 {
		_ = pfn.Release(p.pml4Frame)
	}
}

// deleteThread is ThreadType's delete procedure: it unlinks the thread
// from its process's list, frees the TID, unregisters it from the
// scheduler's wake-by-ID table, and defers the kernel stack to the
// reaper thread.
func deleteThread(obj unsafe.Pointer) {
	t := (*Thread)(obj)
	if t.Process != nil {
		unlinkThreadFromProcess(t.Process, t)
	}
	unregisterThreadFn(t.Sched.ID)
	if t.TID != ob.InvalidHandle {
		ob.FreeCID(t.TID)
	}
	if t.stackBase != 0 {
		DeferKernelStackDeletion(t.stackBase)
	}
}

func linkThreadIntoProcess(p *Process, t *Thread) {
	p.threadListLock.AcquireExclusive()
	t.listNext = p.threadListHead
	p.threadListHead = t
	p.threadListLock.ReleaseExclusive()
}

func unlinkThreadFromProcess(p *Process, t *Thread) {
	p.threadListLock.AcquireExclusive()
	defer p.threadListLock.ReleaseExclusive()

	if p.threadListHead == t {
		p.threadListHead = t.listNext
		return
	}
	for cur := p.threadListHead; cur != nil; cur = cur.listNext {
		if cur.listNext == t {
			cur.listNext = t.listNext
			return
		}
	}
}

// GetNextThread walks p's thread list (spec §4.11 "Termination"): called
// with prev == nil it returns the head; called again with the previously
// returned thread it returns the next one. The list push-lock is held
// shared only for the duration of the lookup, never across the
// reference itself.
//
// Unlike the original's PsGetNextProcessThread, the returned thread's
// extra reference is never dropped implicitly by the following call —
// the caller must Dereference it once done. Chaining the drop onto the
// next call (as the original does) would mean a terminated thread's last
// walk reference outlives the call that actually processed it, which
// this package has no way to verify is safe without running the code;
// an explicit, caller-owned reference is simpler to reason about and
// costs the caller one extra line per iteration.
func GetNextThread(p *Process, prev *Thread) *Thread {
	p.threadListLock.AcquireShared()
	var next *Thread
	if prev == nil {
		next = p.threadListHead
	} else {
		next = prev.listNext
	}
	if next != nil && !referenceFn(unsafe.Pointer(next)) {
		next = nil
	}
	p.threadListLock.ReleaseShared()

	return next
}
