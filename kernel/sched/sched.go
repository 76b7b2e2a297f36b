// Package sched implements the per-CPU preemptive scheduler with work
// stealing (spec §4.8): a ready queue and idle thread per logical CPU, the
// Schedule dispatch loop, the timer-driven preemption trigger, and the
// cooperative sleep primitive every blocking synchronization call in
// kernel/sync ultimately bottoms out in.
//
// Thread here carries only the fields the scheduler itself needs (state,
// time-slice, trap frame, ready-queue link). kernel/ps wraps it with the
// process/TID bookkeeping a full ETHREAD needs, the same ITHREAD/ETHREAD
// split the original implementation uses to avoid a sched<->ps import
// cycle: sched never needs to know about processes.
package sched

import (
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/cpu"
	"ferrite/kernel/dpc"
	"ferrite/kernel/irq"
	"ferrite/kernel/irql"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pool"
	"ferrite/kernel/spinlock"
	"ferrite/kernel/sync"
)

// State is a thread's scheduling state.
type State uint32

const (
	Ready State = iota
	Running
	Blocked
	Terminated
	Zombie
)

// DefaultTimeSlice is the number of timer ticks a thread runs before
// Tick queues a Schedule DPC against it.
const DefaultTimeSlice = 1

// idleStackSize is the fixed stack footprint of the idle thread. Idle
// threads are never freed and never fault, so they are allocated straight
// out of the nonpaged pool rather than through kernel/ps's guard-paged
// kernel-stack allocator (which exists to protect threads that can fault
// and must eventually be torn down).
const idleStackSize = 4096

// rflagsInterruptEnable is bit 9 of RFLAGS (IF).
const rflagsInterruptEnable = 1 << 9

// TrapFrame is a thread's suspended execution context: the general-purpose
// registers and the architectural exception frame IRETQ consumes to
// resume it. Its layout mirrors kernel/irq's Regs/Frame split exactly
// because a thread is suspended at the same points an interrupt or
// exception suspends control flow.
type TrapFrame struct {
	Regs  irq.Regs
	Frame irq.Frame
}

// Thread is one schedulable unit of execution.
type Thread struct {
	next *Thread

	ID    uint64
	State State
	CPU   cpu.ID

	TimeSlice          uint32
	TimeSliceAllocated uint32

	Trap TrapFrame

	// StackBase is the pointer pool.Allocate returned for this thread's
	// kernel stack, kept so the reaper DPC can hand it back to Free.
	StackBase uintptr
}

// ErrNoIdleStack is bugchecked if the idle thread's stack cannot be
// allocated during bring-up.
var ErrNoIdleStack = &kernel.Error{Module: "sched", Message: "NO_IDLE_STACK"}

// bugcheckFn is swapped out by tests.
var bugcheckFn = kernel.Panic

// idleStackTag tags the idle thread's stack allocation for pool
// diagnostics ('I', 'd').
const idleStackTag = pool.Tag('I') | pool.Tag('d')<<8

// allocateStackFn reserves size bytes of nonpaged pool and returns the
// base pointer together with the initial top-of-stack value (the stack
// grows down from base+size). Swapped out by tests.
var allocateStackFn = func(size uint32) (base, top uintptr, kerr *kernel.Error) {
	ptr, err := pool.Allocate(mem.Size(size), idleStackTag)
	if err != nil {
		return 0, 0, err
	}
	base = uintptr(ptr)
	return base, base + uintptr(size), nil
}

// freeStackFn returns a terminated thread's stack to the pool it came
// from. Swapped out by tests.
var freeStackFn = func(base uintptr) { _ = pool.Free(unsafe.Pointer(base)) }

// restoreContextFn transfers control into a trap frame and never returns
// in production; swapped out by tests so Schedule can be exercised on a
// hosted goroutine stack.
var restoreContextFn = restoreContext

// queue is one per-CPU ready queue (spec §3's ready_queue field of Block,
// kept here rather than embedded in cpu.Block for the same reason the DPC
// queue is — see the cpu package doc comment).
type queue struct {
	lock       spinlock.Spinlock
	head, tail *Thread
}

func (q *queue) push(t *Thread) {
	t.next = nil
	if q.tail == nil {
		q.head, q.tail = t, t
		return
	}
	q.tail.next = t
	q.tail = t
}

func (q *queue) pop() *Thread {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.next
	if q.head == nil {
		q.tail = nil
	}
	t.next = nil
	return t
}

var (
	queues         []queue
	idleThreads    []*Thread
	currentThreads []*Thread

	// registry is a minimal stand-in for kernel/ob's CID table (spec
	// §4.10): a lookup from TID to *Thread so the kernel/sync hooks can
	// wake a specific blocked thread by ID without sched importing ob or
	// ps. kernel/ps registers every thread it creates here; kernel/ob's
	// CID table, once built, is expected to supersede this for PID/TID
	// lookups generally.
	registry     = map[uint64]*Thread{}
	registryLock spinlock.Spinlock
)

// TimerVector is the local-timer interrupt's exception/IRQ vector. The
// LAPIC timer's programming (divisor, periodic mode) is the bring-up
// sequence's responsibility; sched only consumes ticks delivered at this
// vector.
const TimerVector irq.ExceptionNum = 0x20

// Init builds the per-CPU ready queues and idle threads and wires the
// preemption-tick handler and the kernel/sync scheduler hooks. Must run
// once during bring-up after cpu.InitBlocks and kernel/dpc's Init.
func Init() {
	n := cpu.Count()
	queues = make([]queue, n)
	idleThreads = make([]*Thread, n)
	currentThreads = make([]*Thread, n)

	for i := cpu.ID(0); uint32(i) < n; i++ {
		idle := newIdleThread(i)
		idleThreads[i] = idle
		cpu.Get(i).SetReadyQueue(unsafe.Pointer(&queues[i]))
		cpu.Get(i).SetIdleThread(unsafe.Pointer(idle))
	}

	irq.HandleException(TimerVector, Tick)
	sync.SetSchedulerHooks(currentThreadID, enqueueReady, sleepCurrentThread)
}

// idleThreadID returns the idle thread's TID: 0 on the bootstrap CPU
// (matching the original implementation, which reserves TID 0 for it),
// or a sentinel above the public TID range on every other CPU.
func idleThreadID(id cpu.ID) uint64 {
	if id == 0 {
		return 0
	}
	return 0x8000_0000 + uint64(id)
}

func newIdleThread(id cpu.ID) *Thread {
	base, top, err := allocateStackFn(idleStackSize)
	if err != nil {
		bugcheckFn(ErrNoIdleStack)
		return nil
	}

	t := NewThread(idleThreadID(id), id, funcPC(idleLoop), top)
	t.StackBase = base
	return t
}

// idleLoop is the architectural halt loop every idle thread's trap frame
// starts at, interrupts enabled (spec §4.8).
func idleLoop() {
	for {
		cpu.Halt()
	}
}

// NewThread builds a Thread scheduled to run on target, whose trap frame
// starts executing at rip with stack pointer rsp. kernel/ps calls this
// when materializing kernel and user threads; sched uses it directly only
// to build idle threads.
func NewThread(id uint64, target cpu.ID, rip, rsp uintptr) *Thread {
	t := &Thread{
		ID:                 id,
		State:              Ready,
		CPU:                target,
		TimeSlice:          DefaultTimeSlice,
		TimeSliceAllocated: DefaultTimeSlice,
	}
	t.Trap.Frame.RIP = uint64(rip)
	t.Trap.Frame.RSP = uint64(rsp)
	t.Trap.Frame.RFlags = rflagsInterruptEnable
	return t
}

// Register makes t reachable by TID through the scheduler hooks kernel/sync
// uses to wake blocked waiters. kernel/ps calls this once per thread it
// creates; Unregister undoes it at thread termination.
func Register(t *Thread) {
	old := registryLock.Acquire()
	registry[t.ID] = t
	registryLock.Release(old)
}

// Unregister removes a TID from the wake-by-ID registry.
func Unregister(id uint64) {
	old := registryLock.Acquire()
	delete(registry, id)
	registryLock.Release(old)
}

// Enqueue places t onto its target CPU's ready queue, raising IRQL to
// Dispatch for the duration. kernel/ps calls this after building a new
// thread so it becomes eligible to run.
func Enqueue(t *Thread) {
	prev := irql.Raise(irql.Dispatch)
	enqueueRunnable(t.CPU, t)
	irql.Lower(prev)
}

// enqueueRunnable pushes t onto cpu id's ready queue. Callers must already
// be at IRQL Dispatch or above.
func enqueueRunnable(id cpu.ID, t *Thread) {
	q := &queues[id]
	q.lock.AcquireRaw()
	q.push(t)
	q.lock.ReleaseRaw()
}

// dequeueOrSteal pops the next runnable thread for cpu id: its own ready
// queue first, falling back to one pass over every other CPU's queue,
// stealing the head of the first non-empty one found (spec §4.8 step 4).
// Callers must already be at IRQL Dispatch or above.
func dequeueOrSteal(id cpu.ID) *Thread {
	q := &queues[id]
	q.lock.AcquireRaw()
	t := q.pop()
	q.lock.ReleaseRaw()
	if t != nil {
		return t
	}

	for i := range queues {
		if cpu.ID(i) == id {
			continue
		}
		victim := &queues[i]
		if victim.head == nil {
			continue
		}
		victim.lock.AcquireRaw()
		t := victim.pop()
		victim.lock.ReleaseRaw()
		if t != nil {
			return t
		}
	}
	return nil
}

// CurrentThread returns the thread currently running on the calling CPU,
// or nil before the first Schedule call on that CPU.
func CurrentThread() *Thread {
	return currentThreads[cpu.Current().ID]
}

// currentThreadID backs kernel/sync's scheduler hook.
func currentThreadID() uint64 {
	t := CurrentThread()
	if t == nil {
		return 0
	}
	return t.ID
}

// enqueueReady backs kernel/sync's scheduler hook: it looks the thread up
// by TID, marks it Ready with a fresh time-slice, and enqueues it on the
// waking CPU's ready queue (work stealing rebalances from there).
func enqueueReady(id uint64) {
	old := registryLock.Acquire()
	t := registry[id]
	registryLock.Release(old)
	if t == nil {
		return
	}

	t.State = Ready
	t.TimeSlice = t.TimeSliceAllocated

	prev := irql.Raise(irql.Dispatch)
	enqueueRunnable(cpu.Current().ID, t)
	irql.Lower(prev)
}

// sleepCurrentThread backs kernel/sync's scheduler hook: it is used by
// blocking primitives whose caller already had its registers captured by
// the trap/syscall entry that led here, so there is no frame to thread
// through — it simply marks the current thread Blocked and reschedules.
func sleepCurrentThread() {
	MsSleepCurrentThread(nil)
}

// MsSleepCurrentThread is the cooperative sleep primitive event wait and
// thread exit use (spec §4.8): if frame is non-nil it is preserved as the
// current thread's resume point, the thread is marked Blocked, and
// Schedule is invoked. It does not return until the thread is resumed.
func MsSleepCurrentThread(frame *TrapFrame) {
	id := cpu.Current().ID
	if t := currentThreads[id]; t != nil {
		if frame != nil {
			t.Trap = *frame
		}
		t.State = Blocked
	}
	Schedule()
}

// reapStack is the Medium-priority DPC routine Schedule queues for a
// thread it finds Terminated: it hands the stack back to the pool it was
// allocated from. kernel/ps's stack-reaper protocol (a lock-free list
// consumed by a dedicated system thread) supersedes this once threads stop
// being built with allocateStackFn directly.
func reapStack(d *dpc.DPC, ctx, arg1, arg2 unsafe.Pointer) {
	t := (*Thread)(ctx)
	if t.StackBase != 0 {
		freeStackFn(t.StackBase)
	}
}

// scheduleDPC is the High-priority DPC routine the preemption tick queues;
// it runs at Dispatch and calls Schedule directly (spec §4.8).
func scheduleDPC(d *dpc.DPC, ctx, arg1, arg2 unsafe.Pointer) {
	Schedule()
}

// TickSampleFn, when non-nil, is called on every timer tick with the
// current CPU/thread and the time-slice ticks consumed so far. Registered
// by kernel/diag/ktrace so its profiler has a real source of scheduling
// samples without sched importing diag.
var TickSampleFn func(id cpu.ID, t *Thread, consumed uint32)

// Tick is the local-timer interrupt handler (installed at TimerVector by
// Init): it decrements the current thread's remaining time-slice and, once
// it reaches zero, captures the interrupted registers into the thread's
// trap frame and queues a high-priority Schedule DPC (spec §4.8's
// preemption trigger).
func Tick(frame *irq.Frame, regs *irq.Regs) {
	id := cpu.Current().ID
	t := currentThreads[id]
	if t == nil {
		return
	}

	if t.TimeSlice > 0 {
		t.TimeSlice--
	}
	if TickSampleFn != nil {
		TickSampleFn(id, t, t.TimeSliceAllocated-t.TimeSlice)
	}
	if t.TimeSlice > 0 {
		return
	}

	t.Trap.Regs = *regs
	t.Trap.Frame = *frame

	d := dpc.New(scheduleDPC, nil, dpc.High, id)
	dpc.Enqueue(d, nil, nil)
}

// Schedule runs the dispatch loop (spec §4.8): it retires a terminated
// previous thread, requeues a still-runnable one, dequeues (or steals) the
// next thread to run, falls back to the idle thread, and restores its trap
// frame. It never returns in production; restoreContextFn is swapped out
// by tests so the call sequence up to that point can be observed on a
// hosted goroutine stack.
func Schedule() {
	prevIRQL := irql.Raise(irql.Dispatch)
	id := cpu.Current().ID
	prev := currentThreads[id]

	if prev != nil && prev.State == Terminated {
		d := dpc.New(reapStack, unsafe.Pointer(prev), dpc.Medium, id)
		dpc.Enqueue(d, nil, nil)
		prev.State = Zombie
		prev = nil
	}

	if prev != nil && prev != idleThreads[id] && prev.State == Running {
		prev.State = Ready
		prev.TimeSlice = prev.TimeSliceAllocated
		enqueueRunnable(id, prev)
	}

	next := dequeueOrSteal(id)
	if next == nil {
		next = idleThreads[id]
	}

	next.State = Running
	currentThreads[id] = next
	irql.Lower(prevIRQL)
	restoreContextFn(&next.Trap)
}
