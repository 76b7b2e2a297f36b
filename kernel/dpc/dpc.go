// Package dpc implements the deferred-procedure-call dispatcher (spec
// §4.1): a per-CPU queue of short-running work retired at Dispatch IRQL,
// requesting a software interrupt whenever work needs attention.
package dpc

import (
	"sync/atomic"
	"unsafe"

	"ferrite/kernel/cpu"
	"ferrite/kernel/irql"
	"ferrite/kernel/spinlock"
)

// Priority selects where in the queue a DPC is inserted and whether it can
// force an immediate software interrupt.
type Priority uint8

const (
	Low Priority = iota
	Medium
	High
)

// AnyCPU is the target CPU sentinel meaning "whichever CPU Enqueue runs on"
// (spec §4.1 step 2: "dpc's CPU number, falling back to current").
const AnyCPU = cpu.ID(0xffffffff)

// Routine is the work executed when a DPC is retired.
type Routine func(d *DPC, ctx, arg1, arg2 unsafe.Pointer)

// DPC describes one deferred procedure call (spec §3, §4.1).
type DPC struct {
	next     *DPC
	routine  Routine
	ctx      unsafe.Pointer
	arg1     unsafe.Pointer
	arg2     unsafe.Pointer
	priority Priority
	cpu      cpu.ID

	// inserted holds a pointer to the queue this DPC is currently linked
	// into, or nil. Compared-and-swapped from nil to claim the slot so a
	// DPC can never be queued twice (spec §8 property).
	inserted unsafe.Pointer
}

// New creates a DPC bound to routine, to be retired on the given CPU with
// the given priority.
func New(routine Routine, ctx unsafe.Pointer, priority Priority, target cpu.ID) *DPC {
	return &DPC{routine: routine, ctx: ctx, priority: priority, cpu: target}
}

// queue is one per-CPU DPC queue (spec §3's dpc_queue field of Block,
// kept in this package rather than embedded in cpu.Block — see the cpu
// package doc comment).
type queue struct {
	lock             spinlock.Spinlock
	head, tail       *DPC
	depth            int32
	routineActive    uint32
	interruptRequest uint32
	maxDepth         int32
}

// HighWaterMark is the queue-depth threshold past which Enqueue requests a
// software interrupt even for Low-priority work (spec §4.1 step 5).
const HighWaterMark = 4

var (
	queues []queue

	requestSoftInterruptFn = cpu.RequestSoftwareInterrupt
)

// Vector is the software interrupt vector DPC retirement runs on.
const Vector uint8 = 0xfd

// Init allocates the per-CPU queues and wires the irql package's Lower
// hooks so that lowering IRQL below Dispatch can re-arm pending DPC work.
// Must be called once after cpu.InitBlocks.
func Init() {
	queues = make([]queue, cpu.Count())
	for i := range queues {
		cpu.Get(cpu.ID(i)).SetDPCQueue(unsafe.Pointer(&queues[i]))
	}
	irql.SetDPCVector(Vector)
	irql.SetDPCHooks(InterruptRequested, RoutineActive)
}

// InterruptRequested reports whether the given CPU's queue has a pending
// software-interrupt request. Exposed for irql.SetDPCHooks.
func InterruptRequested(id cpu.ID) bool {
	return atomic.LoadUint32(&queues[id].interruptRequest) == 1
}

// RoutineActive reports whether the given CPU's retire loop is currently
// executing a routine. Exposed for irql.SetDPCHooks.
func RoutineActive(id cpu.ID) bool {
	return atomic.LoadUint32(&queues[id].routineActive) == 1
}

// Enqueue inserts d onto its target CPU's queue (spec §4.1). It returns
// false without modifying the queue if d is already inserted anywhere.
func Enqueue(d *DPC, arg1, arg2 unsafe.Pointer) bool {
	prev := irql.Raise(irql.High)
	defer irql.Lower(prev)

	target := d.cpu
	if target == AnyCPU || int(target) >= len(queues) {
		target = cpu.Current().ID
	}
	q := &queues[target]

	q.lock.AcquireRaw()
	defer q.lock.ReleaseRaw()

	if !atomic.CompareAndSwapPointer(&d.inserted, nil, unsafe.Pointer(q)) {
		return false
	}

	d.arg1, d.arg2 = arg1, arg2
	d.next = nil
	if q.head == nil {
		q.head, q.tail = d, d
	} else if d.priority == High {
		d.next = q.head
		q.head = d
	} else {
		q.tail.next = d
		q.tail = d
	}
	q.depth++
	if q.depth > q.maxDepth {
		q.maxDepth = q.depth
	}

	if atomic.LoadUint32(&q.routineActive) == 0 && atomic.LoadUint32(&q.interruptRequest) == 0 &&
		(d.priority > Low || q.depth >= HighWaterMark) {
		atomic.StoreUint32(&q.interruptRequest, 1)
		if irql.Current() < irql.Dispatch {
			requestSoftInterruptFn(Vector)
		}
	}

	return true
}

// Depth returns the current queue depth for diagnostics/tests.
func Depth(id cpu.ID) int32 { return atomic.LoadInt32(&queues[id].depth) }

// enableInterruptsFn/disableInterruptsFn are swapped out by tests so the
// retire loop doesn't execute real STI/CLI outside ring 0.
var (
	enableInterruptsFn  = cpu.EnableInterrupts
	disableInterruptsFn = cpu.DisableInterrupts
)

// Retire runs the per-CPU retirement loop (spec §4.1). It must be entered
// at Dispatch with architectural interrupts disabled and exits the same
// way. It is the body of the software-interrupt handler installed at
// Vector.
func Retire() {
	id := cpu.Current().ID
	q := &queues[id]

	for {
		atomic.StoreUint32(&q.routineActive, 1)

		for atomic.LoadInt32(&q.depth) > 0 {
			q.lock.AcquireRaw()
			d := q.head
			if d == nil {
				q.lock.ReleaseRaw()
				break
			}
			q.head = d.next
			if q.head == nil {
				q.tail = nil
			}
			d.next = nil
			atomic.StorePointer(&d.inserted, nil)
			q.depth--
			routine, ctx, a1, a2 := d.routine, d.ctx, d.arg1, d.arg2
			q.lock.ReleaseRaw()

			enableInterruptsFn()
			routine(d, ctx, a1, a2)
			disableInterruptsFn()

			if irql.Current() != irql.Dispatch {
				panic("dpc: routine left IRQL below Dispatch")
			}
		}

		atomic.StoreUint32(&q.routineActive, 0)
		atomic.StoreUint32(&q.interruptRequest, 0)
		if atomic.LoadInt32(&q.depth) == 0 {
			break
		}
	}
}
