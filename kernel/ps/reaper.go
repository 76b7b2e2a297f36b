package ps

import (
	"sync/atomic"
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pool"
	"ferrite/kernel/sync"
)

// stackReaperNode is one pending free, pushed by DeferKernelStackDeletion
// and consumed in batches by the stack-reaper thread (core/ps/pswork.c).
type stackReaperNode struct {
	base uintptr
	next unsafe.Pointer
}

// reaperListMaxBatch bounds how many stacks one wake of the reaper thread
// frees before it re-checks the event, so a burst of terminations can't
// starve the rest of the system out of the reaper's attention indefinitely
// — the original's worklist batching detail, not present in spec.md's
// distillation of the stack-reaper requirement.
const reaperListMaxBatch = 64

var (
	stackReaperList  unsafe.Pointer
	stackReaperEvent = sync.NewEvent(sync.SynchronizationEvent)

	stackReaperNodeTag = pool.Tag('R') | pool.Tag('n')<<8

	allocateNodeFn = func() (*stackReaperNode, *kernel.Error) {
		raw, err := pool.Allocate(mem.Size(unsafe.Sizeof(stackReaperNode{})), stackReaperNodeTag)
		if err != nil {
			return nil, err
		}
		return (*stackReaperNode)(raw), nil
	}
	freeNodeFn = func(n *stackReaperNode) { _ = pool.Free(unsafe.Pointer(n)) }

	freeKernelStackFn = FreeKernelStack
)

// DeferKernelStackDeletion queues base for the stack-reaper thread to free.
// A thread cannot free its own kernel stack (it is still running on it);
// the scheduler's termination path always reaches this instead of calling
// FreeKernelStack directly.
func DeferKernelStackDeletion(base uintptr) {
	node, err := allocateNodeFn()
	if err != nil {
		// Nothing sane to do with an allocation failure here other than
		// leak the stack; it is a bounded, diagnosable leak rather than a
		// use-after-free.
		return
	}
	node.base = base

	for {
		old := atomic.LoadPointer(&stackReaperList)
		node.next = old
		if atomic.CompareAndSwapPointer(&stackReaperList, old, unsafe.Pointer(node)) {
			break
		}
	}
	stackReaperEvent.Set()
}

// stackReaperLoop is the dedicated system thread's entry point: it sleeps
// on the reaper event and drains a batch on each wake.
func stackReaperLoop(_ unsafe.Pointer) {
	for {
		stackReaperEvent.Wait()
		drainReaperBatch()
	}
}

// drainReaperBatch pops the entire pending list and frees it in batches of
// reaperListMaxBatch, so a burst of terminations can't starve the rest of
// the system out of the reaper thread's attention indefinitely. Split out
// of stackReaperLoop so one wake's worth of work can be exercised on its
// own.
func drainReaperBatch() {
	list := atomic.SwapPointer(&stackReaperList, nil)
	freed := 0
	for list != nil {
		n := (*stackReaperNode)(list)
		next := n.next
		freeKernelStackFn(n.base)
		freeNodeFn(n)
		list = next

		freed++
		if freed >= reaperListMaxBatch && list != nil {
			// Push the remainder back and let the next wake continue;
			// re-signal so the wake isn't lost.
			for {
				old := atomic.LoadPointer(&stackReaperList)
				tail := list
				for tail != nil && (*stackReaperNode)(tail).next != nil {
					tail = (*stackReaperNode)(tail).next
				}
				if tail != nil {
					(*stackReaperNode)(tail).next = old
				}
				if atomic.CompareAndSwapPointer(&stackReaperList, old, list) {
					break
				}
			}
			stackReaperEvent.Set()
			break
		}
	}
}
