// Package sync implements the L6 synchronization primitives (spec §4.2):
// events, mutexes, push-locks, and rundown references, all layered on top
// of kernel/spinlock the same way the scheduler and object manager sit on
// top of the L2/L3 memory packages.
package sync

// The scheduler owns thread state, so waking a blocked waiter and putting
// the current thread to sleep are registered in by kernel/sched at bring-up
// rather than imported directly, avoiding a sync->sched->sync cycle (the
// same pattern irql uses for dpc via SetDPCHooks).
var (
	currentThreadIDFn    = func() uint64 { return 0 }
	enqueueReadyFn       func(threadID uint64)
	sleepCurrentThreadFn func()
)

// SetSchedulerHooks registers the callbacks every blocking primitive in this
// package needs: the waiting thread's identity, handing a woken thread back
// to a ready queue, and yielding the CPU until something wakes the current
// thread. Called once during bring-up by kernel/sched.
func SetSchedulerHooks(currentThreadID func() uint64, enqueueReady func(uint64), sleepCurrentThread func()) {
	currentThreadIDFn = currentThreadID
	enqueueReadyFn = enqueueReady
	sleepCurrentThreadFn = sleepCurrentThread
}
