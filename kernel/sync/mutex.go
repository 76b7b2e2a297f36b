package sync

import (
	"ferrite/kernel"
	"ferrite/kernel/spinlock"
)

// ErrMutexNotOwned is returned by Release when the calling thread holds no
// ownership to give up.
var ErrMutexNotOwned = &kernel.Error{Module: "sync", Message: "mutex released while not owned"}

// Mutex is a non-recursive owned lock (spec §4.2 "Mutex"): blocked acquirers
// wait on an embedded SynchronizationEvent instead of spinning.
type Mutex struct {
	lock    spinlock.Spinlock
	locked  bool
	ownerID uint64
	event   Event
}

// NewMutex returns an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{event: Event{typ: SynchronizationEvent}}
}

// Acquire blocks until the calling thread owns the mutex.
func (m *Mutex) Acquire() {
	for {
		oldIRQL := m.lock.Acquire()
		if !m.locked {
			m.locked = true
			m.ownerID = currentThreadIDFn()
			m.lock.Release(oldIRQL)
			return
		}
		m.lock.Release(oldIRQL)
		m.event.Wait()
	}
}

// Release gives up ownership and wakes one waiter, if any.
func (m *Mutex) Release() *kernel.Error {
	oldIRQL := m.lock.Acquire()
	if !m.locked || m.ownerID != currentThreadIDFn() {
		m.lock.Release(oldIRQL)
		return ErrMutexNotOwned
	}
	m.locked = false
	m.ownerID = 0
	m.lock.Release(oldIRQL)

	m.event.Set()
	return nil
}
