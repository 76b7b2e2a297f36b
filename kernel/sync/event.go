package sync

import (
	"ferrite/kernel"
	"ferrite/kernel/irql"
	"ferrite/kernel/spinlock"
)

// EventType selects an event's reset behavior.
type EventType uint8

const (
	// NotificationEvent stays signaled once set until explicitly reset;
	// every waiter present or arriving while signaled is released.
	NotificationEvent EventType = iota
	// SynchronizationEvent auto-resets: Set wakes exactly one waiter (or
	// leaves the event signaled for the next Wait if none is queued), and
	// Wait consumes the signaled state.
	SynchronizationEvent
)

// ErrWaitAtDispatch is bugchecked when Wait is called at IRQL >= Dispatch.
var ErrWaitAtDispatch = &kernel.Error{Module: "sync", Message: "IRQL_NOT_LESS_OR_EQUAL"}

// bugcheckFn is swapped out by tests.
var bugcheckFn = kernel.Panic

type waiter struct {
	threadID uint64
	next     *waiter
}

// Event is the wait/notify primitive every other primitive in this package
// (mutex, push-lock wait blocks) is built from.
type Event struct {
	lock     spinlock.Spinlock
	typ      EventType
	signaled bool
	head     *waiter
	tail     *waiter
}

// NewEvent returns an initialized, unsignaled event of the given type.
func NewEvent(typ EventType) *Event {
	return &Event{typ: typ}
}

func (e *Event) enqueue(w *waiter) {
	if e.tail != nil {
		e.tail.next = w
	} else {
		e.head = w
	}
	e.tail = w
}

func (e *Event) dequeue() *waiter {
	w := e.head
	if w == nil {
		return nil
	}
	e.head = w.next
	if e.head == nil {
		e.tail = nil
	}
	w.next = nil
	return w
}

// Set wakes waiters per the event's type (spec §4.2 "Event").
func (e *Event) Set() {
	oldIRQL := e.lock.Acquire()

	if e.typ == SynchronizationEvent {
		w := e.dequeue()
		if w == nil {
			e.signaled = true
			e.lock.Release(oldIRQL)
			return
		}
		e.signaled = false
		e.lock.Release(oldIRQL)
		enqueueReadyFn(w.threadID)
		return
	}

	var drained *waiter
	var tail *waiter
	for {
		w := e.dequeue()
		if w == nil {
			break
		}
		if tail != nil {
			tail.next = w
		} else {
			drained = w
		}
		tail = w
	}
	e.signaled = true
	e.lock.Release(oldIRQL)

	for w := drained; w != nil; {
		next := w.next
		enqueueReadyFn(w.threadID)
		w = next
	}
}

// Reset clears a Notification event's persistent signaled state. Callers
// are responsible for ensuring no wait is racing the reset.
func (e *Event) Reset() {
	oldIRQL := e.lock.Acquire()
	e.signaled = false
	e.lock.Release(oldIRQL)
}

// Wait blocks the current thread until the event is signaled. Must be
// called at IRQL < Dispatch.
func (e *Event) Wait() {
	if irql.Current() >= irql.Dispatch {
		bugcheckFn(ErrWaitAtDispatch)
		return
	}

	oldIRQL := e.lock.Acquire()
	if e.signaled {
		if e.typ == SynchronizationEvent {
			e.signaled = false
		}
		e.lock.Release(oldIRQL)
		return
	}

	e.enqueue(&waiter{threadID: currentThreadIDFn()})
	e.lock.Release(oldIRQL)

	sleepCurrentThreadFn()
}
