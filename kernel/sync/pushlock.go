package sync

import (
	"ferrite/kernel/spinlock"
)

type pushWaitKind uint8

const (
	pushWaitExclusive pushWaitKind = iota
	pushWaitShared
)

type pushWaitBlock struct {
	event Event
	next  *pushWaitBlock
	kind  pushWaitKind
}

// PushLock is a reader/writer lock (spec §4.2 "Push-lock"). The original
// design CASes a single word whose low bits double as both lock state and,
// once waiters exist, a pointer to the wait-block chain — a bit-packing
// trick that relies on manual memory management and doesn't survive
// translation to a garbage-collected runtime (a live wait block referenced
// only through its address packed into a plain integer is invisible to the
// collector). This keeps the same state machine and FIFO wait order but
// protects it with an inner spinlock instead of lock-free CAS.
type PushLock struct {
	inner         spinlock.Spinlock
	exclusiveHeld bool
	shareCount    uint32
	waitHead      *pushWaitBlock
	waitTail      *pushWaitBlock
}

func (p *PushLock) enqueue(wb *pushWaitBlock) {
	if p.waitTail != nil {
		p.waitTail.next = wb
	} else {
		p.waitHead = wb
	}
	p.waitTail = wb
}

// AcquireExclusive blocks until no shared or exclusive holder remains.
func (p *PushLock) AcquireExclusive() {
	oldIRQL := p.inner.Acquire()
	if !p.exclusiveHeld && p.shareCount == 0 && p.waitHead == nil {
		p.exclusiveHeld = true
		p.inner.Release(oldIRQL)
		return
	}
	wb := &pushWaitBlock{kind: pushWaitExclusive, event: Event{typ: SynchronizationEvent}}
	p.enqueue(wb)
	p.inner.Release(oldIRQL)
	wb.event.Wait()
}

// ReleaseExclusive gives up exclusive ownership. If the head of the wait
// queue is an exclusive waiter, ownership transfers directly to it; if it
// is a run of shared waiters, all of them are woken together the same way
// the original wakes a whole saved share-count in one wait block.
func (p *PushLock) ReleaseExclusive() {
	oldIRQL := p.inner.Acquire()

	head := p.waitHead
	if head == nil {
		p.exclusiveHeld = false
		p.inner.Release(oldIRQL)
		return
	}

	if head.kind == pushWaitExclusive {
		p.waitHead = head.next
		if p.waitHead == nil {
			p.waitTail = nil
		}
		head.next = nil
		p.inner.Release(oldIRQL)
		head.event.Set()
		return
	}

	var woken []*pushWaitBlock
	for p.waitHead != nil && p.waitHead.kind == pushWaitShared {
		wb := p.waitHead
		p.waitHead = wb.next
		wb.next = nil
		woken = append(woken, wb)
	}
	if p.waitHead == nil {
		p.waitTail = nil
	}
	p.exclusiveHeld = false
	p.shareCount += uint32(len(woken))
	p.inner.Release(oldIRQL)

	for _, wb := range woken {
		wb.event.Set()
	}
}

// AcquireShared blocks only while an exclusive holder holds or waits ahead
// of this caller in the queue (writer-preferring FIFO).
func (p *PushLock) AcquireShared() {
	oldIRQL := p.inner.Acquire()
	if !p.exclusiveHeld && p.waitHead == nil {
		p.shareCount++
		p.inner.Release(oldIRQL)
		return
	}
	wb := &pushWaitBlock{kind: pushWaitShared, event: Event{typ: SynchronizationEvent}}
	p.enqueue(wb)
	p.inner.Release(oldIRQL)
	wb.event.Wait()
}

// ReleaseShared gives up one shared hold, waking a queued exclusive waiter
// if this was the last one out.
func (p *PushLock) ReleaseShared() {
	oldIRQL := p.inner.Acquire()
	p.shareCount--

	if p.shareCount == 0 && p.waitHead != nil && p.waitHead.kind == pushWaitExclusive {
		head := p.waitHead
		p.waitHead = head.next
		if p.waitHead == nil {
			p.waitTail = nil
		}
		head.next = nil
		p.exclusiveHeld = true
		p.inner.Release(oldIRQL)
		head.event.Set()
		return
	}

	p.inner.Release(oldIRQL)
}
