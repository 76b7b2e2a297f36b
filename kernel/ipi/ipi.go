// Package ipi implements inter-processor coordination (spec §4.9): a
// per-CPU mailbox the bootstrap or any running CPU can install an action
// into, a directed local-APIC interrupt to make the target notice it, and
// a handler that performs the action and signals completion back to the
// sender.
package ipi

import (
	"sync/atomic"
	"unsafe"

	"ferrite/kernel/cpu"
	"ferrite/kernel/irq"
	"ferrite/kernel/spinlock"
)

// Action identifies the operation a mailbox asks its target CPU to
// perform.
type Action uint32

const (
	// Stop parks the target CPU forever. Used for emergency shutdown and
	// bugcheck propagation; the target clears its sequence and doingIPI
	// itself and then halts, so it never reaches the common completion
	// epilogue.
	Stop Action = iota
	// PrintID asks the target to log its own CPU ID, used as a liveness
	// probe during bring-up.
	PrintID
	// TLBShootdown invalidates a single virtual address in the target's
	// TLB.
	TLBShootdown
	// WriteDebugRegs programs one architectural debug register on the
	// target CPU.
	WriteDebugRegs
	// ClearDebugRegs removes a previously installed debug register
	// watchpoint from the target CPU.
	ClearDebugRegs
	// FlushCR3 reloads the target's page-directory-table base, flushing
	// every non-global TLB entry.
	FlushCR3
)

// Parameter carries whatever a given Action needs. Only the fields
// relevant to the installed Action are read by the handler; the rest are
// ignored (mirroring the original's untagged union of per-action
// parameter blocks).
type Parameter struct {
	Address uintptr // TLBShootdown, WriteDebugRegs, ClearDebugRegs
	PDT     uintptr // FlushCR3
}

// mailbox is the per-CPU inbox spec.md §3 names as part of Block: a lock,
// the installed action/parameter, and a sequence number the sender waits
// to see zeroed.
type mailbox struct {
	lock      spinlock.Spinlock
	action    Action
	parameter Parameter
	sequence  uint64
	doingIPI  uint32
}

// Vector is the local-APIC interrupt vector the IPI handler runs on,
// distinct from the DPC software-interrupt vector and the local-timer
// vector.
const Vector uint8 = 0xfc

var (
	mailboxes []mailbox

	// debugSlot records which address occupies each of the four
	// architectural debug-register slots on a CPU, so ClearDebugRegs can
	// find the slot a given address was installed into. Indexed the same
	// as mailboxes.
	debugSlots [][4]uintptr

	nextSequence uint64

	sendIPIFn             = cpu.SendIPI
	writeDebugRegisterFn  = cpu.WriteDebugRegister
	clearDebugRegistersFn = cpu.ClearDebugRegisters
	flushTLBEntryFn       = cpu.FlushTLBEntry
	switchPDTFn           = cpu.SwitchPDT
	pauseFn               = cpu.Pause
	haltFn                = cpu.Halt

	logFn func(id cpu.ID) = func(cpu.ID) {}
)

// SetLogger installs the diagnostic callback PrintID reports the target's
// identity through. Intended for kernel/diag to wire up during bring-up;
// a no-op until then.
func SetLogger(fn func(id cpu.ID)) { logFn = fn }

// Init allocates one mailbox per CPU and installs each into its Block,
// and registers the IPI interrupt handler. Must be called once after
// cpu.InitBlocks.
func Init() {
	n := cpu.Count()
	mailboxes = make([]mailbox, n)
	debugSlots = make([][4]uintptr, n)
	for i := range mailboxes {
		cpu.Get(cpu.ID(i)).SetIPIMailbox(unsafe.Pointer(&mailboxes[i]))
	}
	irq.HandleException(irq.ExceptionNum(Vector), func(*irq.Frame, *irq.Regs) { Handle() })
}

// processIncoming runs this CPU's own handler inline if its mailbox
// currently holds unserviced work. Called while a sender spins waiting to
// acquire another CPU's mailbox lock, so that two CPUs sending IPIs to
// each other at the same time cannot deadlock each one spinning on the
// other's lock while its own inbox goes unanswered.
func processIncoming() {
	self := cpu.Current().ID
	mb := &mailboxes[self]
	if atomic.LoadUint64(&mb.sequence) != 0 {
		Handle()
	}
}

// SendActionToCPUsAndWait installs action/parameter into every online
// CPU's mailbox except the caller's own, interrupts each with a directed
// IPI, and blocks until every target has finished servicing it (spec
// §4.9). For Stop, each target clears its sequence before it halts, so the
// call returns once every target has parked; the caller itself is never a
// target.
func SendActionToCPUsAndWait(action Action, parameter Parameter) {
	self := cpu.Current()
	seq := atomic.AddUint64(&nextSequence, 1)

	targets := make([]cpu.ID, 0, cpu.Count())
	for _, blk := range cpu.All() {
		if blk.ID == self.ID || !blk.Online() {
			continue
		}
		targets = append(targets, blk.ID)
	}

	for _, id := range targets {
		mb := &mailboxes[id]
		for !mb.lock.TryRaw() {
			processIncoming()
			pauseFn()
		}

		mb.parameter = parameter
		mb.action = action
		atomic.StoreUint64(&mb.sequence, seq)

		target := cpu.Get(id)
		sendIPIFn(self.LAPICMMIOVirt, target.LAPICID, Vector)
	}

	for _, id := range targets {
		mb := &mailboxes[id]
		for atomic.LoadUint64(&mb.sequence) == seq {
			processIncoming()
			pauseFn()
		}
		mb.lock.ReleaseRaw()
	}
}

// Handle services whatever action is installed in the current CPU's own
// mailbox. It is the body of the interrupt handler registered at Vector,
// and is also called inline by a sender spinning on another CPU's lock so
// that it keeps draining its own inbox.
func Handle() {
	self := cpu.Current().ID
	mb := &mailboxes[self]

	atomic.StoreUint32(&mb.doingIPI, 1)
	action := mb.action
	param := mb.parameter

	switch action {
	case Stop:
		atomic.StoreUint64(&mb.sequence, 0)
		atomic.StoreUint32(&mb.doingIPI, 0)
		for {
			haltFn()
		}
	case PrintID:
		logFn(self)
	case TLBShootdown:
		flushTLBEntryFn(param.Address)
	case WriteDebugRegs:
		slot := freeDebugSlot(self)
		debugSlots[self][slot] = param.Address
		writeDebugRegisterFn(slot, param.Address)
	case ClearDebugRegs:
		if slot, ok := findDebugSlot(self, param.Address); ok {
			debugSlots[self][slot] = 0
			anyLeft := false
			for _, addr := range debugSlots[self] {
				if addr != 0 {
					anyLeft = true
					break
				}
			}
			if !anyLeft {
				clearDebugRegistersFn()
			}
		}
	case FlushCR3:
		switchPDTFn(param.PDT)
	}

	atomic.StoreUint32(&mb.doingIPI, 0)
	atomic.StoreUint64(&mb.sequence, 0)
}

// freeDebugSlot returns the first unused architectural debug-register
// slot for id, or 0 (overwriting whatever slot 0 holds) if all four are
// taken.
func freeDebugSlot(id cpu.ID) uint8 {
	for i, addr := range debugSlots[id] {
		if addr == 0 {
			return uint8(i)
		}
	}
	return 0
}

// findDebugSlot reports which slot addr occupies on id's CPU, if any.
func findDebugSlot(id cpu.ID, addr uintptr) (uint8, bool) {
	for i, a := range debugSlots[id] {
		if a == addr {
			return uint8(i), true
		}
	}
	return 0, false
}

// DoingIPI reports whether id's CPU is currently inside its IPI handler.
// Exposed for kernel/irql's nested-interrupt bookkeeping and tests.
func DoingIPI(id cpu.ID) bool {
	return atomic.LoadUint32(&mailboxes[id].doingIPI) == 1
}
