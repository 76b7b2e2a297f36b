// Package irql implements the software interrupt request level manager
// (spec §4.1): a per-CPU 0..31 priority that gates preemption and the
// legality of blocking, layered on top of the architectural task-priority
// register.
package irql

import (
	"ferrite/kernel"
	"ferrite/kernel/cpu"
)

// Level is a software IRQL in the range 0..31.
type Level uint32

// The levels named by spec §4.1. Everything strictly between APC and
// PROFILE is available to device drivers/collaborators and is referred to
// only by numeric value.
const (
	Passive  Level = 0
	APC      Level = 1
	Dispatch Level = 2
	Profile  Level = 27
	Clock    Level = 28
	IPI      Level = 29
	Power    Level = 30
	High     Level = 31
)

var (
	// ErrNotGreaterOrEqual is the bugcheck cause when Raise is called with
	// a level below the current one.
	ErrNotGreaterOrEqual = &kernel.Error{Module: "irql", Message: "IRQL_NOT_GREATER_OR_EQUAL"}

	// ErrNotLessOrEqual is the bugcheck cause when Lower is called with a
	// level above the current one.
	ErrNotLessOrEqual = &kernel.Error{Module: "irql", Message: "IRQL_NOT_LESS_OR_EQUAL"}

	// bugcheckFn is swapped out by tests so violations can be observed
	// instead of halting the process under test.
	bugcheckFn = kernel.Panic

	// writeTPRFn/readTPRFn are swapped out by tests; on real hardware they
	// address the current CPU's local APIC TPR register.
	writeTPRFn = cpu.WriteTPR
	readTPRFn  = cpu.ReadTPR

	// requestSoftInterruptFn lets the dpc package be notified when a
	// Lower() call crosses back below Dispatch while work is pending.
	requestSoftInterruptFn = cpu.RequestSoftwareInterrupt

	// dpcVector is the software interrupt vector DPC retirement is
	// dispatched on; installed once by the dpc package via SetDPCVector
	// to avoid a dpc->irql->dpc import cycle.
	dpcVector uint8 = 0xfd

	// dpcInterruptRequestedFn/dpcRoutineActiveFn are registered once by
	// the dpc package (SetDPCHooks) so that Lower can decide whether to
	// re-request the DPC software interrupt without irql importing dpc.
	dpcInterruptRequestedFn func(cpu.ID) bool
	dpcRoutineActiveFn      func(cpu.ID) bool
)

// SetDPCVector registers the vector used to request DPC retirement. Called
// once during bring-up by the dpc package.
func SetDPCVector(vector uint8) { dpcVector = vector }

// SetDPCHooks registers the predicates Lower consults to decide whether a
// software interrupt must be requested when IRQL drops back to or below
// Dispatch. Called once during bring-up by the dpc package.
func SetDPCHooks(interruptRequested, routineActive func(cpu.ID) bool) {
	dpcInterruptRequestedFn = interruptRequested
	dpcRoutineActiveFn = routineActive
}

// tprTable maps an IRQL level to the task-priority register class that
// masks everything at or below it. The mapping is linear (level*15/31), so
// the lowest levels share class 0 (levels 0 through 2 all map to it) and
// the 32 levels are spread evenly over the 16 TPR classes.
var tprTable = func() [32]uint8 {
	var t [32]uint8
	for i := range t {
		t[i] = uint8((i * 15) / 31)
	}
	return t
}()

// Current returns the calling CPU's current IRQL.
func Current() Level {
	return Level(cpu.Current().CurrentIRQL)
}

// schedulerEnabled recomputes the derived scheduler_enabled flag for the
// current CPU: true whenever IRQL is below Dispatch.
func schedulerEnabled(level Level) bool { return level < Dispatch }

// Raise raises the current CPU's IRQL to level and returns the level that
// was previously in effect so the caller can Lower back to it. Raising to
// a level below the current one is a programming error and bugchecks with
// IRQL_NOT_GREATER_OR_EQUAL.
func Raise(level Level) Level {
	blk := cpu.Current()
	prev := Level(blk.CurrentIRQL)
	if level < prev {
		bugcheckFn(ErrNotGreaterOrEqual)
		return prev
	}

	blk.CurrentIRQL = uint32(level)
	writeTPRFn(blk.LAPICMMIOVirt, tprTable[level])
	return prev
}

// Lower lowers the current CPU's IRQL to level. Lowering to a level above
// the current one is a programming error and bugchecks with
// IRQL_NOT_LESS_OR_EQUAL. If DPC work became eligible to run while IRQL was
// raised, Lower requests a software interrupt at Dispatch so the DPC
// retirement loop is re-entered promptly.
func Lower(level Level) {
	blk := cpu.Current()
	prev := Level(blk.CurrentIRQL)
	if level > prev {
		bugcheckFn(ErrNotLessOrEqual)
		return
	}

	blk.CurrentIRQL = uint32(level)
	writeTPRFn(blk.LAPICMMIOVirt, tprTable[level])

	if dpcInterruptRequestedFn != nil && dpcInterruptRequestedFn(blk.ID) &&
		level <= Dispatch &&
		(dpcRoutineActiveFn == nil || !dpcRoutineActiveFn(blk.ID)) {
		requestSoftInterruptFn(dpcVector)
	}
}

// SchedulerEnabled reports whether the current CPU's IRQL permits
// preemption (IRQL < Dispatch).
func SchedulerEnabled() bool {
	return schedulerEnabled(Current())
}
