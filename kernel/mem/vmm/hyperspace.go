package vmm

import (
	"ferrite/kernel"
	"ferrite/kernel/irql"
	"ferrite/kernel/mem/pmm"
	"ferrite/kernel/spinlock"
)

// hyperspaceLock guards the single reserved temporary-mapping VA
// (tempMappingAddr) every short-lived kernel-side physical-page access
// goes through: zeroing a freshly allocated frame, copying a page's
// contents in or out. One slot, one lock, exactly one concurrent user.
var hyperspaceLock spinlock.Spinlock

// MapHyperspace acquires the hyperspace lock, maps frame at the reserved
// VA with PRESENT|RW, and returns that page along with the IRQL the lock
// raised from (pass it back to UnmapHyperspace). Intended for short,
// bounded operations only; holding the returned mapping across a
// potentially blocking call holds the only hyperspace slot hostage for
// every other CPU.
func MapHyperspace(frame pmm.Frame) (Page, irql.Level, *kernel.Error) {
	oldIRQL := hyperspaceLock.Acquire()

	page, err := mapTemporaryFn(frame, DefaultFrameAllocator())
	if err != nil {
		hyperspaceLock.Release(oldIRQL)
		return 0, oldIRQL, err
	}

	return page, oldIRQL, nil
}

// UnmapHyperspace tears down the mapping established by MapHyperspace and
// releases the hyperspace lock, restoring oldIRQL.
func UnmapHyperspace(page Page, oldIRQL irql.Level) *kernel.Error {
	err := unmapFn(page)
	hyperspaceLock.Release(oldIRQL)
	return err
}
