package pool

import (
	"testing"

	"ferrite/kernel/cpu"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/vad"
	"ferrite/kernel/sync"
)

func resetPagedPool(t *testing.T) {
	t.Helper()
	pagedTree = vad.Tree{}
	pagedRundown = sync.RundownRef{}

	blk := &cpu.Block{ID: 0}
	origCurrent := cpu.CurrentFn
	cpu.CurrentFn = func() *cpu.Block { return blk }
	sync.SetSchedulerHooks(func() uint64 { return 1 }, func(uint64) {}, func() {})
	t.Cleanup(func() { cpu.CurrentFn = origCurrent })
}

func TestAllocatePagedReservesRangeInsidePagedPool(t *testing.T) {
	resetPagedPool(t)

	va, err := AllocatePaged(mem.Size(mem.PageSize), vad.FlagRead|vad.FlagWrite)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if va < pagedPoolStart || va >= pagedPoolEnd {
		t.Fatalf("expected VA inside paged pool range, got %#x", va)
	}
}

// FreePaged's unmap/release walk is exercised by kernel/mem/vad's own
// tests (Tree.Free), which mock the frame-lookup/unmap/release hooks;
// those hooks are package-private to vad, so this package only verifies
// the reservation side of the round trip.
func TestFreePagedOnUnknownBaseReturnsNotFound(t *testing.T) {
	resetPagedPool(t)

	if err := FreePaged(pagedPoolStart); err != vad.ErrNotFound {
		t.Fatalf("expected ErrNotFound for an unreserved base, got %v", err)
	}
}
