package ps

import (
	"testing"

	"ferrite/kernel"
)

// fakeReaperPlumbing swaps allocateNodeFn/freeNodeFn/freeKernelStackFn with
// plain heap-backed stand-ins so the reaper's list bookkeeping can be
// exercised without kernel/mem/pool's lookaside slabs or a real stack
// teardown.
func fakeReaperPlumbing(t *testing.T) (freed *[]uintptr) {
	t.Helper()
	origAlloc, origFree, origFreeStack := allocateNodeFn, freeNodeFn, freeKernelStackFn

	var freedBases []uintptr
	allocateNodeFn = func() (*stackReaperNode, *kernel.Error) { return &stackReaperNode{}, nil }
	freeNodeFn = func(*stackReaperNode) {}
	freeKernelStackFn = func(base uintptr) { freedBases = append(freedBases, base) }

	t.Cleanup(func() {
		allocateNodeFn, freeNodeFn, freeKernelStackFn = origAlloc, origFree, origFreeStack
		stackReaperList = nil
	})
	return &freedBases
}

func TestDeferKernelStackDeletionQueuesForTheReaper(t *testing.T) {
	freed := fakeReaperPlumbing(t)

	DeferKernelStackDeletion(0x1000)
	DeferKernelStackDeletion(0x2000)

	if len(*freed) != 0 {
		t.Fatalf("expected nothing freed before the reaper drains, got %d", len(*freed))
	}

	drainReaperBatch()

	if len(*freed) != 2 {
		t.Fatalf("expected both deferred stacks freed, got %d", len(*freed))
	}
	// DeferKernelStackDeletion pushes onto the head, so the most recently
	// queued base is freed first.
	if (*freed)[0] != 0x2000 || (*freed)[1] != 0x1000 {
		t.Fatalf("unexpected free order: %#v", *freed)
	}
}

func TestDrainReaperBatchLeavesListEmptyAfterward(t *testing.T) {
	fakeReaperPlumbing(t)

	DeferKernelStackDeletion(0x3000)
	drainReaperBatch()
	drainReaperBatch() // must not panic or re-free on an empty list

	if stackReaperList != nil {
		t.Fatalf("expected the reaper list to be empty after draining")
	}
}

func TestDrainReaperBatchSplitsOversizedBurstsAcrossWakes(t *testing.T) {
	freed := fakeReaperPlumbing(t)

	for i := 0; i < reaperListMaxBatch+10; i++ {
		DeferKernelStackDeletion(uintptr(i + 1))
	}

	drainReaperBatch()
	if len(*freed) != reaperListMaxBatch {
		t.Fatalf("expected exactly one batch's worth freed on the first drain, got %d", len(*freed))
	}
	if stackReaperList == nil {
		t.Fatalf("expected the remainder pushed back onto the list")
	}

	drainReaperBatch()
	if len(*freed) != reaperListMaxBatch+10 {
		t.Fatalf("expected the remainder freed on the second drain, got %d", len(*freed))
	}
}

func TestDeferKernelStackDeletionLeaksQuietlyOnAllocationFailure(t *testing.T) {
	freed := fakeReaperPlumbing(t)
	origAlloc := allocateNodeFn
	allocateNodeFn = func() (*stackReaperNode, *kernel.Error) { return nil, ErrStackExhausted }
	t.Cleanup(func() { allocateNodeFn = origAlloc })

	DeferKernelStackDeletion(0x9000) // must not panic

	drainReaperBatch()
	if len(*freed) != 0 {
		t.Fatalf("expected nothing queued when the node allocation fails")
	}
}
