package spinlock

import (
	"testing"

	"ferrite/kernel/cpu"
	"ferrite/kernel/irql"
)

func mockCPU(t *testing.T) {
	t.Helper()
	blk := &cpu.Block{ID: 0}
	orig := cpu.CurrentFn
	cpu.CurrentFn = func() *cpu.Block { return blk }
	t.Cleanup(func() { cpu.CurrentFn = orig })
}

func TestAcquireRaisesToDispatch(t *testing.T) {
	mockCPU(t)

	var l Spinlock
	prev := l.Acquire()
	if prev != irql.Passive {
		t.Fatalf("expected previous level Passive, got %v", prev)
	}
	if irql.Current() != irql.Dispatch {
		t.Fatalf("expected current level Dispatch while held, got %v", irql.Current())
	}
	if !l.Held() {
		t.Fatalf("expected lock to be held")
	}

	l.Release(prev)
	if irql.Current() != irql.Passive {
		t.Fatalf("expected level restored to Passive, got %v", irql.Current())
	}
	if l.Held() {
		t.Fatalf("expected lock to be released")
	}
}

func TestTryRawMutualExclusion(t *testing.T) {
	var l Spinlock
	if !l.TryRaw() {
		t.Fatalf("expected first TryRaw to succeed")
	}
	if l.TryRaw() {
		t.Fatalf("expected second TryRaw to fail while held")
	}
	l.ReleaseRaw()
	if !l.TryRaw() {
		t.Fatalf("expected TryRaw to succeed after release")
	}
}
