package kva

import (
	"testing"

	"github.com/piforth/pisub-vm/descriptor"
	"github.com/piforth/pisub-vm/status"
)

func pages(n uint32) uint32 { return n << descriptor.PageBits }

func TestAllocFirstFit(t *testing.T) {
	a := New()
	a.AddFree(0x1000, 0x1000+pages(4))

	base, st := a.Alloc(2)
	if st != status.OK {
		t.Fatalf("Alloc failed: %v", st)
	}
	if base != 0x1000 {
		t.Fatalf("Alloc returned %#x, want 0x1000", base)
	}
	if a.FreePages() != 2 {
		t.Fatalf("FreePages() = %d, want 2", a.FreePages())
	}
}

func TestAllocWholeIntervalRemovesNode(t *testing.T) {
	a := New()
	a.AddFree(0x2000, 0x2000+pages(3))

	if _, st := a.Alloc(3); st != status.OK {
		t.Fatalf("Alloc failed: %v", st)
	}
	if a.FreeIntervalCount() != 0 {
		t.Fatalf("FreeIntervalCount() = %d, want 0", a.FreeIntervalCount())
	}
}

func TestAllocOutOfSpace(t *testing.T) {
	a := New()
	a.AddFree(0x3000, 0x3000+pages(1))

	if _, st := a.Alloc(2); st != status.NoKernelSpace {
		t.Fatalf("Alloc(2) against a 1-page interval = %v, want NoKernelSpace", st)
	}
}

func TestFreeCoalescesWithPredecessor(t *testing.T) {
	a := New()
	a.AddFree(0x1000, 0x1000+pages(2))

	base := uint32(0x1000 + pages(2))
	a.Free(base, 2)

	if a.FreeIntervalCount() != 1 {
		t.Fatalf("FreeIntervalCount() = %d, want 1 after coalescing with predecessor", a.FreeIntervalCount())
	}
	if a.FreePages() != 4 {
		t.Fatalf("FreePages() = %d, want 4", a.FreePages())
	}
}

func TestFreeCoalescesWithSuccessor(t *testing.T) {
	a := New()
	a.AddFree(0x1000+pages(2), 0x1000+pages(4))

	a.Free(0x1000, 2)

	if a.FreeIntervalCount() != 1 {
		t.Fatalf("FreeIntervalCount() = %d, want 1 after coalescing with successor", a.FreeIntervalCount())
	}
	if a.FreePages() != 4 {
		t.Fatalf("FreePages() = %d, want 4", a.FreePages())
	}
}

func TestFreeCoalescesBothSides(t *testing.T) {
	a := New()
	a.AddFree(0x1000, 0x1000+pages(1))
	a.AddFree(0x1000+pages(2), 0x1000+pages(3))

	a.Free(0x1000+pages(1), 1)

	if a.FreeIntervalCount() != 1 {
		t.Fatalf("FreeIntervalCount() = %d, want 1 after coalescing both sides", a.FreeIntervalCount())
	}
	if a.FreePages() != 3 {
		t.Fatalf("FreePages() = %d, want 3", a.FreePages())
	}
}

func TestFreeWithNoAdjacentRangeInsertsNewInterval(t *testing.T) {
	a := New()
	a.AddFree(0x5000, 0x5000+pages(1))

	a.Free(0x9000, 1)

	if a.FreeIntervalCount() != 2 {
		t.Fatalf("FreeIntervalCount() = %d, want 2", a.FreeIntervalCount())
	}
}

func TestAllocThenFreeRoundTrip(t *testing.T) {
	a := New()
	a.AddFree(0x1000, 0x1000+pages(8))

	base, st := a.Alloc(3)
	if st != status.OK {
		t.Fatalf("Alloc failed: %v", st)
	}
	a.Free(base, 3)

	if a.FreeIntervalCount() != 1 {
		t.Fatalf("FreeIntervalCount() = %d, want 1 after alloc/free round trip", a.FreeIntervalCount())
	}
	if a.FreePages() != 8 {
		t.Fatalf("FreePages() = %d, want 8", a.FreePages())
	}
}
