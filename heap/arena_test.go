package heap

import "testing"

func TestArenaAllocSmallFillsThenReclaimsARun(t *testing.T) {
	h := newTestHeap(t, 1, 0)
	a := h.arenas[0]
	idx, ok := binIndex(24)
	if !ok {
		t.Fatal("binIndex(24) failed")
	}
	info := &binInfos[idx]

	var ptrs []uintptr
	for i := uint32(0); i < info.regionsPerRun; i++ {
		p, ok := a.allocSmall(idx)
		if !ok {
			t.Fatalf("allocSmall failed at region %d of %d", i, info.regionsPerRun)
		}
		ptrs = append(ptrs, p)
	}

	// The run should now be full: one more alloc must refill (a new run or
	// chunk), not reuse a stale current pointer.
	extra, ok := a.allocSmall(idx)
	if !ok {
		t.Fatal("allocSmall after filling a run failed to refill")
	}
	ptrs = append(ptrs, extra)

	seen := make(map[uintptr]bool)
	for _, p := range ptrs {
		if seen[p] {
			t.Fatalf("address %#x handed out twice", p)
		}
		seen[p] = true
	}

	for _, p := range ptrs {
		c, ok := h.chunkOf(p)
		if !ok {
			t.Fatalf("chunkOf(%#x) not found", p)
		}
		a.freeSmall(c, p)
	}
}

func TestArenaLargeAllocDistinctFromSmall(t *testing.T) {
	h := newTestHeap(t, 1, 0)
	a := h.arenas[0]

	p, ok := a.allocLarge(9000)
	if !ok {
		t.Fatal("allocLarge failed")
	}
	c, ok := h.chunkOf(p)
	if !ok {
		t.Fatal("chunkOf after allocLarge failed")
	}
	if got := a.largeSize(c, p); got != 9000 {
		t.Fatalf("largeSize() = %d, want 9000", got)
	}
	a.freeLarge(c, p)
}

func TestArenaChunkCarveAndRelease(t *testing.T) {
	c := newArenaChunk(nil, 0x1000, 16)
	if !c.empty() || c.full() {
		t.Fatal("fresh chunk should be empty, not full")
	}

	start, ok := c.findFree(4)
	if !ok || start != 0 {
		t.Fatalf("findFree(4) = (%d, %v), want (0, true)", start, ok)
	}
	c.carve(start, 4)
	if c.nFreePages != 12 {
		t.Fatalf("nFreePages = %d, want 12 after carving 4 of 16", c.nFreePages)
	}

	c.release(start, 4)
	if !c.empty() {
		t.Fatal("chunk not empty after releasing every carved page")
	}
}
