package heap

import "testing"

func TestTCacheAllocSmallFallsThroughToArenaOnMiss(t *testing.T) {
	h := newTestHeap(t, 1, 0)
	tc := newTCache(h, h.arenas[0])

	idx, ok := binIndex(24)
	if !ok {
		t.Fatal("binIndex(24) failed")
	}
	p, ok := tc.allocSmall(idx)
	if !ok || p == 0 {
		t.Fatal("allocSmall on an empty cache failed to fall through to the arena")
	}
}

func TestTCacheFreeSmallThenAllocReusesMagazine(t *testing.T) {
	h := newTestHeap(t, 1, 0)
	tc := newTCache(h, h.arenas[0])

	idx, _ := binIndex(24)
	p, _ := tc.allocSmall(idx)
	tc.freeSmall(idx, p)

	if len(tc.small[idx].avail) != 1 {
		t.Fatalf("magazine len = %d, want 1 after one freeSmall", len(tc.small[idx].avail))
	}

	p2, ok := tc.allocSmall(idx)
	if !ok || p2 != p {
		t.Fatalf("allocSmall after freeSmall = (%#x, %v), want (%#x, true) from the magazine", p2, ok, p)
	}
}

func TestTCacheMagazineSpillsOnOverflow(t *testing.T) {
	h := newTestHeap(t, 1, 0)
	tc := newTCache(h, h.arenas[0])

	idx, _ := binIndex(24)
	magCap := tc.small[idx].cap

	var ptrs []uintptr
	for i := 0; i < magCap+5; i++ {
		p, ok := tc.allocSmall(idx)
		if !ok {
			t.Fatalf("allocSmall failed at %d", i)
		}
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		tc.freeSmall(idx, p)
	}

	if len(tc.small[idx].avail) > magCap {
		t.Fatalf("magazine len = %d, exceeds cap %d after overflow frees", len(tc.small[idx].avail), magCap)
	}
}

func TestTCacheFlushAllEmptiesEveryMagazine(t *testing.T) {
	h := newTestHeap(t, 1, 0)
	tc := newTCache(h, h.arenas[0])

	idx, _ := binIndex(24)
	p, _ := tc.allocSmall(idx)
	tc.freeSmall(idx, p)

	tc.flushAll()

	if len(tc.small[idx].avail) != 0 {
		t.Fatalf("magazine len = %d after flushAll, want 0", len(tc.small[idx].avail))
	}
}

func TestLargeBucketRejectsSmallAndHugeSizes(t *testing.T) {
	if _, ok := largeBucket(smallMaxClass); ok {
		t.Fatal("largeBucket accepted a small-class size")
	}
	if _, ok := largeBucket(pageSize * (nLargeTCacheBuckets + 1)); ok {
		t.Fatal("largeBucket accepted a size above its bucket range")
	}
	if _, ok := largeBucket(smallMaxClass + pageSize); !ok {
		t.Fatal("largeBucket rejected an in-range large size")
	}
}
