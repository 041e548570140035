package heap

import "testing"

func TestRadixTreeGetMissingKeyIsFalse(t *testing.T) {
	rt := newRadixTree(20, DefaultMutexFactory)
	if _, ok := rt.Get(12345); ok {
		t.Fatal("Get on an empty tree reported ok")
	}
}

func TestRadixTreeSetThenGetRoundTrips(t *testing.T) {
	rt := newRadixTree(20, DefaultMutexFactory)
	rt.Set(42, "hello")
	v, ok := rt.Get(42)
	if !ok || v != "hello" {
		t.Fatalf("Get(42) = (%v, %v), want (hello, true)", v, ok)
	}
}

func TestRadixTreeClearRemovesEntry(t *testing.T) {
	rt := newRadixTree(20, DefaultMutexFactory)
	rt.Set(7, 99)
	rt.Clear(7)
	if _, ok := rt.Get(7); ok {
		t.Fatal("Get after Clear still reports ok")
	}
}

func TestRadixTreeManyDistinctKeys(t *testing.T) {
	rt := newRadixTree(24, DefaultMutexFactory)
	for i := uintptr(0); i < 2000; i++ {
		rt.Set(i*37, int(i))
	}
	for i := uintptr(0); i < 2000; i++ {
		v, ok := rt.Get(i * 37)
		if !ok || v.(int) != int(i) {
			t.Fatalf("Get(%d) = (%v, %v), want (%d, true)", i*37, v, ok, i)
		}
	}
}

func TestRadixTreeSmallKeyBitsFitsInSingleLevel(t *testing.T) {
	// Fewer bits than one fan-out level still needs to build a valid
	// single-level tree rather than a zero-height one.
	rt := newRadixTree(4, DefaultMutexFactory)
	rt.Set(5, "x")
	v, ok := rt.Get(5)
	if !ok || v != "x" {
		t.Fatalf("Get(5) = (%v, %v), want (x, true)", v, ok)
	}
}

func TestRadixTreeGetLockedMatchesGet(t *testing.T) {
	rt := newRadixTree(20, DefaultMutexFactory)
	rt.Set(100, "locked")
	rt.mu.Lock()
	v, ok := rt.GetLocked(100)
	rt.mu.Unlock()
	if !ok || v != "locked" {
		t.Fatalf("GetLocked(100) = (%v, %v), want (locked, true)", v, ok)
	}
}
