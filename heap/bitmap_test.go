package heap

import "testing"

func TestBitmapStartsAllClear(t *testing.T) {
	bm := newBitmap(newBitmapInfo(100))
	if bm.Full() {
		t.Fatal("fresh bitmap reports Full")
	}
	for i := 0; i < 100; i++ {
		if bm.Get(i) {
			t.Fatalf("bit %d set on a fresh bitmap", i)
		}
	}
}

func TestSetFirstClearReturnsAscendingIndices(t *testing.T) {
	bm := newBitmap(newBitmapInfo(10))
	for i := 0; i < 10; i++ {
		n, ok := bm.SetFirstClear()
		if !ok {
			t.Fatalf("SetFirstClear failed at iteration %d", i)
		}
		if n != i {
			t.Fatalf("SetFirstClear() = %d, want %d", n, i)
		}
	}
	if _, ok := bm.SetFirstClear(); ok {
		t.Fatal("SetFirstClear succeeded on a full bitmap")
	}
	if !bm.Full() {
		t.Fatal("bitmap not Full after setting every bit")
	}
}

func TestUnsetFreesABitForReuse(t *testing.T) {
	bm := newBitmap(newBitmapInfo(10))
	for i := 0; i < 10; i++ {
		bm.SetFirstClear()
	}
	bm.Unset(4)
	if bm.Full() {
		t.Fatal("bitmap still Full after Unset")
	}
	n, ok := bm.SetFirstClear()
	if !ok || n != 4 {
		t.Fatalf("SetFirstClear() = (%d, %v), want (4, true)", n, ok)
	}
}

func TestBitmapAboveOneGroupPropagatesAcrossLevels(t *testing.T) {
	// 200 bits forces more than one group at the leaf level, exercising
	// the aggregation levels rather than just a single word.
	bm := newBitmap(newBitmapInfo(200))
	for i := 0; i < 200; i++ {
		if _, ok := bm.SetFirstClear(); !ok {
			t.Fatalf("SetFirstClear failed at bit %d of 200", i)
		}
	}
	if !bm.Full() {
		t.Fatal("bitmap not Full after setting all 200 bits")
	}

	bm.Unset(150)
	n, ok := bm.SetFirstClear()
	if !ok || n != 150 {
		t.Fatalf("SetFirstClear() = (%d, %v), want (150, true)", n, ok)
	}
}

func TestSetAndUnsetAreIdempotentOnRepeat(t *testing.T) {
	bm := newBitmap(newBitmapInfo(16))
	bm.Set(3)
	bm.Set(3) // no-op: bit already set
	if !bm.Get(3) {
		t.Fatal("bit 3 not set")
	}
	bm.Unset(3)
	bm.Unset(3) // no-op: bit already clear
	if bm.Get(3) {
		t.Fatal("bit 3 still set after Unset")
	}
}
