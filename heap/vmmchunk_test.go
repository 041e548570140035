package heap

import (
	"testing"

	"github.com/piforth/pisub-vm/mpdb"
	"github.com/piforth/pisub-vm/kva"
	"github.com/piforth/pisub-vm/status"
	"github.com/piforth/pisub-vm/vmm"
)

type fakeVMMMemory map[uint32]uint32

func (m fakeVMMMemory) ReadWord(pa uint32) uint32     { return m[pa] }
func (m fakeVMMMemory) WriteWord(pa uint32, v uint32) { m[pa] = v }

type fakeVMMMMU struct{}

func (fakeVMMMMU) FlushCacheForPage(vma uint32, writeBack bool)    {}
func (fakeVMMMMU) FlushCacheForSection(vma uint32, writeBack bool) {}
func (fakeVMMMMU) FlushTLBForPage(vma uint32)                      {}
func (fakeVMMMMU) FlushTLBForSection(vma uint32)                   {}

// newTestVMMChunkAllocator wires a small Mapper/MPDB/KVA trio the same
// way vmm's own tests do, enough frames for a handful of chunk-sized
// allocations worth of page tables and data pages.
func newTestVMMChunkAllocator(t *testing.T) *VMMChunkAllocator {
	t.Helper()

	const frameCount = 256
	db := mpdb.New(nil, frameCount, nil)
	db.Init(mpdb.Layout{
		PrestartPages:    1,
		SystemAvailPages: frameCount,
		SystemTotalPages: frameCount,
	})

	mem := fakeVMMMemory{}
	mmu := fakeVMMMMU{}
	va := kva.New()
	va.AddFree(0x10000000, 0x10000000+(1<<20))

	ttbPA, st := db.AllocateFrame(0, mpdb.TagSystem, mpdb.SubtagTTB)
	if st != status.OK {
		t.Fatalf("allocating TTB frame: %v", st)
	}
	ttbAuxPA, st := db.AllocateFrame(0, mpdb.TagSystem, mpdb.SubtagTTBAux)
	if st != status.OK {
		t.Fatalf("allocating TTB aux frame: %v", st)
	}

	m := vmm.NewMapper(mem, db, va, mmu, ttbPA, ttbAuxPA)
	return NewDefaultVMMChunkAllocator(m, db, va)
}

func TestVMMChunkAllocatorMapsEveryPage(t *testing.T) {
	c := newTestVMMChunkAllocator(t)

	const pages = 4
	addr, zero, ok := c.AllocChunk(pages * pageSize)
	if !ok {
		t.Fatal("AllocChunk failed")
	}
	if !zero {
		t.Fatal("AllocChunk reported not-zero, want zero (FlagZero frames)")
	}

	for i := uint32(0); i < pages; i++ {
		vma := uint32(addr) + i*uint32(pageSize)
		if _, ok := c.mapper.GetPhysAddr(nil, vma); !ok {
			t.Fatalf("page %d of chunk not mapped", i)
		}
	}
}

func TestVMMChunkAllocatorFreeChunkUnmapsEveryPage(t *testing.T) {
	c := newTestVMMChunkAllocator(t)

	const pages = 4
	addr, _, ok := c.AllocChunk(pages * pageSize)
	if !ok {
		t.Fatal("AllocChunk failed")
	}

	c.FreeChunk(addr, pages*pageSize)

	for i := uint32(0); i < pages; i++ {
		vma := uint32(addr) + i*uint32(pageSize)
		if _, ok := c.mapper.GetPhysAddr(nil, vma); ok {
			t.Fatalf("page %d still mapped after FreeChunk", i)
		}
	}
}

func TestVMMChunkAllocatorTwoChunksGetDistinctRanges(t *testing.T) {
	c := newTestVMMChunkAllocator(t)

	a1, _, ok1 := c.AllocChunk(2 * pageSize)
	a2, _, ok2 := c.AllocChunk(2 * pageSize)
	if !ok1 || !ok2 {
		t.Fatal("AllocChunk failed")
	}
	if a1 == a2 {
		t.Fatal("two AllocChunk calls returned overlapping ranges")
	}
}
