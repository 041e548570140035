package earlyboot

import (
	"testing"

	"github.com/piforth/pisub-vm/descriptor"
	"github.com/piforth/pisub-vm/status"
)

type memMap map[uint32]uint32

func (m memMap) ReadWord(pa uint32) uint32    { return m[pa] }
func (m memMap) WriteWord(pa uint32, v uint32) { m[pa] = v }

type noopMMU struct{}

func (noopMMU) FlushCacheForPage(vma uint32, writeBack bool)    {}
func (noopMMU) FlushCacheForSection(vma uint32, writeBack bool) {}
func (noopMMU) FlushTLBForPage(vma uint32)                      {}
func (noopMMU) FlushTLBForSection(vma uint32)                   {}

type noopZeroer struct{}

func (noopZeroer) ZeroFrame(framePA uint32) status.Code { return status.OK }

// testInfo lays out a tiny boot image: a zero page, one prestart page, two
// pages each of library code, kernel code and kernel data, two init pages, a
// TTB gap page, then TTB/TTB-aux/MPDB/page-table regions sized to one page
// apiece. Everything after that, up to VMAFirstFree, is the free RAM the
// allocator would otherwise have handed out; nothing reserves it here
// because Bootstrap never visits it.
func testInfo() Info {
	return Info{
		RAMBase:         0,
		RAMPages:        64,
		PrestartPages:   2,
		LibCodePages:    2,
		KernelCodePages: 2,
		KernelDataPages: 2,
		InitPages:       2,
		TTBGapPages:     1,
		TTBPages:        1,
		TTBAuxPages:     1,
		MPDBPages:       1,
		PageTablePages:  1,
		GPUPages:        8,
		VMAFirstFree:    0x10000000,
	}
}

func testSystem(t *testing.T) (*System, memMap) {
	t.Helper()

	info := testInfo()
	mem := memMap{}
	mmu := noopMMU{}

	// Frame indices follow the fixed classification order: zero(1) +
	// prestart-1(1) + libcode(2) + kcode(2) + kdata(2) + init(2) +
	// ttbgap(1) = 11, so TTB is frame 11 and TTB-aux is frame 12.
	ttbPA := uint32(11) << descriptor.PageBits
	ttbAuxPA := uint32(12) << descriptor.PageBits

	sys, st := Bootstrap(mem, mmu, noopZeroer{}, info, ttbPA, ttbAuxPA)
	if st != status.OK {
		t.Fatalf("Bootstrap failed: %v", st)
	}
	return sys, mem
}

func TestBootstrapMapsZeroPage(t *testing.T) {
	sys, _ := testSystem(t)

	pa, ok := sys.Mapper.GetPhysAddr(sys.Mapper.Kernel, 0)
	if !ok || pa != 0 {
		t.Fatalf("GetPhysAddr(0) = (%#x, %v), want (0, true)", pa, ok)
	}
}

func TestBootstrapMapsKernelCode(t *testing.T) {
	sys, _ := testSystem(t)

	kcodePA := uint32(2+2) << descriptor.PageBits // past prestart(2) + libcode(2)
	pa, ok := sys.Mapper.GetPhysAddr(sys.Mapper.Kernel, kcodePA)
	if !ok || pa != kcodePA {
		t.Fatalf("GetPhysAddr(%#x) = (%#x, %v), want (%#x, true)", kcodePA, pa, ok, kcodePA)
	}
}

func TestBootstrapLeavesPrestartGapUnmapped(t *testing.T) {
	sys, _ := testSystem(t)

	prestartPA := uint32(1) << descriptor.PageBits
	if _, ok := sys.Mapper.GetPhysAddr(sys.Mapper.Kernel, prestartPA); ok {
		t.Fatalf("GetPhysAddr(%#x) resolved, want unmapped prestart gap", prestartPA)
	}
}

func TestBootstrapSeedsKVAPastFirstFree(t *testing.T) {
	sys, _ := testSystem(t)

	const pages = 4
	base, st := sys.KVA.Alloc(pages)
	if st != status.OK {
		t.Fatalf("KVA.Alloc failed: %v", st)
	}
	if base != (testInfo()).VMAFirstFree {
		t.Fatalf("KVA.Alloc base = %#x, want %#x", base, testInfo().VMAFirstFree)
	}
}

func TestBootstrapSeedsKVABeyondIOWindow(t *testing.T) {
	sys, _ := testSystem(t)

	if sys.KVA.FreeIntervalCount() != 2 {
		t.Fatalf("FreeIntervalCount() = %d, want 2 (below and above the I/O window)", sys.KVA.FreeIntervalCount())
	}
}

func TestBootstrapClassifiesFramesInMPDB(t *testing.T) {
	sys, _ := testSystem(t)

	tag, _, _, _ := sys.Frames.FrameInfo(0)
	if tag != 2 { // mpdb.TagSystem
		t.Fatalf("zero page tag = %d, want TagSystem", tag)
	}
}
