package heap

import (
	"github.com/piforth/pisub-vm/descriptor"
	"github.com/piforth/pisub-vm/kva"
	"github.com/piforth/pisub-vm/mpdb"
	"github.com/piforth/pisub-vm/status"
	"github.com/piforth/pisub-vm/vmm"
)

// Default mapping flags for chunks backing the production heap: ordinary
// read/write, no-execute, cacheable kernel data, explicitly not marked
// sacred so FreeChunk can demap it without an override.
const (
	defaultChunkTableFlags = descriptor.TTBFlagsKernelData
	defaultChunkPageFlags  = descriptor.PGFlagsKernelData
	defaultChunkAuxFlags   = uint32(0)
)

// VMMChunkAllocator implements ChunkAllocator against the live kernel VM
// subsystem: a chunk's virtual address range comes from a single
// contiguous span handed out by the kernel VA allocator, but its backing
// physical frames come from the Master Page Database one page at a time,
// since nothing guarantees MPDB frames are contiguous. Each page is
// mapped individually rather than through Mapper.MapKernel, which only
// handles a single contiguous physical base.
type VMMChunkAllocator struct {
	mapper *vmm.Mapper
	frames *mpdb.DB
	va     *kva.Allocator

	tableFlags, pageFlags, auxFlags uint32
}

// NewVMMChunkAllocator builds a ChunkAllocator with caller-chosen mapping
// flags, for a heap whose memory needs something other than ordinary
// kernel data protection (e.g. a profiling build that wants different
// cacheability).
func NewVMMChunkAllocator(mapper *vmm.Mapper, frames *mpdb.DB, va *kva.Allocator, tableFlags, pageFlags, auxFlags uint32) *VMMChunkAllocator {
	return &VMMChunkAllocator{mapper: mapper, frames: frames, va: va, tableFlags: tableFlags, pageFlags: pageFlags, auxFlags: auxFlags}
}

// NewDefaultVMMChunkAllocator builds a ChunkAllocator using ordinary
// kernel-data mapping flags, which is what the production heap wants.
func NewDefaultVMMChunkAllocator(mapper *vmm.Mapper, frames *mpdb.DB, va *kva.Allocator) *VMMChunkAllocator {
	return NewVMMChunkAllocator(mapper, frames, va, defaultChunkTableFlags, defaultChunkPageFlags, defaultChunkAuxFlags)
}

func (c *VMMChunkAllocator) AllocChunk(size uintptr) (addr uintptr, zero bool, ok bool) {
	pages := uint32(size / pageSize)
	if pages == 0 {
		return 0, false, false
	}

	vma, st := c.va.Alloc(pages)
	if st != status.OK {
		return 0, false, false
	}

	for i := uint32(0); i < pages; i++ {
		pa, st := c.frames.AllocateFrame(mpdb.FlagZero, mpdb.TagNormal, 0)
		if st != status.OK {
			c.unwind(vma, i, pages)
			return 0, false, false
		}
		pageVMA := vma + i*uint32(pageSize)
		if st := c.mapper.Map(nil, pa, pageVMA, 1, c.tableFlags, c.pageFlags, c.auxFlags); st != status.OK {
			c.frames.FreeFrame(pa, mpdb.TagNormal, 0)
			c.unwind(vma, i, pages)
			return 0, false, false
		}
	}

	// FlagZero guarantees every frame just handed out reads as zero.
	return uintptr(vma), true, true
}

// PurgeChunk is called while addr is still mapped (the chunk layer only
// ever purges a chunk it is about to recycle, not one it has unmapped),
// so zeroing through the virtual address directly is sufficient.
func (c *VMMChunkAllocator) PurgeChunk(addr uintptr, size uintptr) (stillZero bool) {
	zeroMemory(addr, size)
	return true
}

func (c *VMMChunkAllocator) FreeChunk(addr uintptr, size uintptr) {
	vma := uint32(addr)
	pages := uint32(size / pageSize)
	c.freeRange(vma, pages)
	c.va.Free(vma, pages)
}

// freeRange unmaps and returns to the MPDB every page in [vma, vma+n
// pages), tolerating a partially-mapped range so AllocChunk can reuse it
// to unwind a failed attempt.
func (c *VMMChunkAllocator) freeRange(vma uint32, pages uint32) {
	for i := uint32(0); i < pages; i++ {
		pageVMA := vma + i*uint32(pageSize)
		pa, ok := c.mapper.GetPhysAddr(nil, pageVMA)
		if !ok {
			continue
		}
		c.mapper.Demap(nil, pageVMA, 1)
		c.frames.FreeFrame(pa, mpdb.TagNormal, 0)
	}
}

func (c *VMMChunkAllocator) unwind(vma uint32, mapped, pages uint32) {
	c.freeRange(vma, mapped)
	c.va.Free(vma, pages)
}
