// Package vmm is the live mapper: it writes and tears down translation
// table entries against a running TTB, choosing between section and
// page-table shape per region, promoting a fully-populated page table to
// a single section descriptor when possible, and keeping the Master Page
// Database's back-pointers and the CPU's caches/TLB in step with every
// change it makes.
package vmm

import (
	"github.com/piforth/pisub-vm/descriptor"
	"github.com/piforth/pisub-vm/mpdb"
	"github.com/piforth/pisub-vm/status"
)

// TTBFence is the address at which the kernel's own TTB1 region begins;
// any mapping request at or above it always targets the kernel context
// regardless of which context the caller named.
const TTBFence = 0x80000000

// Memory is physical-address read/write access to translation table
// storage. A real implementation backs this with the identity-mapped low
// memory window the early boot sequence leaves in place; tests back it
// with a plain slice.
type Memory interface {
	ReadWord(pa uint32) uint32
	WriteWord(pa uint32, v uint32)
}

// FrameAllocator is the subset of the Master Page Database the mapper
// needs: allocating/freeing page-table frames, and the PTE back-pointer
// hook.
type FrameAllocator interface {
	AllocateFrame(flags mpdb.AllocFlags, tag, subtag uint8) (pa uint32, st status.Code)
	FreeFrame(pa uint32, tag, subtag uint8) status.Code
	NotifyPTEWritten(frameIndex uint32, ptePA uint32, isSection bool)
}

// KVA is the subset of the kernel VA allocator the mapper needs to map
// freshly allocated page tables into addressable kernel space.
type KVA interface {
	Alloc(pages uint32) (uint32, status.Code)
	Free(base uint32, pages uint32)
}

// MMU is the cache/TLB maintenance the mapper must perform around every
// descriptor change, injected so this package never touches CP15
// directly.
type MMU interface {
	FlushCacheForPage(vma uint32, writeBack bool)
	FlushCacheForSection(vma uint32, writeBack bool)
	FlushTLBForPage(vma uint32)
	FlushTLBForSection(vma uint32)
}

// Mapper owns the shared pool of spare page-table slots (a physical
// frame holds two 1 KiB page tables with their aux shadows, so freeing
// one of a pair leaves the other as a ready-made spare) and the kernel's
// own VM context.
type Mapper struct {
	mem    Memory
	frames FrameAllocator
	kva    KVA
	mmu    MMU

	freeSlots []uint32 // PA of free page-table slots awaiting reuse

	Kernel *Context
}

// NewMapper creates a Mapper whose kernel context is backed by the TTB
// and TTB-aux tables already resident at the given physical addresses
// (built by the early map builder before the live mapper exists).
func NewMapper(mem Memory, frames FrameAllocator, kva KVA, mmu MMU, kernelTTBPA, kernelTTBAuxPA uint32) *Mapper {
	m := &Mapper{mem: mem, frames: frames, kva: kva, mmu: mmu}
	m.Kernel = &Context{
		mapper:   m,
		ttb:      kernelTTBPA,
		ttbAux:   kernelTTBAuxPA,
		maxIndex: descriptor.TTB1Entries,
	}
	return m
}

// NewContext creates a VM context for a TTB region already allocated and
// zeroed by the caller, covering maxIndex first-level entries (less than
// TTB1Entries for a non-kernel context, since only the low TTB0 region
// belongs to it).
func (m *Mapper) NewContext(ttbPA, ttbAuxPA, maxIndex uint32) *Context {
	return &Context{mapper: m, ttb: ttbPA, ttbAux: ttbAuxPA, maxIndex: maxIndex}
}

func (m *Mapper) resolve(ctx *Context, vma uint32) *Context {
	if ctx == nil || vma >= TTBFence {
		return m.Kernel
	}
	return ctx
}

// allocTableSlot returns the physical address of a zeroed 2 KiB
// page-table+aux slot, ready to be installed, reusing a spare from a
// previously half-freed frame before asking the frame allocator for a
// fresh one.
func (m *Mapper) allocTableSlot() (uint32, status.Code) {
	if n := len(m.freeSlots); n > 0 {
		slot := m.freeSlots[n-1]
		m.freeSlots = m.freeSlots[:n-1]
		return slot, status.OK
	}

	framePA, st := m.frames.AllocateFrame(0, mpdb.TagSystem, mpdb.SubtagPGTbl)
	if st != status.OK {
		return 0, st
	}

	second := framePA + 2*descriptor.PageTableSize
	for i := uint32(0); i < 2*descriptor.PageTableSize; i += 4 {
		m.mem.WriteWord(second+i, 0)
	}
	m.freeSlots = append(m.freeSlots, second)

	for i := uint32(0); i < descriptor.PageTableSize; i += 4 {
		m.mem.WriteWord(framePA+i, 0)
	}
	for i := uint32(0); i < descriptor.PageTableSize; i += 4 {
		m.mem.WriteWord(framePA+descriptor.PageTableSize+i, 0)
	}
	return framePA, status.OK
}

func (m *Mapper) freeTableSlot(slotPA uint32) {
	for i := uint32(0); i < descriptor.PageTableSize; i += 4 {
		m.mem.WriteWord(slotPA+i, 0)
	}
	for i := uint32(0); i < descriptor.PageTableSize; i += 4 {
		m.mem.WriteWord(slotPA+descriptor.PageTableSize+i, 0)
	}
	m.freeSlots = append(m.freeSlots, slotPA)
}

// Context is one TTB's worth of translation state: a first-level table,
// its parallel aux shadow table, and the count of entries that belong to
// it (TTB1Entries for the kernel, fewer for a process context sharing
// TTB1 with the kernel above the fence).
type Context struct {
	mapper   *Mapper
	ttb      uint32
	ttbAux   uint32
	maxIndex uint32
}

func (c *Context) ttbWord(i uint32) uint32     { return c.mapper.mem.ReadWord(c.ttb + i*4) }
func (c *Context) setTTBWord(i, v uint32)      { c.mapper.mem.WriteWord(c.ttb+i*4, v) }
func (c *Context) ttbAuxWord(i uint32) uint32  { return c.mapper.mem.ReadWord(c.ttbAux + i*4) }
func (c *Context) setTTBAuxWord(i, v uint32)   { c.mapper.mem.WriteWord(c.ttbAux+i*4, v) }

func pgWordAddr(slotPA uint32, i uint32) uint32   { return slotPA + i*4 }
func pgAuxWordAddr(slotPA uint32, i uint32) uint32 { return slotPA + descriptor.PageTableSize + i*4 }

func (c *Context) pgWord(slotPA, i uint32) uint32 { return c.mapper.mem.ReadWord(pgWordAddr(slotPA, i)) }
func (c *Context) setPgWord(slotPA, i, v uint32) {
	c.mapper.mem.WriteWord(pgWordAddr(slotPA, i), v)
}
func (c *Context) pgAuxWord(slotPA, i uint32) uint32 {
	return c.mapper.mem.ReadWord(pgAuxWordAddr(slotPA, i))
}
func (c *Context) setPgAuxWord(slotPA, i, v uint32) {
	c.mapper.mem.WriteWord(pgAuxWordAddr(slotPA, i), v)
}

func isPageTableEmpty(c *Context, slotPA uint32) bool {
	for i := uint32(0); i < descriptor.PageTableEntries; i++ {
		if descriptor.PGQuery(c.pgWord(slotPA, i)) != descriptor.PGQueryFault {
			return false
		}
	}
	return true
}

// GetPhysAddr resolves vma to the physical address it is currently
// mapped to, or (0, false) if it is unmapped.
func (m *Mapper) GetPhysAddr(ctx *Context, vma uint32) (uint32, bool) {
	c := m.resolve(ctx, vma)
	ttbIdx := descriptor.VMAToTTBIndex(vma)
	word := c.ttbWord(ttbIdx)

	switch descriptor.TTBQuery(word) {
	case descriptor.TTBQueryFault:
		return 0, false
	case descriptor.TTBQuerySec, descriptor.TTBQueryPXNSec:
		return descriptor.TTBBaseAddress(word) | (vma &^ descriptor.TTBSecBase), true
	case descriptor.TTBQueryTable:
		slotPA := descriptor.TTBBaseAddress(word)
		pgIdx := descriptor.VMAToPGIndex(vma)
		pgWord := c.pgWord(slotPA, pgIdx)
		if descriptor.PGQuery(pgWord) == descriptor.PGQueryFault {
			return 0, false
		}
		return descriptor.PGBaseAddress(pgWord) | (vma & (descriptor.PageSize - 1)), true
	default:
		return 0, false
	}
}

// allocPageTable installs a fresh page table at ttbIdx, tagged with
// tableFlags, returning its slot physical address.
func (c *Context) allocPageTable(ttbIdx uint32, tableFlags uint32) (uint32, status.Code) {
	slotPA, st := c.mapper.allocTableSlot()
	if st != status.OK {
		return 0, st
	}
	c.setTTBWord(ttbIdx, descriptor.MakeTTBTable(slotPA, tableFlags))
	c.setTTBAuxWord(ttbIdx, 0)

	if slotPA&(2*descriptor.PageTableSize-1) == 0 {
		c.mapper.frames.NotifyPTEWritten(slotPA>>descriptor.PageBits, c.ttb+ttbIdx*4, false)
	}
	return slotPA, status.OK
}

// mapWithinEntry maps up to cpg pages starting at ndxPage within a
// single TTB entry, returning the number of pages actually mapped.
func (c *Context) mapWithinEntry(paBase, vmaStart uint32, ttbIdx, ndxPage, cpg uint32, tableFlags, pageFlags, auxFlags uint32) (uint32, status.Code) {
	cpgCur := descriptor.PageTableEntries - ndxPage
	if cpg < cpgCur {
		cpgCur = cpg
	}

	var slotPA uint32
	switch descriptor.TTBQuery(c.ttbWord(ttbIdx)) {
	case descriptor.TTBQueryFault:
		s, st := c.allocPageTable(ttbIdx, tableFlags)
		if st != status.OK {
			return 0, st
		}
		slotPA = s

	case descriptor.TTBQueryTable:
		if c.ttbWord(ttbIdx)&descriptor.TTBTblSafeFlags != tableFlags&descriptor.TTBTblSafeFlags {
			return 0, status.BadTTBFlags
		}
		slotPA = descriptor.TTBBaseAddress(c.ttbWord(ttbIdx))

	case descriptor.TTBQuerySec, descriptor.TTBQueryPXNSec:
		wantSec := descriptor.PromoteToSectionFlags(tableFlags, pageFlags)
		if c.ttbWord(ttbIdx)&descriptor.TTBSecSafeFlags != wantSec&descriptor.TTBSecSafeFlags {
			return 0, status.BadTTBFlags
		}
		if descriptor.TTBBaseAddress(c.ttbWord(ttbIdx)) != paBase&descriptor.TTBSecBase {
			return 0, status.Collided
		}
		return cpgCur, status.OK

	default:
		return 0, status.NoPageTable
	}

	for i := uint32(0); i < cpgCur; i++ {
		if descriptor.PGQuery(c.pgWord(slotPA, ndxPage+i)) != descriptor.PGQueryFault {
			for i > 0 {
				i--
				c.unmapEntry(slotPA, ndxPage+i)
			}
			return 0, status.Collided
		}
	}

	for i := uint32(0); i < cpgCur; i++ {
		pa := paBase + (i << descriptor.PageBits)
		c.setPgWord(slotPA, ndxPage+i, descriptor.MakePGSmall(pa, pageFlags))
		c.setPgAuxWord(slotPA, ndxPage+i, auxFlags)
		if auxFlags&descriptor.AuxNotPage == 0 {
			c.mapper.frames.NotifyPTEWritten(pa>>descriptor.PageBits, pgWordAddr(slotPA, ndxPage+i), false)
		}
	}
	return cpgCur, status.OK
}

func (c *Context) unmapEntry(slotPA, idx uint32) {
	c.setPgWord(slotPA, idx, 0)
	c.setPgAuxWord(slotPA, idx, 0)
}

// Map installs translation entries covering pages pages of physical
// memory starting at paBase, at virtual address vmaBase, using
// tableFlags/pageFlags/auxFlags for any newly created entries. It
// prefers a single section descriptor over a 256-entry page table
// whenever the whole section's worth of pages is being mapped at once
// and paBase is section-aligned.
func (m *Mapper) Map(ctx *Context, paBase, vmaBase uint32, pages uint32, tableFlags, pageFlags, auxFlags uint32) status.Code {
	c := m.resolve(ctx, vmaBase)
	ttbIdx := descriptor.VMAToTTBIndex(vmaBase)
	pgIdx := descriptor.VMAToPGIndex(vmaBase)
	remaining := pages
	mapped := uint32(0)

	if remaining > 0 && pgIdx > 0 {
		n, st := c.mapWithinEntry(paBase, vmaBase, ttbIdx, pgIdx, remaining, tableFlags, pageFlags, auxFlags)
		if st != status.OK {
			return st
		}
		remaining -= n
		mapped += n
		paBase += n << descriptor.PageBits
		ttbIdx++
		if ttbIdx == c.maxIndex {
			m.Demap(ctx, vmaBase, mapped)
			return status.EndOfTTB
		}
		vmaBase = descriptor.IndicesToVMA(ttbIdx, 0, 0)
	}

	for remaining >= descriptor.SectionPages {
		canSection := paBase&descriptor.TTBSecBase == paBase
		var n uint32
		var st status.Code

		if canSection && descriptor.TTBQuery(c.ttbWord(ttbIdx)) == descriptor.TTBQueryFault {
			secFlags := descriptor.PromoteToSectionFlags(tableFlags, pageFlags)
			secAux := descriptor.PromoteToSectionAuxFlags(auxFlags)
			c.setTTBWord(ttbIdx, descriptor.MakeTTBSection(paBase, secFlags))
			c.setTTBAuxWord(ttbIdx, secAux)
			if auxFlags&descriptor.AuxNotPage == 0 {
				for i := uint32(0); i < descriptor.SectionPages; i++ {
					c.mapper.frames.NotifyPTEWritten((paBase>>descriptor.PageBits)+i, c.ttb+ttbIdx*4, true)
				}
			}
			n, st = descriptor.SectionPages, status.OK
		} else {
			n, st = c.mapWithinEntry(paBase, vmaBase, ttbIdx, 0, remaining, tableFlags, pageFlags, auxFlags)
		}

		if st != status.OK {
			m.Demap(ctx, vmaBase, mapped)
			return st
		}
		remaining -= n
		mapped += n
		paBase += n << descriptor.PageBits
		ttbIdx++
		if ttbIdx == c.maxIndex {
			m.Demap(ctx, vmaBase, mapped)
			return status.EndOfTTB
		}
		vmaBase += descriptor.SectionSize
	}

	if remaining > 0 {
		n, st := c.mapWithinEntry(paBase, vmaBase, ttbIdx, 0, remaining, tableFlags, pageFlags, auxFlags)
		if st != status.OK {
			m.Demap(ctx, vmaBase, mapped)
			return st
		}
		if n != remaining {
			m.Demap(ctx, vmaBase, mapped+n)
			return status.Collided
		}
	}
	return status.OK
}

const demapNothingSacred = 1

func (c *Context) demapWithinEntry(vmaStart uint32, ttbIdx, ndxPage, cpg, flags uint32, mmu MMU, frames FrameAllocator) (uint32, status.Code) {
	cpgCur := descriptor.PageTableEntries - ndxPage
	if cpg < cpgCur {
		cpgCur = cpg
	}

	word := c.ttbWord(ttbIdx)
	switch {
	case descriptor.TTBQuery(word) != descriptor.TTBQueryFault &&
		word&descriptor.TTBSecAlways != 0 && cpgCur == descriptor.PageTableEntries && ndxPage == 0:
		auxWord := c.ttbAuxWord(ttbIdx)
		if auxWord&descriptor.AuxSacred != 0 && flags&demapNothingSacred == 0 {
			return 0, status.NotSacred
		}
		pa := descriptor.TTBBaseAddress(word)
		if word&descriptor.TTBSecC != 0 {
			mmu.FlushCacheForSection(vmaStart, auxWord&descriptor.AuxUnwriteable == 0)
		}
		if auxWord&descriptor.AuxNotPage == 0 {
			for i := uint32(0); i < descriptor.SectionPages; i++ {
				frames.NotifyPTEWritten((pa>>descriptor.PageBits)+i, 0, false)
			}
		}
		c.setTTBWord(ttbIdx, 0)
		c.setTTBAuxWord(ttbIdx, 0)
		mmu.FlushTLBForSection(vmaStart)
		return cpgCur, status.OK

	case word&descriptor.TTBTblAlways != 0:
		slotPA := descriptor.TTBBaseAddress(word)
		for i := uint32(0); i < cpgCur; i++ {
			if c.pgAuxWord(slotPA, ndxPage+i)&descriptor.AuxSacred != 0 && flags&demapNothingSacred == 0 {
				return 0, status.NotSacred
			}
		}
		for i := uint32(0); i < cpgCur; i++ {
			pgWord := c.pgWord(slotPA, ndxPage+i)
			pgAux := c.pgAuxWord(slotPA, ndxPage+i)
			if pgWord&descriptor.PGSmC != 0 {
				mmu.FlushCacheForPage(vmaStart, pgAux&descriptor.AuxUnwriteable == 0)
			}
			if pgAux&descriptor.AuxNotPage == 0 {
				frames.NotifyPTEWritten(descriptor.PGBaseAddress(pgWord)>>descriptor.PageBits, 0, false)
			}
			c.unmapEntry(slotPA, ndxPage+i)
			mmu.FlushTLBForPage(vmaStart)
			vmaStart += descriptor.PageSize
		}
		if isPageTableEmpty(c, slotPA) {
			c.setTTBWord(ttbIdx, 0)
			c.setTTBAuxWord(ttbIdx, 0)
			c.mapper.freeTableSlot(slotPA)
			mmu.FlushTLBForSection(descriptor.IndicesToVMA(ttbIdx, 0, 0))
		}
		return cpgCur, status.OK

	default:
		return cpgCur, status.OK
	}
}

// Demap tears down pages pages of translation entries starting at
// vmaBase, whole sections at once where the current mapping allows it.
// A mapping flagged sacred refuses to be torn down.
func (m *Mapper) Demap(ctx *Context, vmaBase, pages uint32) status.Code {
	c := m.resolve(ctx, vmaBase)
	ttbIdx := descriptor.VMAToTTBIndex(vmaBase)
	pgIdx := descriptor.VMAToPGIndex(vmaBase)
	remaining := pages

	if remaining > 0 && pgIdx > 0 {
		n, st := c.demapWithinEntry(vmaBase, ttbIdx, pgIdx, remaining, 0, m.mmu, m.frames)
		if st != status.OK {
			return st
		}
		remaining -= n
		ttbIdx++
		if ttbIdx == c.maxIndex {
			return status.EndOfTTB
		}
		vmaBase = descriptor.IndicesToVMA(ttbIdx, 0, 0)
	}

	for remaining > 0 {
		n, st := c.demapWithinEntry(vmaBase, ttbIdx, 0, remaining, 0, m.mmu, m.frames)
		if st != status.OK {
			return st
		}
		remaining -= n
		ttbIdx++
		if ttbIdx == c.maxIndex {
			return status.EndOfTTB
		}
		vmaBase += descriptor.SectionSize
	}
	return status.OK
}

// MapKernel allocates fresh kernel address space and maps paBase into
// it, returning the chosen virtual address.
func (m *Mapper) MapKernel(paBase, pages uint32, tableFlags, pageFlags, auxFlags uint32) (uint32, status.Code) {
	vma, st := m.kva.Alloc(pages)
	if st != status.OK {
		return 0, st
	}
	if st := m.Map(m.Kernel, paBase, vma, pages, tableFlags, pageFlags, auxFlags); st != status.OK {
		m.kva.Free(vma, pages)
		return 0, st
	}
	return vma, status.OK
}

// DemapKernel tears down a kernel mapping previously made by MapKernel
// and returns its address space to the kernel VA allocator.
func (m *Mapper) DemapKernel(vmaBase, pages uint32) status.Code {
	if st := m.Demap(m.Kernel, vmaBase, pages); st != status.OK {
		return st
	}
	m.kva.Free(vmaBase, pages)
	return status.OK
}
