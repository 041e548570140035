// Package earlyboot builds the virtual memory subsystem's initial state
// out of the flat, identity-mapped image the assembly boot stub hands
// off: it classifies every physical frame in the Master Page Database,
// seeds the kernel virtual address allocator with what's left over, and
// replays the boot image's own layout through the live mapper so every
// region ends up with the back-pointers and flags a region of its kind
// should have.
package earlyboot

import (
	"github.com/piforth/pisub-vm/descriptor"
	"github.com/piforth/pisub-vm/kva"
	"github.com/piforth/pisub-vm/mpdb"
	"github.com/piforth/pisub-vm/status"
	"github.com/piforth/pisub-vm/vmm"
)

// Board-wide virtual and physical layout constants, fixed by the linker
// script and the boot stub, not configurable at runtime.
const (
	IOBase          = 0xE0000000
	IOPages         = 1024
	KernelNoMansEnd = 0xFFFFFFFF
)

// Info describes the boot image as the assembly entry point leaves it:
// one contiguous, physically-addressed, identity-mapped run of frames,
// partitioned in the fixed order the Master Page Database expects.
type Info struct {
	RAMBase  uint32
	RAMPages uint32

	PrestartPages   uint32
	LibCodePages    uint32
	KernelCodePages uint32
	KernelDataPages uint32
	InitPages       uint32
	TTBGapPages     uint32
	TTBPages        uint32
	TTBAuxPages     uint32
	MPDBPages       uint32
	PageTablePages  uint32
	GPUPages        uint32

	// VMAFirstFree is the first kernel virtual address not already
	// claimed by the boot image; everything from here to IOBase, and
	// everything past the fixed I/O window, becomes free kernel address
	// space.
	VMAFirstFree uint32
}

func (i Info) layout() mpdb.Layout {
	return mpdb.Layout{
		PrestartPages:    i.PrestartPages,
		LibCodePages:     i.LibCodePages,
		KernelCodePages:  i.KernelCodePages,
		KernelDataPages:  i.KernelDataPages,
		InitPages:        i.InitPages,
		TTBGapPages:      i.TTBGapPages,
		TTBPages:         i.TTBPages,
		TTBAuxPages:      i.TTBAuxPages,
		MPDBPages:        i.MPDBPages,
		PageTablePages:   i.PageTablePages,
		SystemAvailPages: i.RAMPages - i.GPUPages,
		SystemTotalPages: i.RAMPages,
	}
}

// region is one contiguous, already-classified range of the boot image,
// in the fixed classification order, together with the flags it should
// carry once replayed through the live mapper.
type region struct {
	base, pages            uint32
	tableFlags, pageFlags  uint32
	auxFlags               uint32
}

func (i Info) regions() []region {
	pa := i.RAMBase
	advance := func(pages uint32) uint32 {
		base := pa
		pa += pages << descriptor.PageBits
		return base
	}

	var regions []region
	zeroPage := advance(1)
	regions = append(regions, region{zeroPage, 1, descriptor.TTBFlagsKernelData, descriptor.PGFlagsKernelData, descriptor.AuxFlagsKernelData})

	advance(i.PrestartPages - 1) // free, not mapped here

	if i.LibCodePages > 0 {
		regions = append(regions, region{advance(i.LibCodePages), i.LibCodePages, descriptor.TTBFlagsLibCode, descriptor.PGFlagsLibCode, descriptor.AuxFlagsLibCode})
	}
	if i.KernelCodePages > 0 {
		regions = append(regions, region{advance(i.KernelCodePages), i.KernelCodePages, descriptor.TTBFlagsKernelCode, descriptor.PGFlagsKernelCode, descriptor.AuxFlagsKernelCode})
	}
	if i.KernelDataPages > 0 {
		regions = append(regions, region{advance(i.KernelDataPages), i.KernelDataPages, descriptor.TTBFlagsKernelData, descriptor.PGFlagsKernelData, descriptor.AuxFlagsKernelData})
	}
	if i.InitPages > 0 {
		regions = append(regions, region{advance(i.InitPages), i.InitPages, descriptor.TTBFlagsInitData, descriptor.PGFlagsInitData, descriptor.AuxFlagsInitData})
	}

	advance(i.TTBGapPages) // free

	if i.TTBPages > 0 {
		regions = append(regions, region{advance(i.TTBPages), i.TTBPages, descriptor.TTBFlagsKernelData, descriptor.PGFlagsKernelData, descriptor.AuxFlagsKernelData})
	}
	if i.TTBAuxPages > 0 {
		regions = append(regions, region{advance(i.TTBAuxPages), i.TTBAuxPages, descriptor.TTBFlagsKernelData, descriptor.PGFlagsKernelData, descriptor.AuxFlagsKernelData})
	}
	if i.MPDBPages > 0 {
		regions = append(regions, region{advance(i.MPDBPages), i.MPDBPages, descriptor.TTBFlagsKernelData, descriptor.PGFlagsKernelData, descriptor.AuxFlagsKernelData})
	}
	if i.PageTablePages > 0 {
		regions = append(regions, region{advance(i.PageTablePages), i.PageTablePages, descriptor.TTBFlagsKernelData, descriptor.PGFlagsKernelData, descriptor.AuxFlagsKernelData})
	}
	return regions
}

// System is the fully initialized virtual memory subsystem: a Master
// Page Database, a kernel VA allocator seeded with whatever the boot
// image didn't claim, and a live mapper whose kernel context already
// reflects the entire boot image.
type System struct {
	Frames *mpdb.DB
	KVA    *kva.Allocator
	Mapper *vmm.Mapper
}

// Bootstrap classifies the boot image described by info, then replays
// it through a fresh live mapper so every region carries the flags and
// PTE back-pointers its kind requires. mem and mmu back the live mapper
// exactly as they would for any other caller; ttbPA/ttbAuxPA are the
// physical addresses Info already accounted for in its TTB/TTBAux region.
func Bootstrap(mem vmm.Memory, mmu vmm.MMU, zero mpdb.Zeroer, info Info, ttbPA, ttbAuxPA uint32) (*System, status.Code) {
	frames := mpdb.New(nil, info.RAMPages, zero)
	frames.Init(info.layout())

	va := kva.New()
	va.AddFree(info.VMAFirstFree, IOBase)
	va.AddFree(IOBase+IOPages<<descriptor.PageBits, KernelNoMansEnd)

	mapper := vmm.NewMapper(mem, frames, va, mmu, ttbPA, ttbAuxPA)

	for _, r := range info.regions() {
		// The boot image is identity-mapped: virtual address equals
		// physical address for every region replayed here.
		if st := mapper.Map(mapper.Kernel, r.base, r.base, r.pages, r.tableFlags, r.pageFlags, r.auxFlags); st != status.OK {
			return nil, st
		}
	}

	return &System{Frames: frames, KVA: va, Mapper: mapper}, status.OK
}
