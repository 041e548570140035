package bcm2835

import (
	"github.com/piforth/pisub-vm/descriptor"
	"github.com/piforth/pisub-vm/internal/reg"
	"github.com/piforth/pisub-vm/status"
)

// PhysMemory adapts the board's directly-addressable physical memory to
// vmm.Memory: on this SoC every physical address the mapper ever touches
// (page tables, the frames it zeroes) is already mapped 1:1 by the flat
// boot-time translation, so reg's ordinary MMIO accessors double as a
// page-table/RAM word accessor.
type PhysMemory struct{}

func (PhysMemory) ReadWord(pa uint32) uint32 {
	return reg.Read(pa)
}

func (PhysMemory) WriteWord(pa uint32, v uint32) {
	reg.Write(pa, v)
}

// DirectZeroer zeroes a frame by writing through its physical address
// directly, rather than mapping it at a scratch kernel VA first: the boot
// stub hands the kernel a flat, identity-mapped image, so every frame the
// Master Page Database asks to zero while earlyboot is still classifying
// it is already addressable at its own physical address.
type DirectZeroer struct{}

func (DirectZeroer) ZeroFrame(framePA uint32) status.Code {
	for off := uint32(0); off < descriptor.PageSize; off += 4 {
		reg.Write(framePA+off, 0)
	}
	return status.OK
}
