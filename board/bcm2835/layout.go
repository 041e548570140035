package bcm2835

import "github.com/piforth/pisub-vm/earlyboot"

// Fixed boot image layout, in pages, for the flat identity-mapped image
// this board's boot stub hands off to Go: prestart code, the Go runtime
// and library code, the kernel image itself, and the scratch regions the
// early boot sequence carves out of what's left before memory management
// takes over. Chosen to comfortably fit this kernel's current image size
// on a Pi Zero/1's smallest supported RAM configuration (256 MiB).
const (
	prestartPages   = 4   // ATAG parsing, stack setup, before any Go code runs
	libCodePages    = 64  // Go runtime
	kernelCodePages = 256 // this kernel's .text
	kernelDataPages = 64  // this kernel's .data/.bss
	initPages       = 16  // boot-only code, reclaimed once earlyboot completes
	ttbGapPages     = 0   // padding to the TTB's required 16 KiB alignment
	ttbPages        = 4   // 16 KiB first-level table
	ttbAuxPages     = 4   // 16 KiB second first-level table (vmm's aux context)
	pageTablePages  = 4   // initial second-level tables reserved at boot

	// vmaFirstFree is the first kernel virtual address not already
	// claimed by the boot image above; it sits well past the fixed
	// regions here with headroom for the image to grow.
	vmaFirstFree = 0x00800000
)

// mpdbPages returns how many pages the Master Page Database itself needs
// to hold one 8-byte entry per frame in ramPages.
func mpdbPages(ramPages uint32) uint32 {
	const entrySize = 8
	const pageSize = 4096
	bytes := ramPages * entrySize
	return (bytes + pageSize - 1) / pageSize
}

// BuildInfo turns the ATAG-derived startup info and this board's fixed
// image layout into the earlyboot.Info the kernel entry point needs to
// bootstrap the virtual memory subsystem.
func BuildInfo(info StartupInfo) earlyboot.Info {
	ramPages := info.RAMSize >> 12
	gpuPages := info.GPUSize >> 12

	return earlyboot.Info{
		RAMBase:         info.RAMBase,
		RAMPages:        ramPages,
		PrestartPages:   prestartPages,
		LibCodePages:    libCodePages,
		KernelCodePages: kernelCodePages,
		KernelDataPages: kernelDataPages,
		InitPages:       initPages,
		TTBGapPages:     ttbGapPages,
		TTBPages:        ttbPages,
		TTBAuxPages:     ttbAuxPages,
		MPDBPages:       mpdbPages(ramPages),
		PageTablePages:  pageTablePages,
		GPUPages:        gpuPages,
		VMAFirstFree:    vmaFirstFree,
	}
}

// TTBPhysAddr and TTBAuxPhysAddr locate the first-level tables within the
// boot image, immediately following the reserved TTB gap, mirroring the
// fixed region order BuildInfo lays out above.
func (info StartupInfo) TTBPhysAddr() uint32 {
	pages := uint32(prestartPages + libCodePages + kernelCodePages + kernelDataPages + initPages + ttbGapPages)
	return info.RAMBase + pages<<12
}

// TTBAuxPhysAddr is the physical address of the second first-level table,
// immediately after the first.
func (info StartupInfo) TTBAuxPhysAddr() uint32 {
	return info.TTBPhysAddr() + ttbPages<<12
}
