// BCM2835 SoC support
// https://github.com/f-secure-foundry/tamago
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bcm2835 brings up the BCM2835 SoC underlying the Raspberry
// Pi Zero/1: peripheral base resolution, ATAG-derived RAM/VideoCore
// geometry and board identity, CPU/cache/VFP init, and the mini-UART
// console, the way the teacher split this work across
// soc/bcm2835 and board/raspberrypi.
package bcm2835

import (
	// using go:linkname
	_ "unsafe"

	"github.com/piforth/pisub-vm/cpu/arm"
)

// PeripheralBase is the (remapped) peripheral base address. On the
// Raspberry Pi Zero/1 it is 0x20000000; later models remap it to
// 0x3f000000, hence the variable rather than a constant, set by the
// board bring-up sequence before any peripheral register is touched.
//
//go:linkname PeripheralBase runtime.PeripheralBase
var PeripheralBase uint32

// PeripheralAddress converts a peripheral-relative register offset, as
// given in the BCM2835 ARM Peripherals datasheet, into its absolute
// address under the current PeripheralBase.
func PeripheralAddress(offset uint32) uint32 {
	return PeripheralBase + offset
}

// CPU is the ARM core instance backing this board's CPU-level bring-up
// and the cache/TLB maintenance the live mapper (package vmm) needs.
var CPU = &arm.CPU{}

// MMU adapts CPU's cache/TLB primitives to vmm.MMU.
var MMU = arm.CacheMMU{CPU: CPU}

// HardwareInit takes care of the lower level SoC initialization. It is
// triggered early in runtime setup: no heap allocation may happen here,
// since the production heap (package heap) is not yet constructed.
func HardwareInit(peripheralBase uint32) {
	PeripheralBase = peripheralBase

	CPU.Init()
	CPU.EnableVFP()

	// required when booting in SMP-capable configurations
	CPU.EnableSMP()

	CPU.CacheEnable()

	Console.Init()
}
