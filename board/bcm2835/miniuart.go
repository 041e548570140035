// BCM2835 mini-UART driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) the bcm2835 package authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
//
// This mini-UART is specifically intended for use as a
// console. See BCM2835-ARM-Peripherals.pdf that is
// widely available.
//

package bcm2835

import (
	"github.com/piforth/pisub-vm/cpu/arm"
	"github.com/piforth/pisub-vm/internal/reg"
)

const (
	AUX_ENABLES     = 0x215004
	AUX_MU_IO_REG   = 0x215040
	AUX_MU_IER_REG  = 0x215044
	AUX_MU_IIR_REG  = 0x215048
	AUX_MU_LCR_REG  = 0x21504C
	AUX_MU_MCR_REG  = 0x215050
	AUX_MU_LSR_REG  = 0x215054
	AUX_MU_MSR_REG  = 0x215058
	AUX_MU_SCRATCH  = 0x21505C
	AUX_MU_CNTL_REG = 0x215060
	AUX_MU_STAT_REG = 0x215064
	AUX_MU_BAUD_REG = 0x215068
)

type miniUART struct {
	lsr uint32
	io  uint32
}

// MiniUART is a secondary low throughput UART intended to be
// used as a console.
var MiniUART = &miniUART{}

// Init initializes the MiniUART.
func (hw *miniUART) Init() {
	reg.Write(PeripheralAddress(AUX_ENABLES), 1)
	reg.Write(PeripheralAddress(AUX_MU_IER_REG), 0)
	reg.Write(PeripheralAddress(AUX_MU_CNTL_REG), 0)
	reg.Write(PeripheralAddress(AUX_MU_LCR_REG), 3)
	reg.Write(PeripheralAddress(AUX_MU_MCR_REG), 0)
	reg.Write(PeripheralAddress(AUX_MU_IER_REG), 0)
	reg.Write(PeripheralAddress(AUX_MU_IIR_REG), 0xc6)
	reg.Write(PeripheralAddress(AUX_MU_BAUD_REG), 270)

	// Not using the GPIO abstraction here: this runs before the
	// production heap exists, and GPIO.SelectFunction's mutex-free
	// read-modify-write is already minimal enough not to need it.
	ra := reg.Read(PeripheralAddress(gpfsel1))
	ra &= ^(uint32(7) << 12) // gpio14
	ra |= 2 << 12            // alt5
	ra &= ^(uint32(7) << 15) // gpio15
	ra |= 2 << 15            // alt5
	reg.Write(PeripheralAddress(gpfsel1), ra)

	reg.Write(PeripheralAddress(gppud), 0)
	arm.Busyloop(150)

	reg.Write(PeripheralAddress(gppudclk0), (1<<14)|(1<<15))
	arm.Busyloop(150)

	reg.Write(PeripheralAddress(gppudclk0), 0)
	reg.Write(PeripheralAddress(AUX_MU_CNTL_REG), 3)

	hw.lsr = PeripheralAddress(AUX_MU_LSR_REG)
	hw.io = PeripheralAddress(AUX_MU_IO_REG)
}

// Tx transmits a single character to the serial port.
func (hw *miniUART) Tx(c byte) {
	for reg.Read(hw.lsr)&0x20 == 0 {
	}

	reg.Write(hw.io, uint32(c))
}

// Write sends buf to the serial port one byte at a time.
func (hw *miniUART) Write(buf []byte) {
	for _, c := range buf {
		hw.Tx(c)
	}
}
