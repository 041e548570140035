// ARM processor support
// https://github.com/f-secure-foundry/tamago
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm

import (
	"fmt"
	_ "unsafe"

	"github.com/piforth/pisub-vm/trace"
)

// ARM exception vector offsets
// Table 11-1 ARM Cortex-A Series Programmer's Guide
const (
	RESET          = 0x0
	UNDEFINED      = 0x04
	SUPERVISOR     = 0x08
	PREFETCH_ABORT = 0x0c
	DATA_ABORT     = 0x10
	IRQ            = 0x18
	FIQ            = 0x1c
)

// CPSR mode field values (bits 4:0), Table B1-1 ARM Architecture
// Reference Manual ARMv7-A and ARMv7-R edition.
const (
	USR_MODE uint32 = 0x10
	FIQ_MODE uint32 = 0x11
	IRQ_MODE uint32 = 0x12
	SVC_MODE uint32 = 0x13
	ABT_MODE uint32 = 0x17
	UND_MODE uint32 = 0x1b
	SYS_MODE uint32 = 0x1f
)

// defined in exception.s
func read_cpsr() uint32

var exceptionHandlerFn = defaultExceptionHandler

//go:linkname exceptionHandler runtime.exceptionHandler
func exceptionHandler(off int) {
	exceptionHandlerFn(off)
}

// defaultExceptionHandler reports the unhandled vector through the trace
// sink and halts, the bare-metal equivalent of an unrecovered panic.
func defaultExceptionHandler(off int) {
	mode := read_cpsr() & 0x1f
	trace.Assert(false, "unhandled exception, vector %#x (%s), mode %#x (%s)", off, VectorName(off), mode, ModeName(mode))
}

// ExceptionHandler overrides the default exception handler; the passed
// function receives the exception vector offset as argument.
func ExceptionHandler(fn func(int)) {
	exceptionHandlerFn = fn
}

// VectorName returns the exception vector offset name.
func VectorName(off int) string {
	switch off {
	case RESET:
		return "RESET"
	case UNDEFINED:
		return "UNDEFINED"
	case SUPERVISOR:
		return "SUPERVISOR"
	case PREFETCH_ABORT:
		return "PREFETCH_ABORT"
	case DATA_ABORT:
		return "DATA_ABORT"
	case IRQ:
		return "IRQ"
	case FIQ:
		return "FIQ"
	}

	return fmt.Sprintf("unknown (%#x)", off)
}

// ModeName returns the processor mode name for a CPSR mode field value.
func ModeName(mode uint32) string {
	switch mode {
	case USR_MODE:
		return "USR"
	case FIQ_MODE:
		return "FIQ"
	case IRQ_MODE:
		return "IRQ"
	case SVC_MODE:
		return "SVC"
	case ABT_MODE:
		return "ABT"
	case UND_MODE:
		return "UND"
	case SYS_MODE:
		return "SYS"
	}

	return fmt.Sprintf("unknown (%#x)", mode)
}
