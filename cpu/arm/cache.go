// ARM processor support
// https://github.com/f-secure-foundry/tamago
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm

// Cortex-A7 Auxiliary Control Register bit.
const (
	ACTLR_SMP = 6
)

// defined in cache.s
func read_actlr() int32
func write_actlr(aux int32)
func cache_enable()
func cache_disable()
func cache_flush_data()
func cache_flush_instruction()

// EnableSMP sets the SMP bit in the Auxiliary Control Register, required
// before caches and MMU are enabled or any cache/TLB maintenance runs
// (p115, Cortex-A7 MPCore Technical Reference Manual r0p5).
func (cpu *CPU) EnableSMP() {
	aux := read_actlr()
	aux |= (1 << ACTLR_SMP)
	write_actlr(aux)
}

// CacheEnable activates the instruction and data caches.
func (cpu *CPU) CacheEnable() {
	cache_enable()
}

// CacheDisable disables the instruction and data caches.
func (cpu *CPU) CacheDisable() {
	cache_disable()
}

// CacheFlushData flushes the whole data cache. This is the coarsest
// legal granularity this CPU's cache-maintenance primitives expose: the
// live mapper (package vmm) reaches it through CacheMMU when it tears down
// a cacheable, writable mapping, flushing the whole data cache rather than
// a single line, since no per-line instruction is wired up.
func (cpu *CPU) CacheFlushData() {
	cache_flush_data()
}

// CacheFlushInstruction flushes the whole instruction cache.
func (cpu *CPU) CacheFlushInstruction() {
	cache_flush_instruction()
}
