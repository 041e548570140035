// ARM processor
// https://github.com/f-secure-foundry/tamago
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
//
// +build tamago,arm

package arm

// CPU represents the running ARM core: its feature set and the cache/VFP/
// interrupt/debug operations every other file in this package hangs off it.
type CPU struct {
	features features
}

func (cpu *CPU) Init() {
	cpu.features.init()
}
