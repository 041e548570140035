// Command kernel is the virtual memory subsystem's entry point: it brings
// up the board, classifies the boot image the assembly stub handed off,
// and builds the production heap on top of the live mapper — the one
// sequence only a concrete board port has enough information to drive.
package main

import (
	"github.com/piforth/pisub-vm/board/bcm2835"
	"github.com/piforth/pisub-vm/earlyboot"
	"github.com/piforth/pisub-vm/heap"
	"github.com/piforth/pisub-vm/trace"
)

// atagBase is the physical address U-Boot/the VideoCore firmware leaves
// the ATAG chain at on a Raspberry Pi Zero/1, passed in r2 at kernel
// entry and recorded here by the boot stub before Go code runs.
const atagBase = 0x00000100

// peripheralBase is the BCM2835's peripheral window on the Pi Zero/1;
// later SoCs in the family remap this, which is why HardwareInit takes
// it as a parameter rather than hardcoding it itself.
const peripheralBase = 0x20000000

// heapChunkBits sizes the production heap's chunk granularity at 1 MiB,
// comfortably larger than any single allocation this kernel is expected
// to make while keeping the kernel VA space's chunk count small.
const heapChunkBits = 20

// vm is the fully bootstrapped virtual memory subsystem, kept at package
// scope for whatever this kernel's own scheduler/service loop ends up
// needing it for once it exists.
var vm *earlyboot.System

// kheap is the production heap built on top of vm, the allocator every
// other kernel subsystem is meant to allocate through.
var kheap *heap.Heap

func main() {
	bcm2835.HardwareInit(peripheralBase)
	trace.SetSink(bcm2835.Console)
	trace.Printf("pisub-vm: board initialized\n")
	bcm2835.CPU.Print()

	board, err := bcm2835.NewBoard()
	if err != nil {
		trace.Printf("pisub-vm: board bring-up failed: %v\n", err)
	} else {
		board.LED("activity", true)
	}

	startup := bcm2835.ParseStartupInfo(atagBase)
	trace.Printf("pisub-vm: %d MiB RAM at %#08x, %d MiB GPU split\n",
		startup.RAMSize>>20, startup.RAMBase, startup.GPUSize>>20)

	info := bcm2835.BuildInfo(startup)
	ttbPA := startup.TTBPhysAddr()
	ttbAuxPA := startup.TTBAuxPhysAddr()

	sys, st := earlyboot.Bootstrap(bcm2835.PhysMemory{}, bcm2835.MMU, bcm2835.DirectZeroer{}, info, ttbPA, ttbAuxPA)
	trace.MustSucceed(st, "earlyboot.Bootstrap")
	vm = sys

	chunks := heap.NewDefaultVMMChunkAllocator(vm.Mapper, vm.Frames, vm.KVA)
	kheap = heap.NewHeap(chunks, nil, nil, 1, heapChunkBits, 0)

	if board != nil {
		board.LED("activity", false)
	}
	trace.Printf("pisub-vm: virtual memory subsystem up\n")
}
