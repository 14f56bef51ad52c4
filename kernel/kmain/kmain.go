// Package kmain hosts the kernel entry point.
package kmain

import (
	"mxos/kernel"
	"mxos/kernel/cpu"
	"mxos/kernel/hal/bootinfo"
	"mxos/kernel/kfmt"
	"mxos/kernel/mem/heap"
	"mxos/kernel/mem/vmm"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. It is invoked after the rt0 assembly has set up a
// minimal stack and switched to long mode; bootInfoPtr points at the
// information structure prepared by the boot loader.
//
// Kmain brings up the memory stack in dependency order: the boot memory map
// is sorted, the heap registers itself as the consumer of pre-seeded
// segments and vmm.Init then bootstraps the frame allocator, primes the heap
// segment pool and seeds the free-range trees. Once it returns, every
// allocation surface of the kernel is live.
//
// Kmain does not return: once the memory stack is up it panics with
// errKmainReturned.
//
//go:noinline
func Kmain(bootInfoPtr uintptr) {
	bootinfo.SetInfoPtr(bootInfoPtr)
	bootinfo.SortMemRegions()

	kfmt.Printf("[kmain] booting; boot info at 0x%16x\n", bootInfoPtr)

	heap.Init()
	if err := vmm.Init(); err != nil {
		panic(err)
	}

	kfmt.Printf("[kmain] memory stack up; %d segments pooled\n", heap.SegmentPoolLen())

	panic(errKmainReturned)
}

// Halt parks the CPU when the kernel has nothing left to do.
func Halt() {
	cpu.DisableInterrupts()
	for {
		cpu.Halt()
	}
}
