// Package cpu provides access to amd64-specific registers and instructions
// that the memory subsystem depends on.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePageTable returns the physical address of the currently active
// level-4 page table.
func ActivePageTable() uintptr
