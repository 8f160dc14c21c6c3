// Package cpu exposes the privileged amd64 instructions used by the memory
// management code. All functions are implemented in assembly and will fault
// if invoked from user-mode; callers reach them through function variables
// that tests can override.
package cpu

// Halt disables interrupts and stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr
