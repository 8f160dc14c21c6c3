// Package vmm manages the active 4-level page table through the recursive
// mapping installed in the last P4 entry.
package vmm

import (
	"memcore/kernel"
	"memcore/kernel/cpu"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrDoubleMapping is returned when mapping a page that is already mapped.
	ErrDoubleMapping = &kernel.Error{Module: "vmm", Message: "page is already mapped"}

	// ErrUnmapOfUnmapped is returned when unmapping a page that is not mapped.
	ErrUnmapOfUnmapped = &kernel.Error{Module: "vmm", Message: "attempt to unmap a page that is not mapped"}

	// ErrMalformedTable is returned when a huge page is encountered where a
	// page table is expected or when a huge page frame is misaligned.
	ErrMalformedTable = &kernel.Error{Module: "vmm", Message: "unsupported or misaligned huge page mapping"}
)
