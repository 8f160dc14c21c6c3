// Package kmain contains the boot entrypoint that brings up physical frame
// allocation and verifies the recursive page table mapping.
package kmain

import (
	"memcore/kernel"
	"memcore/kernel/hal/multiboot"
	"memcore/kernel/kfmt"
	"memcore/kernel/mm"
	"memcore/kernel/mm/pmm"
	"memcore/kernel/mm/vmm"
)

// selfCheckAddr is the first address covered by the 42nd P3 entry of the
// lowest P4 slot. It is not used by the boot page tables.
const selfCheckAddr = uintptr(42 * vmm.EntryCount * vmm.EntryCount * mm.PageSize)

// pageTable is the subset of vmm.ActivePageTable used during boot.
type pageTable interface {
	Frame() mm.Frame
	RecursiveMappingValid() bool
	Translate(virtAddr uintptr) (uintptr, *kernel.Error)
	MapTo(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error
	Unmap(page mm.Page, alloc mm.FrameAllocator) *kernel.Error
}

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	visitMemRegionsFn  = multiboot.VisitMemRegions
	visitElfSectionsFn = multiboot.VisitElfSections
	infoSizeFn         = multiboot.InfoSize
	panicFn            = kfmt.Panic
	activePageTableFn  = func() pageTable { return vmm.NewActivePageTable() }

	errKmainReturned      = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoRecursiveMapping = &kernel.Error{Module: "kmain", Message: "last P4 entry does not map the active P4"}
	errPagingSelfCheck    = &kernel.Error{Module: "kmain", Message: "paging self-check failed"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the address of the multiboot info
// payload provided by the bootloader.
//
// Kmain sets up the frame allocator, prints the system memory map and
// exercises the active page table. Any error is fatal. Kmain is not expected
// to return; if it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	bootInfoRange := pmm.AddrRange{
		Start: multibootInfoPtr,
		End:   multibootInfoPtr + uintptr(infoSizeFn()),
	}

	allocator := pmm.NewAreaFrameAllocator(visitMemRegionsFn, kernelImageRange(), bootInfoRange)
	allocator.PrintMemoryMap()

	if err := checkPaging(activePageTableFn(), &allocator); err != nil {
		panicFn(err)
		return
	}

	kfmt.Printf("[kmain] frames allocated during boot: %d\n", allocator.AllocCount())

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// kernelImageRange returns the physical range spanned by the ELF sections of
// the loaded kernel image. Sections that are not allocated in memory (e.g.
// .symtab) report a zero address and are skipped.
func kernelImageRange() pmm.AddrRange {
	var (
		r       pmm.AddrRange
		visited bool
	)

	visitElfSectionsFn(func(flags multiboot.ElfSectionFlag, address uintptr, size uint64) {
		if flags&multiboot.ElfSectionAllocated == 0 {
			return
		}

		end := address + uintptr(size)
		if !visited || address < r.Start {
			r.Start = address
		}
		if end > r.End {
			r.End = end
		}
		visited = true
	})

	return r
}

// checkPaging maps a page that is not used by the boot page tables to a
// newly allocated frame, verifies the translation and removes the mapping.
func checkPaging(pt pageTable, alloc mm.FrameAllocator) *kernel.Error {
	if !pt.RecursiveMappingValid() {
		return errNoRecursiveMapping
	}
	kfmt.Printf("[kmain] active P4 table in frame %d\n", uint64(pt.Frame()))

	if _, err := pt.Translate(selfCheckAddr); err != vmm.ErrInvalidMapping {
		return errPagingSelfCheck
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		return err
	}

	page := mm.PageFromAddress(selfCheckAddr)
	if err = pt.MapTo(page, frame, vmm.FlagRW|vmm.FlagNoExecute, alloc); err != nil {
		return err
	}

	physAddr, err := pt.Translate(selfCheckAddr)
	if err != nil {
		return err
	} else if physAddr != frame.Address() {
		return errPagingSelfCheck
	}
	kfmt.Printf("[kmain] mapped 0x%x to 0x%x\n", selfCheckAddr, physAddr)

	if err = pt.Unmap(page, alloc); err != nil {
		return err
	}

	if _, err = pt.Translate(selfCheckAddr); err != vmm.ErrInvalidMapping {
		return errPagingSelfCheck
	}
	kfmt.Printf("[kmain] paging self-check passed\n")

	return nil
}
