package vmm

import (
	"memcore/kernel"
	"memcore/kernel/mm"
)

// ActivePageTable provides access to the page table hierarchy currently
// loaded in CR3. It relies on the last P4 entry mapping the P4 onto itself.
type ActivePageTable struct {
	p4 Table[Level4]
}

// NewActivePageTable returns a handle to the active page table. The caller
// must ensure that the recursive mapping is in place.
func NewActivePageTable() *ActivePageTable {
	return &ActivePageTable{p4: Table[Level4]{virtAddr: p4VirtualAddr}}
}

// P4 returns the top-level page table.
func (apt *ActivePageTable) P4() Table[Level4] {
	return apt.p4
}

// Frame returns the physical frame that holds the active P4.
func (apt *ActivePageTable) Frame() mm.Frame {
	return mm.FrameFromAddress(activePDTFn())
}

// RecursiveMappingValid returns true if the last P4 entry points back to
// the active P4 frame.
//
// The P4 is read through the recursive mapping itself, so this check can only
// detect a last entry that points to the wrong frame. If the last entry is
// not present at all, the read page-faults.
func (apt *ActivePageTable) RecursiveMappingValid() bool {
	frame, ok := apt.p4.Entry(recursiveEntry).PointedFrame()
	return ok && frame == apt.Frame()
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Non-canonical addresses yield
// mm.ErrInvalidAddress.
func (apt *ActivePageTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	page, err := mm.PageForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	frame, err := apt.TranslatePage(page)
	if err != nil {
		return 0, err
	}

	return frame.Address() + mm.PageOffset(virtAddr), nil
}

// TranslatePage returns the physical frame that page is mapped to. Huge 1Gb
// (P3) and 2Mb (P2) mappings are resolved to the 4K frame within the huge
// page; a huge page whose frame is not aligned to its size results in
// ErrMalformedTable.
func (apt *ActivePageTable) TranslatePage(page mm.Page) (mm.Frame, *kernel.Error) {
	p3, ok := NextTable[Level4, Level3](apt.p4, page.P4Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	p3Entry := p3.Entry(page.P3Index())
	if startFrame, ok := p3Entry.PointedFrame(); ok && p3Entry.HasFlags(FlagHugePage) {
		// 1Gb page
		if startFrame%(EntryCount*EntryCount) != 0 {
			return mm.InvalidFrame, ErrMalformedTable
		}
		return startFrame + mm.Frame(page.P2Index()*EntryCount+page.P1Index()), nil
	}

	p2, ok := NextTable[Level3, Level2](p3, page.P3Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	p2Entry := p2.Entry(page.P2Index())
	if startFrame, ok := p2Entry.PointedFrame(); ok && p2Entry.HasFlags(FlagHugePage) {
		// 2Mb page
		if startFrame%EntryCount != 0 {
			return mm.InvalidFrame, ErrMalformedTable
		}
		return startFrame + mm.Frame(page.P1Index()), nil
	}

	p1, ok := NextTable[Level2, Level1](p2, page.P2Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	frame, ok := p1.Entry(page.P1Index()).PointedFrame()
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	return frame, nil
}

// MapTo establishes a mapping between a virtual page and a physical memory
// frame. Missing P3, P2 and P1 tables are allocated using alloc. Mapping a
// page that is already mapped returns ErrDoubleMapping.
func (apt *ActivePageTable) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	p1, err := apt.p1ForMapping(page, alloc)
	if err != nil {
		return err
	}

	entry := p1.Entry(page.P1Index())
	if !entry.IsUnused() {
		return ErrDoubleMapping
	}

	entry.Set(frame, flags|FlagPresent)
	return nil
}

func (apt *ActivePageTable) p1ForMapping(page mm.Page, alloc mm.FrameAllocator) (Table[Level1], *kernel.Error) {
	p3, err := NextTableCreate[Level4, Level3](apt.p4, page.P4Index(), alloc)
	if err != nil {
		return Table[Level1]{}, err
	}

	p2, err := NextTableCreate[Level3, Level2](p3, page.P3Index(), alloc)
	if err != nil {
		return Table[Level1]{}, err
	}

	return NextTableCreate[Level2, Level1](p2, page.P2Index(), alloc)
}

// Map allocates a frame and maps page to it.
func (apt *ActivePageTable) Map(page mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return err
	}

	return apt.MapTo(page, frame, flags, alloc)
}

// IdentityMap maps frame to the page with the same address.
func (apt *ActivePageTable) IdentityMap(frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	return apt.MapTo(mm.PageFromAddress(frame.Address()), frame, flags, alloc)
}

// Unmap removes the mapping for page and flushes its TLB entry. The frame
// that backed the page and any page tables that become empty are not
// returned to alloc.
func (apt *ActivePageTable) Unmap(page mm.Page, _ mm.FrameAllocator) *kernel.Error {
	if _, err := apt.TranslatePage(page); err != nil {
		if err == ErrInvalidMapping {
			return ErrUnmapOfUnmapped
		}
		return err
	}

	p3, ok := NextTable[Level4, Level3](apt.p4, page.P4Index())
	if !ok {
		return ErrMalformedTable
	}
	p2, ok := NextTable[Level3, Level2](p3, page.P3Index())
	if !ok {
		return ErrMalformedTable
	}
	p1, ok := NextTable[Level2, Level1](p2, page.P2Index())
	if !ok {
		return ErrMalformedTable
	}

	p1.Entry(page.P1Index()).SetUnused()
	flushTLBEntryFn(page.Address())
	return nil
}
