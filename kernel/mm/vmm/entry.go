package vmm

import "memcore/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// Entry describes a page table entry. These entries encode a physical frame
// address and a set of flags. An entry whose bits are all zero is unused.
type Entry uintptr

// IsUnused returns true if no bits are set for this entry.
func (e Entry) IsUnused() bool {
	return e == 0
}

// SetUnused clears all entry bits.
func (e *Entry) SetUnused() {
	*e = 0
}

// Flags returns the flag bits of this entry.
func (e Entry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(e) &^ ptePhysPageMask)
}

// HasFlags returns true if this entry has all the input flags set.
func (e Entry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(e) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (e Entry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(e) & uintptr(flags)) != 0
}

// PointedFrame returns the physical frame that this entry points to. The
// second return value is false if the entry is not present.
func (e Entry) PointedFrame() (mm.Frame, bool) {
	if !e.HasFlags(FlagPresent) {
		return mm.InvalidFrame, false
	}

	return mm.FrameFromAddress(uintptr(e) & ptePhysPageMask), true
}

// Set points the entry to frame and replaces its flags. FlagPresent is
// always added to the supplied flags.
func (e *Entry) Set(frame mm.Frame, flags PageTableEntryFlag) {
	*e = Entry((frame.Address() & ptePhysPageMask) | uintptr(flags|FlagPresent))
}
