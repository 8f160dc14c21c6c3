// Package mm defines the identity types shared by the physical and virtual
// memory managers: frames, pages and the frame allocator contract.
package mm

import (
	"math"

	"memcore/kernel"
)

var (
	// ErrInvalidAddress is returned when a virtual address falls in the
	// non-canonical hole of the address space.
	ErrInvalidAddress = &kernel.Error{Module: "mm", Message: "virtual address is not canonical"}
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// P4Index returns the index of the top-level page table entry for this page.
func (p Page) P4Index() uintptr { return (uintptr(p) >> (3 * pageIndexBits)) & pageIndexMask }

// P3Index returns the index of the level 3 page table entry for this page.
func (p Page) P3Index() uintptr { return (uintptr(p) >> (2 * pageIndexBits)) & pageIndexMask }

// P2Index returns the index of the level 2 page table entry for this page.
func (p Page) P2Index() uintptr { return (uintptr(p) >> pageIndexBits) & pageIndexMask }

// P1Index returns the index of the level 1 page table entry for this page.
func (p Page) P1Index() uintptr { return uintptr(p) & pageIndexMask }

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it. The address is not checked for canonical form; use
// PageForAddress for untrusted input.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> PageShift)
}

// PageForAddress behaves like PageFromAddress but returns ErrInvalidAddress
// if virtAddr is not a canonical address.
func PageForAddress(virtAddr uintptr) (Page, *kernel.Error) {
	if !IsCanonical(virtAddr) {
		return 0, ErrInvalidAddress
	}

	return PageFromAddress(virtAddr), nil
}

// IsCanonical returns true if virtAddr lies in either the lower or the upper
// half of the virtual address space.
func IsCanonical(virtAddr uintptr) bool {
	return virtAddr < canonicalLowerHalfEnd || virtAddr >= canonicalUpperHalfStart
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (PageSize - 1)
}
