// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"unsafe"

	"memcore/kernel"
	"memcore/kernel/hal/multiboot"
	"memcore/kernel/kfmt"
	"memcore/kernel/mm"
)

// AreaVisitorFn iterates the physical memory regions reported by the
// bootloader. multiboot.VisitMemRegions satisfies this signature.
type AreaVisitorFn func(visitor multiboot.MemRegionVisitor)

// AddrRange describes the physical address span [Start, End) of a region that
// must never be handed out by the allocator.
type AddrRange struct {
	Start, End uintptr
}

// frameRange converts an address range to an inclusive frame range. The end
// frame is the frame containing End, so a range ending on a page boundary
// also reserves the following frame.
func (r AddrRange) frameRange() (mm.Frame, mm.Frame) {
	return mm.FrameFromAddress(r.Start), mm.FrameFromAddress(r.End)
}

// memArea is the subset of a multiboot memory map entry tracked by the
// allocator.
type memArea struct {
	physAddress, length uint64
}

func (a *memArea) firstFrame() mm.Frame {
	return mm.FrameFromAddress(uintptr(a.physAddress))
}

func (a *memArea) lastFrame() mm.Frame {
	return mm.FrameFromAddress(uintptr(a.physAddress + a.length - 1))
}

// AreaFrameAllocator implements a forward-only physical frame allocator
// driven by the memory map supplied by the bootloader.
//
// Frames are handed out in increasing order starting from the available area
// with the lowest base address. Frames that overlap the loaded kernel image or
// the multiboot information structure are skipped. Allocated frames can
// never be released: FreeFrame always fails.
//
// The allocator does not allocate memory itself which allows it to be used
// before the Go allocator is available.
type AreaFrameAllocator struct {
	// nextFreeFrame never decreases.
	nextFreeFrame mm.Frame

	// currentArea is the available area with the lowest base address whose
	// last frame is at or after nextFreeFrame. It is only meaningful while
	// hasArea is set; a cleared hasArea means that the allocator is
	// exhausted.
	currentArea memArea
	hasArea     bool

	visitAreas AreaVisitorFn

	kernelRange, bootInfoRange           AddrRange
	kernelStartFrame, kernelEndFrame     mm.Frame
	bootInfoStartFrame, bootInfoEndFrame mm.Frame

	// allocCount tracks the total number of allocated frames.
	allocCount uint64
}

// NewAreaFrameAllocator returns an allocator that serves frames from the
// available regions enumerated by visitAreas while excluding the physical
// ranges occupied by the kernel image and the boot information structure.
func NewAreaFrameAllocator(visitAreas AreaVisitorFn, kernelRange, bootInfoRange AddrRange) AreaFrameAllocator {
	alloc := AreaFrameAllocator{
		visitAreas:    visitAreas,
		kernelRange:   kernelRange,
		bootInfoRange: bootInfoRange,
	}
	alloc.kernelStartFrame, alloc.kernelEndFrame = kernelRange.frameRange()
	alloc.bootInfoStartFrame, alloc.bootInfoEndFrame = bootInfoRange.frameRange()
	alloc.chooseNextArea()

	return alloc
}

// chooseNextArea selects the available area with the smallest base address
// that still contains frames at or after nextFreeFrame. If the selected area
// starts after nextFreeFrame, nextFreeFrame skips ahead to its first frame.
func (alloc *AreaFrameAllocator) chooseNextArea() {
	var (
		found bool
		best  memArea
	)

	visitor := func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length == 0 {
			return true
		}

		candidate := memArea{physAddress: region.PhysAddress, length: region.Length}
		if candidate.lastFrame() < alloc.nextFreeFrame {
			return true
		}

		if !found || candidate.physAddress < best.physAddress {
			best, found = candidate, true
		}
		return true
	}
	alloc.visit(visitor)

	if alloc.currentArea, alloc.hasArea = best, found; !found {
		return
	}

	if startFrame := best.firstFrame(); alloc.nextFreeFrame < startFrame {
		alloc.nextFreeFrame = startFrame
	}
}

// AllocFrame reserves the next free frame. Once it returns ErrOutOfMemory,
// all subsequent calls will also fail.
func (alloc *AreaFrameAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for alloc.hasArea {
		next := alloc.nextFreeFrame

		switch {
		case next > alloc.currentArea.lastFrame():
			alloc.chooseNextArea()
		case alloc.kernelStartFrame <= next && next <= alloc.kernelEndFrame:
			alloc.nextFreeFrame = alloc.kernelEndFrame + 1
		case alloc.bootInfoStartFrame <= next && next <= alloc.bootInfoEndFrame:
			alloc.nextFreeFrame = alloc.bootInfoEndFrame + 1
		default:
			alloc.nextFreeFrame++
			alloc.allocCount++
			return next, nil
		}
	}

	return mm.InvalidFrame, mm.ErrOutOfMemory
}

// FreeFrame is not supported by this allocator and always returns
// mm.ErrUnimplemented.
func (alloc *AreaFrameAllocator) FreeFrame(_ mm.Frame) *kernel.Error {
	return mm.ErrUnimplemented
}

// AllocCount returns the number of frames handed out so far.
func (alloc *AreaFrameAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// PrintMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map together with the
// reserved kernel and boot information ranges.
func (alloc *AreaFrameAllocator) PrintMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	visitor := func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	}
	alloc.visit(visitor)
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x, reserved frames: %d - %d\n",
		alloc.kernelRange.Start, alloc.kernelRange.End,
		uint64(alloc.kernelStartFrame), uint64(alloc.kernelEndFrame),
	)
	kfmt.Printf("[pmm] boot info at 0x%x - 0x%x, reserved frames: %d - %d\n",
		alloc.bootInfoRange.Start, alloc.bootInfoRange.End,
		uint64(alloc.bootInfoStartFrame), uint64(alloc.bootInfoEndFrame),
	)
}

// visit passes visitor to visitAreas. The noescape hack prevents the compiler
// from moving the visitor closure and the variables it captures to the heap
// which is not available while the allocator bootstraps the kernel.
func (alloc *AreaFrameAllocator) visit(visitor multiboot.MemRegionVisitor) {
	alloc.visitAreas(*(*multiboot.MemRegionVisitor)(noEscape(unsafe.Pointer(&visitor))))
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
