package mm

import "memcore/kernel"

var (
	// ErrOutOfMemory is returned by frame allocators when no free frames
	// are left.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory"}

	// ErrUnimplemented is returned by frame allocators that cannot release
	// frames.
	ErrUnimplemented = &kernel.Error{Module: "mm", Message: "frame deallocation is not supported"}
)

// FrameAllocator is implemented by physical frame allocators. The page table
// code depends only on this contract and never on a concrete allocator.
type FrameAllocator interface {
	// AllocFrame reserves a free physical frame. It returns
	// (InvalidFrame, ErrOutOfMemory) if no frames are available.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame to the allocator.
	FreeFrame(Frame) *kernel.Error
}
