package vmm

import (
	"fmt"

	"memcore/kernel"
	"memcore/kernel/mm"
)

// junkEntry fills freshly allocated frames so tests can detect tables that
// were not zeroed.
const junkEntry = Entry(0xa5a5a5a5a5a5a5a5)

// softMMU emulates the MMU address translation for recursive page table
// addresses. Physical frames are backed by Go memory and handed out through
// the mm.FrameAllocator interface.
type softMMU struct {
	frames    map[mm.Frame]*tableEntries
	p4Frame   mm.Frame
	nextFrame mm.Frame

	// allocLimit caps the number of frames AllocFrame hands out; a
	// negative value means no limit.
	allocLimit int
	allocCount int

	flushed []uintptr
}

func newSoftMMU() *softMMU {
	m := &softMMU{
		frames:     make(map[mm.Frame]*tableEntries),
		nextFrame:  mm.Frame(1000),
		allocLimit: -1,
	}

	m.p4Frame = m.newFrame()
	p4 := m.frames[m.p4Frame]
	for i := range p4 {
		p4[i].SetUnused()
	}
	p4[recursiveEntry].Set(m.p4Frame, FlagRW)

	return m
}

// install redirects the vmm hooks to the emulated MMU. Callers must save and
// restore the hooks.
func (m *softMMU) install() {
	tablePtrFn = m.tablePtr
	flushTLBEntryFn = func(virtAddr uintptr) {
		m.flushed = append(m.flushed, virtAddr)
	}
	activePDTFn = func() uintptr {
		return m.p4Frame.Address()
	}
}

func (m *softMMU) newFrame() mm.Frame {
	frame := m.nextFrame
	m.nextFrame++

	entries := new(tableEntries)
	for i := range entries {
		entries[i] = junkEntry
	}
	m.frames[frame] = entries

	return frame
}

func (m *softMMU) AllocFrame() (mm.Frame, *kernel.Error) {
	if m.allocLimit >= 0 && m.allocCount >= m.allocLimit {
		return mm.InvalidFrame, mm.ErrOutOfMemory
	}

	m.allocCount++
	return m.newFrame(), nil
}

func (m *softMMU) FreeFrame(_ mm.Frame) *kernel.Error {
	return mm.ErrUnimplemented
}

// tablePtr walks the emulated tables the same way the MMU does, starting
// from the P4 frame and consuming one index per level.
func (m *softMMU) tablePtr(virtAddr uintptr) *tableEntries {
	if mm.PageOffset(virtAddr) != 0 {
		panic(fmt.Sprintf("soft MMU: table address 0x%x is not page aligned", virtAddr))
	}

	page := mm.PageFromAddress(virtAddr)
	table := m.frames[m.p4Frame]
	for level, index := range [4]uintptr{page.P4Index(), page.P3Index(), page.P2Index(), page.P1Index()} {
		frame, ok := table[index].PointedFrame()
		if !ok {
			panic(fmt.Sprintf("soft MMU: page fault resolving 0x%x at level %d", virtAddr, 4-level))
		}

		if table = m.frames[frame]; table == nil {
			panic(fmt.Sprintf("soft MMU: address 0x%x resolves to unknown frame %d", virtAddr, frame))
		}
	}

	return table
}
