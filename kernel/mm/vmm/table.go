package vmm

import (
	"unsafe"

	"memcore/kernel"
	"memcore/kernel/kfmt"
	"memcore/kernel/mm"
)

// TableLevel is implemented by the page table level tags.
type TableLevel interface {
	// Depth returns the paging level (4 for the P4, 1 for a P1).
	Depth() uint8
}

// HierarchicalLevel is implemented by the levels whose entries may point to
// a page table of level N. Level1 does not implement it so descending past a
// P1 is rejected at compile time.
type HierarchicalLevel[N TableLevel] interface {
	TableLevel
	NextLevel() N
}

// Level tags for Table.
type (
	Level4 struct{}
	Level3 struct{}
	Level2 struct{}
	Level1 struct{}
)

func (Level4) Depth() uint8 { return 4 }
func (Level3) Depth() uint8 { return 3 }
func (Level2) Depth() uint8 { return 2 }
func (Level1) Depth() uint8 { return 1 }

func (Level4) NextLevel() Level3 { return Level3{} }
func (Level3) NextLevel() Level2 { return Level2{} }
func (Level2) NextLevel() Level1 { return Level1{} }

type tableEntries [EntryCount]Entry

var (
	// tablePtrFn returns a pointer to the entries of the table mapped at
	// the supplied virtual address. It is used by tests to redirect
	// recursive table addresses to regular memory. When compiling the
	// kernel this function will be automatically inlined.
	tablePtrFn = func(tableAddr uintptr) *tableEntries {
		return (*tableEntries)(unsafe.Pointer(tableAddr))
	}
)

// Table is a handle to a page table of level L that is reachable through
// the recursive P4 mapping.
type Table[L TableLevel] struct {
	virtAddr uintptr
}

// Level returns the paging level of the table.
func (t Table[L]) Level() uint8 {
	var level L
	return level.Depth()
}

// Address returns the virtual address the table is mapped at.
func (t Table[L]) Address() uintptr {
	return t.virtAddr
}

// Entry returns a pointer to the entry at the supplied index. Indices outside
// [0, EntryCount) trigger a runtime panic.
func (t Table[L]) Entry(index uintptr) *Entry {
	return &tablePtrFn(t.virtAddr)[index]
}

// Zero marks all table entries as unused.
func (t Table[L]) Zero() {
	kernel.Memset(uintptr(unsafe.Pointer(tablePtrFn(t.virtAddr))), 0, mm.PageSize)
}

// nextTableAddr returns the virtual address of the table referenced by the
// entry at index. The second return value is false if the entry is not
// present or maps a huge page.
func (t Table[L]) nextTableAddr(index uintptr) (uintptr, bool) {
	entry := t.Entry(index)
	if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
		return 0, false
	}

	// Shifting the table address left by one level adds another trip
	// through the recursive slot, landing on the table the entry points to.
	return (t.virtAddr << tableIndexBits) | (index << mm.PageShift), true
}

// NextTable returns the table of level N referenced by the entry at index. The
// second return value is false if the entry is not present or maps a huge
// page.
func NextTable[L HierarchicalLevel[N], N TableLevel](t Table[L], index uintptr) (Table[N], bool) {
	addr, ok := t.nextTableAddr(index)
	if !ok {
		return Table[N]{}, false
	}

	return Table[N]{virtAddr: addr}, true
}

// NextTableCreate behaves like NextTable but allocates, links and zeroes a
// new table if the entry at index is unused. It returns ErrMalformedTable if
// the entry maps a huge page and propagates any allocator error.
func NextTableCreate[L HierarchicalLevel[N], N TableLevel](t Table[L], index uintptr, alloc mm.FrameAllocator) (Table[N], *kernel.Error) {
	if next, ok := NextTable[L, N](t, index); ok {
		return next, nil
	}

	entry := t.Entry(index)
	if entry.HasFlags(FlagHugePage) {
		return Table[N]{}, ErrMalformedTable
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		return Table[N]{}, err
	}

	var level N
	kfmt.Printf("[vmm] creating level %d page table in frame %d\n", level.Depth(), uint64(frame))

	entry.Set(frame, FlagPresent|FlagRW)
	next, _ := NextTable[L, N](t, index)
	next.Zero()

	return next, nil
}
