package kmain

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"memcore/kernel"
	"memcore/kernel/hal/multiboot"
	"memcore/kernel/kfmt"
	"memcore/kernel/mm"
	"memcore/kernel/mm/vmm"
)

// fakePageTable keeps page mappings in a map.
type fakePageTable struct {
	recursive bool
	mappings  map[mm.Page]mm.Frame

	mapErr, unmapErr *kernel.Error

	// ignoreUnmap keeps mappings in place when Unmap is called.
	ignoreUnmap bool
}

func newFakePageTable() *fakePageTable {
	return &fakePageTable{recursive: true, mappings: make(map[mm.Page]mm.Frame)}
}

func (pt *fakePageTable) Frame() mm.Frame { return mm.Frame(0x123) }

func (pt *fakePageTable) RecursiveMappingValid() bool { return pt.recursive }

func (pt *fakePageTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, ok := pt.mappings[mm.PageFromAddress(virtAddr)]
	if !ok {
		return 0, vmm.ErrInvalidMapping
	}
	return frame.Address() + mm.PageOffset(virtAddr), nil
}

func (pt *fakePageTable) MapTo(page mm.Page, frame mm.Frame, _ vmm.PageTableEntryFlag, _ mm.FrameAllocator) *kernel.Error {
	if pt.mapErr != nil {
		return pt.mapErr
	}
	pt.mappings[page] = frame
	return nil
}

func (pt *fakePageTable) Unmap(page mm.Page, _ mm.FrameAllocator) *kernel.Error {
	if pt.unmapErr != nil {
		return pt.unmapErr
	}
	if !pt.ignoreUnmap {
		delete(pt.mappings, page)
	}
	return nil
}

func TestKmain(t *testing.T) {
	defer func(origVisitMem func(multiboot.MemRegionVisitor), origVisitElf func(multiboot.ElfSectionVisitor), origInfoSize func() uint32, origPanic func(interface{}), origActivePageTable func() pageTable) {
		visitMemRegionsFn = origVisitMem
		visitElfSectionsFn = origVisitElf
		infoSizeFn = origInfoSize
		panicFn = origPanic
		activePageTableFn = origActivePageTable
		kfmt.SetOutputSink(nil)
	}(visitMemRegionsFn, visitElfSectionsFn, infoSizeFn, panicFn, activePageTableFn)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	visitMemRegionsFn = func(visitor multiboot.MemRegionVisitor) {
		visitor(&multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x100000, Type: multiboot.MemAvailable})
	}

	visitElfSectionsFn = func(visitor multiboot.ElfSectionVisitor) {
		visitor(multiboot.ElfSectionAllocated|multiboot.ElfSectionExecutable, 0x100000, 0x80000)
		visitor(multiboot.ElfSectionAllocated|multiboot.ElfSectionWritable, 0x180000, 0x80000)
		visitor(0, 0, 0x4000)
	}

	infoSizeFn = func() uint32 { return 0x1000 }

	specs := []struct {
		descr     string
		setup     func(pt *fakePageTable)
		expErr    *kernel.Error
		expOutput []string
	}{
		{
			"self-check passes",
			func(_ *fakePageTable) {},
			errKmainReturned,
			[]string{
				"[pmm] kernel loaded at 0x100000 - 0x200000, reserved frames: 256 - 512",
				"[pmm] boot info at 0x200000 - 0x201000, reserved frames: 512 - 513",
				"[kmain] active P4 table in frame 291",
				fmt.Sprintf("[kmain] mapped 0x%x to 0x0", selfCheckAddr),
				"[kmain] paging self-check passed",
				"[kmain] frames allocated during boot: 1",
			},
		},
		{
			"missing recursive mapping",
			func(pt *fakePageTable) { pt.recursive = false },
			errNoRecursiveMapping,
			nil,
		},
		{
			"self-check page already mapped",
			func(pt *fakePageTable) { pt.mappings[mm.PageFromAddress(selfCheckAddr)] = mm.Frame(9) },
			errPagingSelfCheck,
			nil,
		},
		{
			"map error",
			func(pt *fakePageTable) { pt.mapErr = mm.ErrOutOfMemory },
			mm.ErrOutOfMemory,
			nil,
		},
		{
			"unmap error",
			func(pt *fakePageTable) { pt.unmapErr = vmm.ErrMalformedTable },
			vmm.ErrMalformedTable,
			nil,
		},
		{
			"mapping survives unmap",
			func(pt *fakePageTable) { pt.ignoreUnmap = true },
			errPagingSelfCheck,
			nil,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			buf.Reset()

			pt := newFakePageTable()
			spec.setup(pt)
			activePageTableFn = func() pageTable { return pt }

			var panicCalls []*kernel.Error
			panicFn = func(e interface{}) {
				err, _ := e.(*kernel.Error)
				panicCalls = append(panicCalls, err)
			}

			Kmain(0x200000)

			if len(panicCalls) != 1 || panicCalls[0] != spec.expErr {
				t.Fatalf("expected a single panic call with %v; got %v", spec.expErr, panicCalls)
			}

			for _, line := range spec.expOutput {
				if !strings.Contains(buf.String(), line+"\n") {
					t.Errorf("expected output to contain %q; got:\n%s", line, buf.String())
				}
			}
		})
	}
}

func TestKernelImageRange(t *testing.T) {
	defer func(origVisitElf func(multiboot.ElfSectionVisitor)) {
		visitElfSectionsFn = origVisitElf
	}(visitElfSectionsFn)

	visitElfSectionsFn = func(visitor multiboot.ElfSectionVisitor) {
		visitor(multiboot.ElfSectionAllocated, 0x204000, 0x1000)
		visitor(multiboot.ElfSectionAllocated, 0x200000, 0x2000)
		// .symtab and .strtab are not loaded and report a zero address
		visitor(0, 0, 0x6000)
		visitor(multiboot.ElfSectionWritable, 0x300000, 0x1000)
		visitor(multiboot.ElfSectionAllocated, 0x210000, 0x800)
	}

	if got := kernelImageRange(); got.Start != 0x200000 || got.End != 0x210800 {
		t.Fatalf("expected kernel range [0x200000, 0x210800); got [0x%x, 0x%x)", got.Start, got.End)
	}
}
