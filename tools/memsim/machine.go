package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"memcore/kernel/hal/multiboot"
	"memcore/kernel/mm"
	"memcore/kernel/mm/pmm"
)

// Machine describes the physical memory layout reported by the firmware
// together with the ranges occupied by the loaded kernel image and the
// multiboot information structure.
type Machine struct {
	Name     string       `yaml:"name" toml:"name"`
	Memory   []MemoryArea `yaml:"memory" toml:"memory"`
	Kernel   AddrRange    `yaml:"kernel" toml:"kernel"`
	BootInfo AddrRange    `yaml:"boot_info" toml:"boot_info"`
}

// MemoryArea is a single firmware memory map entry.
type MemoryArea struct {
	Base   uint64 `yaml:"base" toml:"base"`
	Length uint64 `yaml:"length" toml:"length"`
	Type   string `yaml:"type" toml:"type"`
}

// AddrRange is a physical address range [Start, End).
type AddrRange struct {
	Start uint64 `yaml:"start" toml:"start"`
	End   uint64 `yaml:"end" toml:"end"`
}

var memTypes = map[string]multiboot.MemoryEntryType{
	"available":        multiboot.MemAvailable,
	"reserved":         multiboot.MemReserved,
	"acpi":             multiboot.MemAcpiReclaimable,
	"acpi-reclaimable": multiboot.MemAcpiReclaimable,
	"nvs":              multiboot.MemNvs,
}

// defaultMachine mirrors the memory map that QEMU reports for a guest with
// 128M of RAM.
func defaultMachine() *Machine {
	return &Machine{
		Name: "qemu-128m",
		Memory: []MemoryArea{
			{Base: 0x0, Length: 0x9fc00, Type: "available"},
			{Base: 0x9fc00, Length: 0x400, Type: "reserved"},
			{Base: 0xf0000, Length: 0x10000, Type: "reserved"},
			{Base: 0x100000, Length: 0x7ee0000, Type: "available"},
			{Base: 0x7fe0000, Length: 0x20000, Type: "reserved"},
			{Base: 0xfffc0000, Length: 0x40000, Type: "reserved"},
		},
		Kernel:   AddrRange{Start: 0x100000, End: 0x1a3000},
		BootInfo: AddrRange{Start: 0x1a4000, End: 0x1a4300},
	}
}

// loadMachine reads a machine description from path. The decoder is selected
// by the file extension. An empty path selects the default machine.
func loadMachine(path string) (*Machine, error) {
	if path == "" {
		return defaultMachine(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading machine description")
	}

	m, err := decodeMachine(filepath.Ext(path), data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}

	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return m, nil
}

func decodeMachine(ext string, data []byte) (*Machine, error) {
	var m Machine

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, errors.WithStack(err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, errors.WithStack(err)
		}
	default:
		return nil, errors.Errorf("unsupported machine description format %q", ext)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// validate checks that the memory map can be replayed by the allocator.
// Available areas must not overlap as the allocator assumes that each
// frame belongs to at most one area.
func (m *Machine) validate() error {
	if len(m.Memory) == 0 {
		return errors.New("machine has no memory areas")
	}

	var available []MemoryArea
	for i, area := range m.Memory {
		memType, ok := memTypes[strings.ToLower(area.Type)]
		if !ok {
			return errors.Errorf("memory area %d: unknown type %q", i, area.Type)
		}
		if area.Base+area.Length < area.Base {
			return errors.Errorf("memory area %d: length 0x%x overflows the address space", i, area.Length)
		}
		if memType == multiboot.MemAvailable && area.Length != 0 {
			available = append(available, area)
		}
	}

	sort.Slice(available, func(i, j int) bool { return available[i].Base < available[j].Base })
	for i := 1; i < len(available); i++ {
		if prev := available[i-1]; prev.Base+prev.Length > available[i].Base {
			return errors.Errorf("available areas at 0x%x and 0x%x overlap", prev.Base, available[i].Base)
		}
	}

	if m.Kernel.End < m.Kernel.Start {
		return errors.Errorf("kernel range end 0x%x precedes its start 0x%x", m.Kernel.End, m.Kernel.Start)
	}
	if m.BootInfo.End < m.BootInfo.Start {
		return errors.Errorf("boot_info range end 0x%x precedes its start 0x%x", m.BootInfo.End, m.BootInfo.Start)
	}

	return nil
}

// entries converts the memory areas to multiboot memory map entries.
func (m *Machine) entries() []multiboot.MemoryMapEntry {
	entries := make([]multiboot.MemoryMapEntry, 0, len(m.Memory))
	for _, area := range m.Memory {
		entries = append(entries, multiboot.MemoryMapEntry{
			PhysAddress: area.Base,
			Length:      area.Length,
			Type:        memTypes[strings.ToLower(area.Type)],
		})
	}
	return entries
}

// availableFrames returns the inclusive frame ranges of the available areas.
func (m *Machine) availableFrames() [][2]mm.Frame {
	var ranges [][2]mm.Frame
	for _, entry := range m.entries() {
		if entry.Type != multiboot.MemAvailable || entry.Length == 0 {
			continue
		}
		ranges = append(ranges, [2]mm.Frame{
			mm.FrameFromAddress(uintptr(entry.PhysAddress)),
			mm.FrameFromAddress(uintptr(entry.PhysAddress + entry.Length - 1)),
		})
	}
	return ranges
}

func (r AddrRange) pmmRange() pmm.AddrRange {
	return pmm.AddrRange{Start: uintptr(r.Start), End: uintptr(r.End)}
}

// frames returns the inclusive frame range reserved for r.
func (r AddrRange) frames() [2]mm.Frame {
	return [2]mm.Frame{mm.FrameFromAddress(uintptr(r.Start)), mm.FrameFromAddress(uintptr(r.End))}
}

// newAllocator returns an allocator that replays the machine's memory map.
func (m *Machine) newAllocator() pmm.AreaFrameAllocator {
	entries := m.entries()
	visit := func(visitor multiboot.MemRegionVisitor) {
		for i := range entries {
			if !visitor(&entries[i]) {
				return
			}
		}
	}

	return pmm.NewAreaFrameAllocator(visit, m.Kernel.pmmRange(), m.BootInfo.pmmRange())
}
