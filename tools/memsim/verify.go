package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/btree"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"memcore/kernel/mm"
)

// verifyAllocatorFn returns the allocator replayed by the verify command.
// Tests override it.
var verifyAllocatorFn = func(m *Machine) mm.FrameAllocator {
	alloc := m.newAllocator()
	return &alloc
}

// frameSet is an ordered set of frames.
type frameSet struct {
	tree *btree.BTreeG[mm.Frame]
}

func newFrameSet() *frameSet {
	return &frameSet{
		tree: btree.NewG[mm.Frame](32, func(a, b mm.Frame) bool { return a < b }),
	}
}

// add inserts frame and returns false if it was already present.
func (s *frameSet) add(frame mm.Frame) bool {
	_, replaced := s.tree.ReplaceOrInsert(frame)
	return !replaced
}

func (s *frameSet) len() int {
	return s.tree.Len()
}

// visitRange invokes fn for each frame in [first, last] in ascending order
// until fn returns false.
func (s *frameSet) visitRange(first, last mm.Frame, fn func(mm.Frame) bool) {
	s.tree.AscendGreaterOrEqual(first, func(frame mm.Frame) bool {
		if frame > last {
			return false
		}
		return fn(frame)
	})
}

func (s *frameSet) countRange(first, last mm.Frame) int {
	var count int
	s.visitRange(first, last, func(mm.Frame) bool {
		count++
		return true
	})
	return count
}

type violation struct {
	Frame  uint64 `yaml:"frame"`
	Reason string `yaml:"reason"`
}

type report struct {
	Machine    string      `yaml:"machine"`
	Allocated  int         `yaml:"allocated"`
	Expected   int         `yaml:"expected"`
	Violations []violation `yaml:"violations,omitempty"`
}

func (r *report) ok() bool {
	return len(r.Violations) == 0 && r.Allocated == r.Expected
}

func (r *report) add(frame mm.Frame, reason string) {
	r.Violations = append(r.Violations, violation{Frame: uint64(frame), Reason: reason})
}

// overlap returns the number of frames shared by the inclusive ranges a and b.
func overlap(a, b [2]mm.Frame) int {
	first, last := a[0], a[1]
	if b[0] > first {
		first = b[0]
	}
	if b[1] < last {
		last = b[1]
	}
	if last < first {
		return 0
	}
	return int(last-first) + 1
}

// expectedFrames returns the number of frames in the available areas that do
// not overlap the kernel image or the boot info.
func expectedFrames(m *Machine) int {
	kernel, bootInfo := m.Kernel.frames(), m.BootInfo.frames()
	both := [2]mm.Frame{kernel[0], kernel[1]}
	if bootInfo[0] > both[0] {
		both[0] = bootInfo[0]
	}
	if bootInfo[1] < both[1] {
		both[1] = bootInfo[1]
	}

	var expected int
	for _, area := range m.availableFrames() {
		expected += int(area[1]-area[0]) + 1
		expected -= overlap(area, kernel) + overlap(area, bootInfo)
		if both[0] <= both[1] {
			expected += overlap(area, both)
		}
	}
	return expected
}

// verifyFrames checks a frame allocation sequence against the machine
// description.
func verifyFrames(m *Machine, frames []mm.Frame) *report {
	r := &report{
		Machine:   m.Name,
		Allocated: len(frames),
		Expected:  expectedFrames(m),
	}

	set := newFrameSet()
	for i, frame := range frames {
		if !set.add(frame) {
			r.add(frame, "allocated more than once")
			continue
		}
		if i > 0 && frame < frames[i-1] {
			r.add(frame, "allocated out of order")
		}
	}

	kernel, bootInfo := m.Kernel.frames(), m.BootInfo.frames()
	set.visitRange(kernel[0], kernel[1], func(frame mm.Frame) bool {
		r.add(frame, "overlaps the kernel image")
		return true
	})
	set.visitRange(bootInfo[0], bootInfo[1], func(frame mm.Frame) bool {
		r.add(frame, "overlaps the boot info")
		return true
	})

	areas := m.availableFrames()
	var inAreas int
	for _, area := range areas {
		inAreas += set.countRange(area[0], area[1])
	}

	if inAreas != set.len() {
		set.tree.Ascend(func(frame mm.Frame) bool {
			for _, area := range areas {
				if frame >= area[0] && frame <= area[1] {
					return true
				}
			}
			r.add(frame, "outside of the available memory")
			return true
		})
	}

	return r
}

func (r *report) writeText(w io.Writer) {
	fmt.Fprintf(w, "machine %s: %d frames allocated, %d expected\n", r.Machine, r.Allocated, r.Expected)
	for _, v := range r.Violations {
		fmt.Fprintf(w, "frame %d (0x%x): %s\n", v.Frame, v.Frame<<mm.PageShift, v.Reason)
	}
}

// Verify implements subcommands.Command for the "verify" command.
type Verify struct {
	machinePath string
	format      string
}

// Name implements subcommands.Command.Name.
func (*Verify) Name() string {
	return "verify"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Verify) Synopsis() string {
	return "exhausts the frame allocator and checks every allocated frame"
}

// Usage implements subcommands.Command.Usage.
func (*Verify) Usage() string {
	return `verify [-machine <file>] [-format text|yaml]

Allocates every frame of the machine and verifies that each frame is handed
out once, lies in available memory and does not overlap the kernel image or
the boot info.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Verify) SetFlags(f *flag.FlagSet) {
	f.StringVar(&v.machinePath, "machine", "", "machine description (.yaml, .yml or .toml); the built-in QEMU layout is used if empty")
	f.StringVar(&v.format, "format", "text", "report format: text or yaml")
}

// Execute implements subcommands.Command.Execute.
func (v *Verify) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	env := args[0].(*env)

	m, err := loadMachine(v.machinePath)
	if err != nil {
		env.log.WithError(err).Error("loading machine description")
		return subcommands.ExitFailure
	}

	restore := env.captureKernelOutput()
	frames, allocErr := allocFrames(verifyAllocatorFn(m), 0)
	restore()

	if allocErr != nil {
		env.log.WithError(allocErr).WithField("machine", m.Name).Error("frame allocation failed")
		return subcommands.ExitFailure
	}

	r := verifyFrames(m, frames)
	switch v.format {
	case "yaml":
		enc := yaml.NewEncoder(env.out)
		if err := enc.Encode(r); err != nil {
			env.log.WithError(err).Error("encoding report")
			return subcommands.ExitFailure
		}
		enc.Close()
	case "text":
		r.writeText(env.out)
	default:
		env.log.Errorf("unsupported report format %q", v.format)
		return subcommands.ExitUsageError
	}

	if !r.ok() {
		env.log.WithFields(logrus.Fields{
			"machine":    m.Name,
			"violations": len(r.Violations),
			"allocated":  r.Allocated,
			"expected":   r.Expected,
		}).Error("frame allocation verification failed")
		return subcommands.ExitFailure
	}

	env.log.WithField("machine", m.Name).Info("frame allocation verified")
	return subcommands.ExitSuccess
}
