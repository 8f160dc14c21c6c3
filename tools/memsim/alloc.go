package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"memcore/kernel"
	"memcore/kernel/mm"
)

// allocFrames requests count frames from alloc. A zero count keeps
// allocating until the allocator runs out of memory; running out of memory
// before count frames have been allocated is reported as an error.
func allocFrames(alloc mm.FrameAllocator, count uint64) ([]mm.Frame, *kernel.Error) {
	var frames []mm.Frame
	for count == 0 || uint64(len(frames)) < count {
		frame, err := alloc.AllocFrame()
		if err != nil {
			if count == 0 && err == mm.ErrOutOfMemory {
				break
			}
			return frames, err
		}
		frames = append(frames, frame)
	}

	return frames, nil
}

// Alloc implements subcommands.Command for the "alloc" command.
type Alloc struct {
	machinePath string
	count       uint64
	printMap    bool
}

// Name implements subcommands.Command.Name.
func (*Alloc) Name() string {
	return "alloc"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Alloc) Synopsis() string {
	return "replays the frame allocator over a machine description"
}

// Usage implements subcommands.Command.Usage.
func (*Alloc) Usage() string {
	return `alloc [-machine <file>] [-count N] [-print-map]

Allocates N frames and prints them. If N is zero, frames are allocated until
memory is exhausted and only the total is printed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Alloc) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.machinePath, "machine", "", "machine description (.yaml, .yml or .toml); the built-in QEMU layout is used if empty")
	f.Uint64Var(&a.count, "count", 0, "number of frames to allocate; 0 allocates until memory is exhausted")
	f.BoolVar(&a.printMap, "print-map", true, "print the memory map before allocating")
}

// Execute implements subcommands.Command.Execute.
func (a *Alloc) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	env := args[0].(*env)

	m, err := loadMachine(a.machinePath)
	if err != nil {
		env.log.WithError(err).Error("loading machine description")
		return subcommands.ExitFailure
	}

	restore := env.captureKernelOutput()
	defer restore()

	alloc := m.newAllocator()
	if a.printMap {
		alloc.PrintMemoryMap()
	}

	frames, allocErr := allocFrames(&alloc, a.count)
	if a.count == 0 {
		fmt.Fprintf(env.out, "allocated %d frames\n", len(frames))
	} else {
		for _, frame := range frames {
			fmt.Fprintf(env.out, "frame %d at 0x%x\n", frame, frame.Address())
		}
	}

	logEntry := env.log.WithFields(logrus.Fields{
		"machine": m.Name,
		"frames":  len(frames),
	})
	if allocErr != nil {
		logEntry.WithError(allocErr).Error("frame allocation failed")
		return subcommands.ExitFailure
	}

	logEntry.Debug("frame allocation complete")
	return subcommands.ExitSuccess
}
