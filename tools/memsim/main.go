// memsim replays the kernel frame allocator on the host using a memory map
// described in YAML or TOML instead of the one provided by the bootloader.
package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"memcore/kernel/kfmt"
)

var (
	// kernelOutputPrefix tags the diagnostics emitted by the kernel packages.
	kernelOutputPrefix = []byte("kernel: ")

	errUnknownLogFormat = errors.New("unknown log format")
)

// env is passed to every command.
type env struct {
	out io.Writer
	log *logrus.Logger
}

// captureKernelOutput redirects the kfmt output of the kernel packages to
// env.out and returns a function that detaches it again.
func (e *env) captureKernelOutput() func() {
	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: e.out, Prefix: kernelOutputPrefix})
	return func() {
		kfmt.SetOutputSink(nil)
	}
}

func newLogger(w io.Writer, debug bool, format string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(w)

	if debug {
		log.SetLevel(logrus.DebugLevel)
	}

	switch format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, errUnknownLogFormat
	}

	return log, nil
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&Alloc{}, "")
	subcommands.Register(&Verify{}, "")

	debug := flag.Bool("debug", false, "enable debug logging.")
	logFormat := flag.String("log-format", "text", "log format: text or json.")
	flag.Parse()

	log, err := newLogger(os.Stderr, *debug, *logFormat)
	if err != nil {
		logrus.WithError(err).Fatal("configuring logging")
	}

	os.Exit(int(subcommands.Execute(context.Background(), &env{out: os.Stdout, log: log})))
}
