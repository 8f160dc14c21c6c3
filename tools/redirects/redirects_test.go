package main

import (
	"bytes"
	"context"
	"debug/elf"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, contents := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

type redirectPair struct {
	Src, Dst string
}

func pairs(redirects []*redirect) []redirectPair {
	var out []redirectPair
	for _, r := range redirects {
		out = append(out, redirectPair{r.src, r.dst})
	}
	return out
}

func TestScanKernel(t *testing.T) {
	root := writeTree(t, map[string]string{
		"go.mod": "module example.com/os\n\ngo 1.24\n",
		"kernel/kfmt/panic.go": `package kfmt

// Panic halts.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {}

func helper() {}
`,
		"kernel/kfmt/panic_test.go": `package kfmt

//go:redirect-from runtime.ignored
func testOnly() {}
`,
		"kernel/mm/alloc.go": `package mm

//go:redirect-from runtime.sysAlloc
func sysAlloc(size uintptr) uintptr { return 0 }
`,
		"kernel/README.md": "not go",
	})

	redirects, err := scanKernel(root)
	if err != nil {
		t.Fatal(err)
	}

	exp := []redirectPair{
		{"runtime.gopanic", "example.com/os/kernel/kfmt.Panic"},
		{"runtime.sysAlloc", "example.com/os/kernel/mm.sysAlloc"},
	}
	if diff := cmp.Diff(exp, pairs(redirects)); diff != "" {
		t.Fatalf("redirects mismatch (-want +got):\n%s", diff)
	}
}

func TestScanKernelSources(t *testing.T) {
	redirects, err := scanKernel(filepath.Join("..", ".."))
	if err != nil {
		t.Fatal(err)
	}

	exp := []redirectPair{
		{"runtime.gopanic", "memcore/kernel/kfmt.Panic"},
		{"runtime.throw", "memcore/kernel/kfmt.panicString"},
	}
	if diff := cmp.Diff(exp, pairs(redirects)); diff != "" {
		t.Fatalf("redirects mismatch (-want +got):\n%s", diff)
	}
}

func TestScanKernelErrors(t *testing.T) {
	specs := []struct {
		descr  string
		files  map[string]string
		expErr string
	}{
		{
			"missing kernel folder",
			map[string]string{"go.mod": "module example.com/os\n"},
			"must be run from the module root folder",
		},
		{
			"missing go.mod",
			map[string]string{"kernel/a.go": "package kernel\n"},
			"reading go.mod",
		},
		{
			"go.mod without module",
			map[string]string{"go.mod": "go 1.24\n", "kernel/a.go": "package kernel\n"},
			"does not declare a module path",
		},
		{
			"malformed directive",
			map[string]string{
				"go.mod":      "module example.com/os\n",
				"kernel/a.go": "package kernel\n\n//go:redirect-from\nfunc broken() {}\n",
			},
			`malformed go:redirect-from syntax for "example.com/os/kernel.broken"`,
		},
		{
			"syntax error",
			map[string]string{
				"go.mod":      "module example.com/os\n",
				"kernel/a.go": "package kernel\n\nfunc {\n",
			},
			"kernel/a.go",
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			_, err := scanKernel(writeTree(t, spec.files))
			if err == nil || !strings.Contains(err.Error(), spec.expErr) {
				t.Fatalf("expected error containing %q; got %v", spec.expErr, err)
			}
		})
	}
}

func TestResolveRedirectSymbols(t *testing.T) {
	symbols := []elf.Symbol{
		{Name: "runtime.gopanic", Value: 0x1000},
		{Name: "memcore/kernel/kfmt.Panic", Value: 0x2000},
		{Name: "runtime.throw", Value: 0x3000},
	}

	redirects := []*redirect{{src: "runtime.gopanic", dst: "memcore/kernel/kfmt.Panic"}}
	if err := resolveRedirectSymbols(redirects, symbols, "kernel.bin"); err != nil {
		t.Fatal(err)
	}
	if redirects[0].srcVMA != 0x1000 || redirects[0].dstVMA != 0x2000 {
		t.Fatalf("expected VMAs (0x1000, 0x2000); got (0x%x, 0x%x)", redirects[0].srcVMA, redirects[0].dstVMA)
	}

	specs := []struct {
		r      *redirect
		expErr string
	}{
		{&redirect{src: "runtime.missing", dst: "memcore/kernel/kfmt.Panic"}, `could not locate address of "runtime.missing"`},
		{&redirect{src: "runtime.throw", dst: "memcore/kernel/kfmt.panicString"}, `could not locate address of "memcore/kernel/kfmt.panicString"`},
	}

	for specIndex, spec := range specs {
		err := resolveRedirectSymbols([]*redirect{spec.r}, symbols, "kernel.bin")
		if err == nil || !strings.Contains(err.Error(), spec.expErr) {
			t.Errorf("[spec %d] expected error containing %q; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestElfHelpersRejectNonElfImages(t *testing.T) {
	root := writeTree(t, map[string]string{"kernel.bin": "not an elf image"})
	imgFile := filepath.Join(root, "kernel.bin")

	if _, err := elfRedirectTableOffset(imgFile); err == nil {
		t.Fatal("expected an error for a non-ELF image")
	}

	if err := elfResolveRedirectSymbols(nil, imgFile); err == nil {
		t.Fatal("expected an error for a non-ELF image")
	}

	if err := elfWriteRedirectTable(nil, imgFile); err == nil {
		t.Fatal("expected an error for a non-ELF image")
	}
}

func TestCountCommand(t *testing.T) {
	root := writeTree(t, map[string]string{
		"go.mod":      "module example.com/os\n",
		"kernel/a.go": "package kernel\n\n//go:redirect-from runtime.a\nfunc a() {}\n\n//go:redirect-from runtime.b\nfunc b() {}\n",
	})

	var out bytes.Buffer
	cmd := &Count{root: root, out: &out}
	f := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetFlags(f)

	if status := cmd.Execute(context.Background(), f); status != subcommands.ExitSuccess {
		t.Fatalf("expected ExitSuccess; got %v", status)
	}

	if exp, got := "2", out.String(); got != exp {
		t.Fatalf("expected output %q; got %q", exp, got)
	}
}

func TestCommandErrorsAreLogged(t *testing.T) {
	defer func(origOut io.Writer, origFormatter logrus.Formatter) {
		log.SetOutput(origOut)
		log.SetFormatter(origFormatter)
	}(log.Out, log.Formatter)

	var logOut bytes.Buffer
	log.SetOutput(&logOut)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	root := writeTree(t, map[string]string{"go.mod": "module example.com/os\n"})

	specs := []struct {
		cmd  subcommands.Command
		args []string
	}{
		{&Count{root: root, out: io.Discard}, nil},
		{&PopulateTable{root: root}, []string{"kernel.bin"}},
	}

	for _, spec := range specs {
		t.Run(spec.cmd.Name(), func(t *testing.T) {
			logOut.Reset()

			f := flag.NewFlagSet(spec.cmd.Name(), flag.ContinueOnError)
			spec.cmd.SetFlags(f)
			if err := f.Parse(spec.args); err != nil {
				t.Fatal(err)
			}

			if status := spec.cmd.Execute(context.Background(), f); status != subcommands.ExitFailure {
				t.Fatalf("expected ExitFailure; got %v", status)
			}

			for _, exp := range []string{"level=error", `msg="redirects failed"`, "must be run from the module root folder"} {
				if !strings.Contains(logOut.String(), exp) {
					t.Errorf("expected log to contain %q; got %q", exp, logOut.String())
				}
			}
		})
	}
}
