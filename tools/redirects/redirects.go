// redirects scans the kernel sources for go:redirect-from annotations and
// patches the redirect table of a linked kernel image so that calls to
// runtime symbols (e.g. runtime.gopanic) land on their kernel replacements.
package main

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/mod/modfile"
)

const redirectDirective = "//go:redirect-from"

var log = logrus.New()

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// modulePath returns the module path declared by the go.mod file in root.
func modulePath(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", errors.Wrap(err, "reading go.mod")
	}

	modPath := modfile.ModulePath(data)
	if modPath == "" {
		return "", errors.New("go.mod does not declare a module path")
	}

	return modPath, nil
}

// collectGoFiles returns the non-test Go files below dir. The returned paths
// are relative to root and use forward slashes.
func collectGoFiles(root, dir string) ([]string, error) {
	var goFiles []string
	err := filepath.WalkDir(filepath.Join(root, dir), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || filepath.Ext(p) != ".go" || strings.HasSuffix(p, "_test.go") {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		goFiles = append(goFiles, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "collecting go files")
	}

	return goFiles, nil
}

// findRedirects parses goFiles and returns a redirect for each function
// annotated with a go:redirect-from directive. The destination is the fully
// qualified symbol name of the annotated function.
func findRedirects(root, modPath string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, filepath.Join(root, filepath.FromSlash(goFile)), nil, parser.ParseComments)
		if err != nil {
			return nil, errors.Wrap(err, goFile)
		}

		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil || fnDecl.Recv != nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.HasPrefix(comment.Text, redirectDirective) {
					continue
				}

				// build qualified name to fn
				fqName := fmt.Sprintf("%s/%s.%s", modPath, path.Dir(goFile), fnDecl.Name.Name)

				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != redirectDirective {
					return nil, errors.Errorf("malformed go:redirect-from syntax for %q", fqName)
				}

				redirects = append(redirects, &redirect{
					src: fields[1],
					dst: fqName,
				})
			}
		}
	}

	return redirects, nil
}

func elfRedirectTableOffset(imgFile string) (uint64, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer f.Close()

	redirectsSection := f.Section(".goredirectstbl")
	if redirectsSection == nil {
		return 0, errors.Errorf("%s: missing .goredirectstbl section", imgFile)
	}

	return redirectsSection.Offset, nil
}

func elfWriteRedirectTable(redirects []*redirect, imgFile string) error {
	redirectTableOffset, err := elfRedirectTableOffset(imgFile)
	if err != nil {
		return err
	}

	// Open kernel image file and seek to table offset
	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	if _, err = f.Seek(int64(redirectTableOffset), io.SeekStart); err != nil {
		return errors.WithStack(err)
	}

	for _, redirect := range redirects {
		if err = binary.Write(f, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return errors.Wrap(err, "writing redirect table")
		}
	}

	return nil
}

func elfResolveRedirectSymbols(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return errors.WithStack(err)
	}

	return resolveRedirectSymbols(redirects, symbols, imgFile)
}

func resolveRedirectSymbols(redirects []*redirect, symbols []elf.Symbol, imgFile string) error {
	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return errors.Errorf("%s: could not locate address of %q", imgFile, redirect.src)
		case redirect.dstVMA == 0:
			return errors.Errorf("%s: could not locate address of %q", imgFile, redirect.dst)
		}
	}

	return nil
}

// scanKernel returns the redirects declared by the kernel sources in root.
func scanKernel(root string) ([]*redirect, error) {
	if fi, err := os.Stat(filepath.Join(root, "kernel")); err != nil || !fi.IsDir() {
		return nil, errors.New("this tool must be run from the module root folder")
	}

	modPath, err := modulePath(root)
	if err != nil {
		return nil, err
	}

	goFiles, err := collectGoFiles(root, "kernel")
	if err != nil {
		return nil, err
	}

	return findRedirects(root, modPath, goFiles)
}

// Count implements subcommands.Command for the "count" command.
type Count struct {
	root string
	out  io.Writer
}

// Name implements subcommands.Command.Name.
func (*Count) Name() string {
	return "count"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Count) Synopsis() string {
	return "prints the number of redirects declared by the kernel sources"
}

// Usage implements subcommands.Command.Usage.
func (*Count) Usage() string {
	return "count\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Count) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (c *Count) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	redirects, err := scanKernel(c.root)
	if err != nil {
		return exit(err)
	}

	fmt.Fprintf(c.out, "%d", len(redirects))
	return subcommands.ExitSuccess
}

// PopulateTable implements subcommands.Command for the "populate-table"
// command.
type PopulateTable struct {
	root string
}

// Name implements subcommands.Command.Name.
func (*PopulateTable) Name() string {
	return "populate-table"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PopulateTable) Synopsis() string {
	return "writes the resolved redirect addresses to a kernel image"
}

// Usage implements subcommands.Command.Usage.
func (*PopulateTable) Usage() string {
	return "populate-table <kernel image>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*PopulateTable) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (p *PopulateTable) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	imgFile := f.Arg(0)

	redirects, err := scanKernel(p.root)
	if err != nil {
		return exit(err)
	}

	if err = elfResolveRedirectSymbols(redirects, imgFile); err != nil {
		return exit(err)
	}

	if err = elfWriteRedirectTable(redirects, imgFile); err != nil {
		return exit(err)
	}

	return subcommands.ExitSuccess
}

func exit(err error) subcommands.ExitStatus {
	log.WithError(err).Error("redirects failed")
	return subcommands.ExitFailure
}

func main() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(&Count{root: ".", out: os.Stdout}, "")
	subcommands.Register(&PopulateTable{root: "."}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
