// Package build drives a single component through the fetch, patch,
// configure, compile and install stages for one architecture.
package build

import (
	"context"
	"io"
	"path/filepath"

	"crossforge/internal/arch"
	"crossforge/internal/msg"
	"crossforge/internal/recipe"
	"crossforge/internal/record"
)

// Fetcher places the sources of a component into dest.
type Fetcher interface {
	Fetch(ctx context.Context, c *recipe.Component, dest string) error
}

// Context is everything a build of one architecture needs. Each
// architecture worker owns its own Context; nothing in it is shared with
// another architecture except the Fetcher, which must be safe for
// concurrent use.
type Context struct {
	// Root is the top of the build tree; this architecture works only
	// below Root/<arch>.
	Root    string
	Arch    arch.Architecture
	Store   *record.Store
	Fetcher Fetcher
	Runner  Runner
	Patcher Patcher
	Out     *msg.Printer
	// Selected reports plan membership, for patches conditioned on another
	// component being part of the build.
	Selected func(name string) bool
	// Force rebuilds installed components from scratch.
	Force bool
	// Verbose, when set, receives a copy of every build step's output.
	Verbose io.Writer
}

// NewContext lays out the per-architecture directories under root and
// wires the default runner and patcher.
func NewContext(root string, a arch.Architecture, fetcher Fetcher, out *msg.Printer) *Context {
	if out == nil {
		out = msg.NewPrinter(nil)
	}
	bc := &Context{
		Root:    root,
		Arch:    a,
		Fetcher: fetcher,
		Runner:  ExecRunner{},
		Out:     out.With(a.Name()),
	}
	bc.Store = record.NewStore(bc.StateDir(), a.Name())
	bc.Patcher = GNUPatch{Runner: bc.Runner}
	return bc
}

func (bc *Context) ArchDir() string { return filepath.Join(bc.Root, bc.Arch.Name()) }

func (bc *Context) SourceDir(name string) string { return filepath.Join(bc.ArchDir(), "src", name) }
func (bc *Context) StageDir(name string) string  { return filepath.Join(bc.ArchDir(), "stage", name) }
func (bc *Context) DistDir(name string) string   { return filepath.Join(bc.ArchDir(), "dist", name) }
func (bc *Context) LogDir() string               { return filepath.Join(bc.ArchDir(), "logs") }
func (bc *Context) StateDir() string             { return filepath.Join(bc.ArchDir(), "state") }
