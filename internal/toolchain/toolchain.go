// Package toolchain locates the externally provisioned cross toolchain and
// composes the per-build compiler environment.
package toolchain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"crossforge/internal/arch"
)

var ErrToolchainUnavailable = errors.New("toolchain unavailable")

// Toolchain is an unpacked NDK. It is installed by something else; this
// package only checks that the executables are where they should be.
type Toolchain struct {
	Root    string
	HostTag string
}

// Tools are the executables used for one architecture.
type Tools struct {
	CC     string
	CXX    string
	AR     string
	RANLIB string
	STRIP  string
	NM     string
	LD     string
}

func (t Toolchain) prebuilt() string {
	return filepath.Join(t.Root, "toolchains", "llvm", "prebuilt", t.HostTag)
}

func (t Toolchain) BinDir() string  { return filepath.Join(t.prebuilt(), "bin") }
func (t Toolchain) Sysroot() string { return filepath.Join(t.prebuilt(), "sysroot") }

// Tools returns the executable paths for a. The compiler entries are the
// API-level wrappers, e.g. aarch64-linux-android21-clang.
func (t Toolchain) Tools(a arch.Architecture) Tools {
	bin := t.BinDir()
	return Tools{
		CC:     filepath.Join(bin, a.Target()+"-clang"),
		CXX:    filepath.Join(bin, a.Target()+"-clang++"),
		AR:     filepath.Join(bin, "llvm-ar"),
		RANLIB: filepath.Join(bin, "llvm-ranlib"),
		STRIP:  filepath.Join(bin, "llvm-strip"),
		NM:     filepath.Join(bin, "llvm-nm"),
		LD:     filepath.Join(bin, "ld.lld"),
	}
}

// Check fails with ErrToolchainUnavailable naming every missing executable.
func (t Toolchain) Check(a arch.Architecture) error {
	if t.Root == "" {
		return fmt.Errorf("%w: no toolchain root configured (set CROSSFORGE_NDK)", ErrToolchainUnavailable)
	}
	tools := t.Tools(a)
	var missing []string
	for _, p := range []string{tools.CC, tools.CXX, tools.AR, tools.RANLIB, tools.STRIP, tools.LD} {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
			missing = append(missing, p)
		}
	}
	if info, err := os.Stat(t.Sysroot()); err != nil || !info.IsDir() {
		missing = append(missing, t.Sysroot())
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w for %s: missing %s", ErrToolchainUnavailable, a.Name(), strings.Join(missing, ", "))
	}
	return nil
}
