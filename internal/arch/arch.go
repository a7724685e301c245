// Package arch describes the cross-compilation targets.
package arch

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"crossforge/internal/recipe"
)

var (
	ErrUnknownArchitecture = errors.New("unknown architecture")
	ErrIncompatible        = errors.New("component not supported at this API level")
)

// Architecture is one target ABI at a fixed platform API level. Values are
// immutable; accessors return copies.
type Architecture struct {
	name       string
	triple     string
	clang      string
	family     string
	rustTarget string
	cflags     []string
	ldflags    []string
	minAPI     int
	api        int
}

type abi struct {
	triple     string
	clang      string
	family     string
	rustTarget string
	cflags     []string
	ldflags    []string
	minAPI     int
}

// Known Android ABIs. The clang prefix is completed with the API level to
// form the compiler target, e.g. aarch64-linux-android21.
var abis = map[string]abi{
	"armeabi-v7a": {
		triple:     "arm-linux-androideabi",
		clang:      "armv7a-linux-androideabi",
		family:     "arm",
		rustTarget: "armv7-linux-androideabi",
		cflags:     []string{"-march=armv7-a", "-mfloat-abi=softfp", "-mfpu=vfpv3-d16", "-mthumb"},
		ldflags:    []string{"-Wl,--fix-cortex-a8"},
		minAPI:     16,
	},
	"arm64-v8a": {
		triple:     "aarch64-linux-android",
		clang:      "aarch64-linux-android",
		family:     "arm64",
		rustTarget: "aarch64-linux-android",
		cflags:     []string{"-march=armv8-a"},
		minAPI:     21,
	},
	"x86": {
		triple:     "i686-linux-android",
		clang:      "i686-linux-android",
		family:     "x86",
		rustTarget: "i686-linux-android",
		cflags:     []string{"-march=i686", "-mssse3", "-mfpmath=sse", "-m32"},
		minAPI:     16,
	},
	"x86_64": {
		triple:     "x86_64-linux-android",
		clang:      "x86_64-linux-android",
		family:     "x86_64",
		rustTarget: "x86_64-linux-android",
		cflags:     []string{"-march=x86-64", "-msse4.2", "-mpopcnt", "-m64"},
		minAPI:     21,
	},
}

// Names lists the known architecture names, sorted.
func Names() []string {
	names := make([]string, 0, len(abis))
	for n := range abis {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New returns the descriptor for name at the given API level.
func New(name string, api int) (Architecture, error) {
	a, ok := abis[name]
	if !ok {
		return Architecture{}, fmt.Errorf("%w: %s (known: %s)", ErrUnknownArchitecture, name, strings.Join(Names(), ", "))
	}
	if api < a.minAPI {
		return Architecture{}, fmt.Errorf("%s requires API level %d or later, got %d", name, a.minAPI, api)
	}
	return Architecture{
		name:       name,
		triple:     a.triple,
		clang:      a.clang,
		family:     a.family,
		rustTarget: a.rustTarget,
		cflags:     a.cflags,
		ldflags:    a.ldflags,
		minAPI:     a.minAPI,
		api:        api,
	}, nil
}

// Lookup resolves the caller's architecture list in order. Unknown names and
// duplicates are rejected before anything else happens.
func Lookup(names []string, api int) ([]Architecture, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no architectures requested", ErrUnknownArchitecture)
	}
	seen := make(map[string]bool, len(names))
	out := make([]Architecture, 0, len(names))
	for _, n := range names {
		if seen[n] {
			return nil, fmt.Errorf("architecture %s listed twice", n)
		}
		seen[n] = true
		a, err := New(n, api)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (a Architecture) Name() string { return a.name }

// Triple is the binutils prefix, e.g. arm-linux-androideabi.
func (a Architecture) Triple() string { return a.triple }

// Target is the compiler target including the API level.
func (a Architecture) Target() string { return a.clang + strconv.Itoa(a.api) }

// Family is the short CPU family name build systems expect in ARCH.
func (a Architecture) Family() string { return a.family }

func (a Architecture) RustTarget() string { return a.rustTarget }

func (a Architecture) APILevel() int { return a.api }

// Flags returns the architecture's compiler flags.
func (a Architecture) Flags() []string { return slices.Clone(a.cflags) }

// LDFlags returns the architecture's linker flags.
func (a Architecture) LDFlags() []string { return slices.Clone(a.ldflags) }

func (a Architecture) String() string { return a.name }

// IsCompatible checks the component's API bounds against this target.
func (a Architecture) IsCompatible(c *recipe.Component) error {
	if c.MinAPI > 0 && a.api < c.MinAPI {
		return fmt.Errorf("%w: %s needs API >= %d, %s targets %d", ErrIncompatible, c.Name, c.MinAPI, a.name, a.api)
	}
	if c.MaxAPI > 0 && a.api > c.MaxAPI {
		return fmt.Errorf("%w: %s needs API <= %d, %s targets %d", ErrIncompatible, c.Name, c.MaxAPI, a.name, a.api)
	}
	return nil
}

// SanitizeFlags drops host-tuned flags from user-supplied global flags before
// they reach a cross compiler.
func SanitizeFlags(flags string) string {
	if flags == "" {
		return flags
	}
	var kept []string
	for _, flag := range strings.Fields(flags) {
		if flag == "-march=native" || flag == "-mtune=native" {
			continue
		}
		if strings.HasPrefix(flag, "-march=x86-64") || strings.HasPrefix(flag, "-march=x86_64") {
			continue
		}
		kept = append(kept, flag)
	}
	return strings.Join(kept, " ")
}
