package toolchain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"crossforge/internal/arch"
	"crossforge/internal/msg"
	"crossforge/internal/recipe"
	"crossforge/internal/record"
	"crossforge/internal/resolve"
)

var ErrMissingExportedPaths = errors.New("installed dependency exports no paths")

// Builder composes environments. It holds only read-only settings and may be
// shared by every architecture worker.
type Builder struct {
	Toolchain Toolchain
	Jobs      int
	CFLAGS    string
	LDFLAGS   string
	// HostPath is the PATH the build scripts start from.
	HostPath string
}

// Compose layers global defaults, the architecture, the exports of every
// installed upstream component and the component's own overrides. prior maps
// component names to their records for a. Compose writes nothing and runs
// nothing.
func (b *Builder) Compose(c *recipe.Component, a arch.Architecture, plan *resolve.Plan, prior map[string]*record.Record) (*Environment, error) {
	env := &Environment{}
	env.Add(b.globalLayer())
	env.Add(b.archLayer(a))

	deps, err := dependencyLayer(c, plan, prior)
	if err != nil {
		return nil, err
	}
	env.Add(deps)

	own := NewLayer("component " + c.Name)
	for _, o := range c.Overrides(a.Name()) {
		own.Set(o.Key, o.Value)
	}
	env.Add(own)

	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%s/%s: %w", a.Name(), c.Name, err)
	}
	return env, nil
}

func (b *Builder) globalLayer() *Layer {
	jobs := max(b.Jobs, 1)
	l := NewLayer("global")
	l.Set("MAKEFLAGS", "-j"+strconv.Itoa(jobs))
	l.Set("CMAKE_BUILD_PARALLEL_LEVEL", strconv.Itoa(jobs))
	l.Set("LDLIBS", "-lm")
	if flags := arch.SanitizeFlags(b.CFLAGS); flags != "" {
		l.Set("CFLAGS", flags)
		l.Set("CXXFLAGS", flags)
	}
	if flags := arch.SanitizeFlags(b.LDFLAGS); flags != "" {
		l.Set("LDFLAGS", flags)
	}
	return l
}

func (b *Builder) archLayer(a arch.Architecture) *Layer {
	tools := b.Toolchain.Tools(a)
	sysroot := b.Toolchain.Sysroot()
	api := strconv.Itoa(a.APILevel())

	cflags := append([]string{"--target=" + a.Target(), "--sysroot=" + sysroot}, a.Flags()...)
	cflags = append(cflags, "-fPIC", "-DANDROID", "-D__ANDROID_API__="+api)
	ldflags := append([]string{"--target=" + a.Target(), "--sysroot=" + sysroot, "-fuse-ld=lld"}, a.LDFlags()...)

	l := NewLayer("arch " + a.Name())
	l.Set("CC", tools.CC)
	l.Set("CXX", tools.CXX)
	l.Set("AR", tools.AR)
	l.Set("RANLIB", tools.RANLIB)
	l.Set("STRIP", tools.STRIP)
	l.Set("NM", tools.NM)
	l.Set("LD", tools.LD)
	// NDK tools shadow host tools of the same name.
	l.Set("PATH", b.Toolchain.BinDir())
	l.Append("PATH", b.HostPath)
	l.Set("SYSROOT", sysroot)
	l.Set("CFLAGS", strings.Join(cflags, " "))
	l.Set("CXXFLAGS", strings.Join(cflags, " "))
	l.Set("LDFLAGS", strings.Join(ldflags, " "))
	l.Set("PKG_CONFIG_LIBDIR", sysroot+"/usr/lib/pkgconfig")

	l.Set("TARGET", a.Triple())
	l.Set("HOST", a.Triple())
	l.Set("ARCH", a.Family())
	l.Set("ANDROID_ABI", a.Name())
	l.Set("ANDROID_API", api)
	l.Set("ANDROID_NDK_ROOT", b.Toolchain.Root)

	rustTarget := a.RustTarget()
	l.Set("CARGO_BUILD_TARGET", rustTarget)
	linkerVar := "CARGO_TARGET_" + strings.ToUpper(strings.ReplaceAll(rustTarget, "-", "_")) + "_LINKER"
	l.Set(linkerVar, tools.CC)
	msg.Debugf("%s: rust target %s, %s=%s\n", a.Name(), rustTarget, linkerVar, tools.CC)
	return l
}

// dependencyLayer exports include, library and pkg-config directories of
// every installed upstream component, in plan order.
func dependencyLayer(c *recipe.Component, plan *resolve.Plan, prior map[string]*record.Record) (*Layer, error) {
	l := NewLayer("dependencies")
	if plan == nil {
		return l, nil
	}
	for _, name := range plan.Upstream(c.Name) {
		rec := prior[name]
		if rec == nil || !rec.Installed() {
			continue
		}
		art := rec.Artifacts
		if art.Empty() {
			return nil, fmt.Errorf("%w: %s (needed by %s on %s)", ErrMissingExportedPaths, name, c.Name, rec.Arch)
		}
		for _, dir := range art.IncludeDirs {
			l.Append("CPPFLAGS", "-I"+dir)
			l.Append("CFLAGS", "-I"+dir)
			l.Append("CXXFLAGS", "-I"+dir)
		}
		for _, dir := range art.LibDirs {
			l.Append("LDFLAGS", "-L"+dir)
		}
		for _, dir := range art.PkgConfigDirs {
			l.Append("PKG_CONFIG_PATH", dir)
		}
		if art.Root != "" {
			l.Append("CMAKE_PREFIX_PATH", art.Root)
		}
	}
	return l, nil
}
