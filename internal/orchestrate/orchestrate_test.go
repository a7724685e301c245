package orchestrate

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"crossforge/internal/arch"
	"crossforge/internal/build"
	"crossforge/internal/recipe"
	"crossforge/internal/resolve"
	"crossforge/internal/toolchain"
)

// installScript stages lib<name>.so recording the ABI it was built for. With
// needs set it first checks that the dependency's headers are on CFLAGS.
func installScript(needs string) string {
	check := ""
	if needs != "" {
		check = `case "$CFLAGS" in *"/dist/` + needs + `/include"*) ;; *) echo "missing ` + needs + ` headers"; exit 5;; esac
`
	}
	return `#!/bin/sh
set -e
` + check + `if [ -n "$BUILD_COUNT_FILE" ]; then echo "$3 $ANDROID_ABI" >> "$BUILD_COUNT_FILE"; fi
mkdir -p "$1/include" "$1/lib"
echo "/* $3 */" > "$1/include/$3.h"
echo "$ANDROID_ABI $3" > "$1/lib/lib$3.so"
`
}

const failOnX86 = `#!/bin/sh
case "$ANDROID_ABI" in x86) echo "error: inline assembly requires more registers"; exit 1;; esac
mkdir -p "$1/include" "$1/lib"
echo "$ANDROID_ABI $3" > "$1/lib/lib$3.so"
`

func comp(t *testing.T, name, script string, reqs ...string) *recipe.Component {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "build")
	if err := os.WriteFile(p, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	c := &recipe.Component{Name: name, Version: "1.0", Dir: dir, BuildScript: p}
	for _, r := range reqs {
		c.Requirements = append(c.Requirements, recipe.Requires(r))
	}
	return c
}

func registry(t *testing.T, comps ...*recipe.Component) *recipe.Registry {
	t.Helper()
	reg, err := recipe.NewRegistry(comps...)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func archs(t *testing.T, names ...string) []arch.Architecture {
	t.Helper()
	out, err := arch.Lookup(names, 21)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// fakeNDK provides executables for the given architectures only.
func fakeNDK(t *testing.T, as []arch.Architecture) toolchain.Toolchain {
	t.Helper()
	tc := toolchain.Toolchain{Root: t.TempDir(), HostTag: "linux-x86_64"}
	for _, dir := range []string{tc.Sysroot(), tc.BinDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, a := range as {
		tools := tc.Tools(a)
		for _, p := range []string{tools.CC, tools.CXX, tools.AR, tools.RANLIB, tools.STRIP, tools.LD} {
			if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755); err != nil {
				t.Fatal(err)
			}
		}
	}
	return tc
}

func orchestrator(t *testing.T, reg *recipe.Registry, as []arch.Architecture) *Orchestrator {
	t.Helper()
	return &Orchestrator{
		Registry: reg,
		Archs:    as,
		Builder:  &toolchain.Builder{Toolchain: fakeNDK(t, as), Jobs: 2, HostPath: os.Getenv("PATH")},
		BuildDir: t.TempDir(),
	}
}

func standardRegistry(t *testing.T) *recipe.Registry {
	return registry(t,
		comp(t, "zlib", installScript("")),
		comp(t, "png", installScript("zlib"), "zlib"),
		comp(t, "freetype", installScript("png"), "png"),
	)
}

// contents maps arch/logical name to the library's path below the build
// directory and its contents.
func contents(t *testing.T, o *Orchestrator, r *Report) map[string]string {
	t.Helper()
	out := map[string]string{}
	for a, libs := range r.Distribution.Archs {
		for logical, p := range libs {
			data, err := os.ReadFile(p)
			if err != nil {
				t.Fatal(err)
			}
			root, _ := filepath.Abs(o.BuildDir)
			rel, _ := filepath.Rel(root, p)
			out[a+"/"+logical] = rel + ": " + string(data)
		}
	}
	return out
}

func TestRunConcurrentMatchesSequential(t *testing.T) {
	as := archs(t, "arm64-v8a", "armeabi-v7a", "x86", "x86_64")

	run := func(parallel int) (*Orchestrator, *Report) {
		o := orchestrator(t, standardRegistry(t), as)
		o.Parallel = parallel
		r, err := o.Run(context.Background(), []string{"freetype"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if r.Failed() {
			t.Fatalf("run failed: %v", r.Err())
		}
		return o, r
	}
	seqO, seq := run(1)
	conO, con := run(0)

	if !slices.Equal(seq.Plan.Order, []string{"zlib", "png", "freetype"}) {
		t.Errorf("order = %v", seq.Plan.Order)
	}
	a, b := contents(t, seqO, seq), contents(t, conO, con)
	if len(a) != 12 {
		t.Errorf("sequential distribution has %d libraries", len(a))
	}
	for k, v := range a {
		if b[k] != v {
			t.Errorf("%s: sequential %q, concurrent %q", k, v, b[k])
		}
	}
	if got := a["x86/libpng.so"]; got != "x86/dist/png/lib/libpng.so: x86 png\n" {
		t.Errorf("x86 libpng.so = %q", got)
	}
}

func TestRunIsolatesArchitectureFailure(t *testing.T) {
	reg := registry(t,
		comp(t, "zlib", installScript("")),
		comp(t, "png", failOnX86, "zlib"),
		comp(t, "freetype", installScript("png"), "png"),
	)
	o := orchestrator(t, reg, archs(t, "x86", "arm64-v8a"))
	r, err := o.Run(context.Background(), []string{"freetype"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	x86, arm := r.Results[0], r.Results[1]
	var se *build.StepError
	if !errors.As(x86.Err, &se) || se.Component != "png" || se.Arch != "x86" {
		t.Fatalf("x86 err = %v", x86.Err)
	}
	if !slices.Equal(x86.Blocked, []string{"freetype"}) {
		t.Errorf("x86 blocked = %v", x86.Blocked)
	}
	if !arm.OK() {
		t.Errorf("arm64-v8a: %v (blocked %v)", arm.Err, arm.Blocked)
	}

	if !r.Failed() {
		t.Error("report does not show the failure")
	}
	if got := r.Distribution.Architectures(); !slices.Equal(got, []string{"arm64-v8a"}) {
		t.Errorf("distribution = %v", got)
	}

	var buf bytes.Buffer
	r.Print(&buf)
	for _, want := range []string{"blocked: freetype", "inline assembly", "png-compile.log.xz"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("report missing %q:\n%s", want, buf.String())
		}
	}
}

func TestRunFailFast(t *testing.T) {
	reg := registry(t,
		comp(t, "zlib", installScript("")),
		comp(t, "png", failOnX86, "zlib"),
	)
	o := orchestrator(t, reg, archs(t, "x86", "arm64-v8a"))
	o.Parallel = 1
	o.FailFast = true

	r, err := o.Run(context.Background(), []string{"png"})
	if err != nil {
		t.Fatal(err)
	}
	arm := r.Results[1]
	if arm.Err != nil || !slices.Equal(arm.Blocked, []string{"zlib", "png"}) {
		t.Errorf("arm64-v8a = err %v, blocked %v", arm.Err, arm.Blocked)
	}
	if r.Distribution != nil {
		t.Errorf("distribution = %v", r.Distribution.Archs)
	}
}

func TestRunPlanErrorWritesNothing(t *testing.T) {
	o := orchestrator(t, standardRegistry(t), archs(t, "x86"))
	_, err := o.Run(context.Background(), []string{"freetype", "harfbuzz"})
	if !errors.Is(err, resolve.ErrUnknownComponent) {
		t.Fatalf("err = %v", err)
	}
	entries, _ := os.ReadDir(o.BuildDir)
	if len(entries) != 0 {
		t.Errorf("build directory has %d entries", len(entries))
	}
}

func TestRunToolchainUnavailable(t *testing.T) {
	as := archs(t, "arm64-v8a", "x86_64")
	o := orchestrator(t, standardRegistry(t), as)
	o.Builder.Toolchain = fakeNDK(t, as[:1])

	r, err := o.Run(context.Background(), []string{"zlib"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Results[0].OK() {
		t.Errorf("arm64-v8a: %v", r.Results[0].Err)
	}
	if !errors.Is(r.Results[1].Err, toolchain.ErrToolchainUnavailable) || !slices.Equal(r.Results[1].Blocked, []string{"zlib"}) {
		t.Errorf("x86_64 = %+v", r.Results[1])
	}
}

func TestRunTwiceBuildsOnce(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "builds")
	zlib := comp(t, "zlib", installScript(""))
	zlib.Env = []recipe.Override{{Key: "BUILD_COUNT_FILE", Value: counter}}
	o := orchestrator(t, registry(t, zlib), archs(t, "x86", "x86_64"))

	for i := 0; i < 2; i++ {
		r, err := o.Run(context.Background(), []string{"zlib"})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if r.Failed() {
			t.Fatalf("run %d: %v", i, r.Err())
		}
	}
	data, _ := os.ReadFile(counter)
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("built %d times, want once per architecture:\n%s", lines, data)
	}

	o.Force = true
	if _, err := o.Run(context.Background(), []string{"zlib"}); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(counter)
	if lines := strings.Count(string(data), "\n"); lines != 4 {
		t.Errorf("forced run built %d times total, want 4", lines)
	}
}

func TestStatusLine(t *testing.T) {
	var buf bytes.Buffer
	s := newStatusLine(&buf, archs(t, "x86", "arm64-v8a"), 3)
	s.set("x86", "zlib (1/3)")
	got := s.String()
	if !strings.Contains(got, "x86: zlib (1/3)") || !strings.Contains(got, "arm64-v8a: waiting") {
		t.Errorf("status = %q", got)
	}
	var nilStatus *statusLine
	nilStatus.set("x86", "done")
}
