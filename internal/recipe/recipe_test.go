package recipe

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestRequirementKey(t *testing.T) {
	tests := []struct {
		req  Requirement
		want string
	}{
		{Requires("zlib"), "zlib"},
		{OneOf("python3", "python2"), "python2|python3"},
		{OneOf("python2", "python3"), "python2|python3"},
		{OneOf("openssl"), "openssl"},
		{Enhances("libwebp"), "libwebp"},
	}
	for _, tt := range tests {
		if got := tt.req.Key(); got != tt.want {
			t.Errorf("%v.Key() = %q, want %q", tt.req, got, tt.want)
		}
	}
}

func TestRequiresAndEnhancements(t *testing.T) {
	c := &Component{
		Name: "pillow",
		Requirements: []Requirement{
			Requires("freetype"),
			Enhances("libwebp"),
			OneOf("libjpeg", "libjpeg-turbo"),
		},
	}
	if got := len(c.Requires()); got != 2 {
		t.Fatalf("Requires() has %d groups, want 2", got)
	}
	if got := c.Requires()[1].Kind; got != AnyOf {
		t.Errorf("second group kind = %v, want any-of", got)
	}
	if got := c.Enhancements(); !reflect.DeepEqual(got, []string{"libwebp"}) {
		t.Errorf("Enhancements() = %v", got)
	}
}

func TestPatchApplies(t *testing.T) {
	selected := func(name string) bool { return name == "python3" }
	tests := []struct {
		name string
		when Condition
		arch string
		want bool
	}{
		{"always", Condition{}, "x86", true},
		{"selected match", Condition{Kind: WhenSelected, Value: "python3"}, "x86", true},
		{"selected miss", Condition{Kind: WhenSelected, Value: "python2"}, "x86", false},
		{"arch match", Condition{Kind: WhenArch, Value: "x86"}, "x86", true},
		{"arch miss", Condition{Kind: WhenArch, Value: "x86"}, "arm64-v8a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Patch{File: "fix.patch", When: tt.when}
			if got := p.Applies(tt.arch, selected); got != tt.want {
				t.Errorf("Applies = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOverridesFilterByArch(t *testing.T) {
	c := &Component{Name: "openssl", Env: []Override{
		{Key: "CFLAGS", Value: "-DOPENSSL_NO_ASM"},
		{Arch: "x86", Key: "LDFLAGS", Value: "-latomic"},
	}}
	if got := len(c.Overrides("x86")); got != 2 {
		t.Errorf("x86 overrides = %d, want 2", got)
	}
	if got := len(c.Overrides("arm64-v8a")); got != 1 {
		t.Errorf("arm64 overrides = %d, want 1", got)
	}
}

func TestNewRegistryRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		comps []*Component
	}{
		{"duplicate", []*Component{{Name: "a"}, {Name: "a"}}},
		{"self dependency", []*Component{{Name: "a", Requirements: []Requirement{Requires("a")}}}},
		{"self in alternatives", []*Component{{Name: "a", Requirements: []Requirement{OneOf("b", "a")}}}},
		{"self conflict", []*Component{{Name: "a", Conflicts: []string{"a"}}}},
		{"empty group", []*Component{{Name: "a", Requirements: []Requirement{{Kind: AnyOf}}}}},
		{"unnamed", []*Component{{}}},
		{"inverted api bounds", []*Component{{Name: "a", MinAPI: 30, MaxAPI: 21}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.comps...)
			if !errors.Is(err, ErrInvalidRecipe) {
				t.Fatalf("err = %v, want ErrInvalidRecipe", err)
			}
		})
	}
}

func TestRegistryLookupAndOrder(t *testing.T) {
	reg, err := NewRegistry(&Component{Name: "zlib"}, &Component{Name: "png"}, &Component{Name: "freetype"})
	if err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 3 {
		t.Errorf("Len = %d", reg.Len())
	}
	if got := reg.Names(); !reflect.DeepEqual(got, []string{"zlib", "png", "freetype"}) {
		t.Errorf("Names = %v", got)
	}
	if _, ok := reg.Lookup("harfbuzz"); ok {
		t.Error("Lookup found a missing component")
	}
}

func writeRecipe(t *testing.T, repo, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(repo, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, ok := files["build"]; !ok {
		files["build"] = "#!/bin/sh\n"
	}
	for file, body := range files {
		mode := os.FileMode(0o644)
		if file == "build" || file == "configure" {
			mode = 0o755
		}
		if err := os.WriteFile(filepath.Join(dir, file), []byte(body), mode); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoadDirs(t *testing.T) {
	primary := t.TempDir()
	overlay := t.TempDir()

	writeRecipe(t, primary, "pillow", map[string]string{
		"version":   "10.4.0 1\n",
		"depends":   "# imaging\nfreetype\nlibjpeg | libjpeg-turbo make\nlibwebp optional\n",
		"conflicts": "pil\n",
		"sources":   "https://example.org/pillow-10.4.0.tar.gz\nfiles/setup.cfg\n",
		"patches":   "no-host-paths.patch\ncross.patch strip=0 arch=x86\nwebp.patch if=libwebp\n",
		"env":       "LDFLAGS=-lm\nx86:CFLAGS='-mstackrealign'\n",
		"options":   "minapi=21 maxapi=34\n",
		"configure": "#!/bin/sh\n",
	})
	writeRecipe(t, primary, "freetype", map[string]string{"version": "2.13.2\n"})
	writeRecipe(t, overlay, "freetype", map[string]string{"version": "2.9\n"})
	if err := os.MkdirAll(filepath.Join(primary, "shared-patches"), 0o755); err != nil {
		t.Fatal(err)
	}

	reg, err := LoadDirs([]string{primary, overlay, filepath.Join(t.TempDir(), "missing")})
	if err != nil {
		t.Fatalf("LoadDirs: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("loaded %d components, want 2: %v", reg.Len(), reg.Names())
	}

	ft, _ := reg.Lookup("freetype")
	if ft.Version != "2.13.2" {
		t.Errorf("freetype version = %q, first repository should win", ft.Version)
	}

	p, _ := reg.Lookup("pillow")
	if p.Version != "10.4.0" {
		t.Errorf("version = %q", p.Version)
	}
	wantReqs := []Requirement{Requires("freetype"), OneOf("libjpeg", "libjpeg-turbo"), Enhances("libwebp")}
	if !reflect.DeepEqual(p.Requirements, wantReqs) {
		t.Errorf("requirements = %v, want %v", p.Requirements, wantReqs)
	}
	if !p.ConflictsWith("pil") {
		t.Error("conflicts not loaded")
	}
	if len(p.Sources) != 2 {
		t.Errorf("sources = %v", p.Sources)
	}
	if len(p.Patches) != 3 {
		t.Fatalf("patches = %v", p.Patches)
	}
	if p.Patches[0].Strip != 1 || p.Patches[1].Strip != 0 {
		t.Errorf("strip levels = %d, %d", p.Patches[0].Strip, p.Patches[1].Strip)
	}
	if p.Patches[1].When != (Condition{Kind: WhenArch, Value: "x86"}) {
		t.Errorf("arch condition = %v", p.Patches[1].When)
	}
	if p.Patches[2].When != (Condition{Kind: WhenSelected, Value: "libwebp"}) {
		t.Errorf("selected condition = %v", p.Patches[2].When)
	}
	if filepath.Base(filepath.Dir(p.Patches[0].File)) != "patches" {
		t.Errorf("patch path = %s", p.Patches[0].File)
	}
	wantEnv := []Override{{Key: "LDFLAGS", Value: "-lm"}, {Arch: "x86", Key: "CFLAGS", Value: "-mstackrealign"}}
	if !reflect.DeepEqual(p.Env, wantEnv) {
		t.Errorf("env = %v, want %v", p.Env, wantEnv)
	}
	if p.MinAPI != 21 || p.MaxAPI != 34 {
		t.Errorf("api bounds = %d..%d", p.MinAPI, p.MaxAPI)
	}
	if p.ConfigureScript == "" || p.BuildScript == "" {
		t.Error("scripts not detected")
	}
}

func TestParseRequirementErrors(t *testing.T) {
	for _, line := range []string{"a | ", "a | b optional", "a sometimes"} {
		if _, err := parseRequirement(line); err == nil {
			t.Errorf("parseRequirement(%q) succeeded", line)
		}
	}
}
