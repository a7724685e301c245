package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crossforge.conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesFile(t *testing.T) {
	path := writeConf(t, `
# recipes
CROSSFORGE_RECIPES=/srv/recipes:/home/me/recipes
CROSSFORGE_API="24"
export CROSSFORGE_ARCHS='x86_64, arm64-v8a'
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.RecipePaths(); !reflect.DeepEqual(got, []string{"/srv/recipes", "/home/me/recipes"}) {
		t.Errorf("RecipePaths = %v", got)
	}
	api, err := cfg.API()
	if err != nil || api != 24 {
		t.Errorf("API = %d, %v; want 24", api, err)
	}
	if got := cfg.Archs(); !reflect.DeepEqual(got, []string{"x86_64", "arm64-v8a"}) {
		t.Errorf("Archs = %v", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	api, _ := cfg.API()
	if api != 21 {
		t.Errorf("default API = %d, want 21", api)
	}
	if cfg.Mirror().Enabled() {
		t.Error("mirror enabled without a bucket")
	}
	if got := cfg.Archs(); len(got) != 2 {
		t.Errorf("default Archs = %v", got)
	}
}

func TestLoadRejectsMalformedLines(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		line   int
		reason string
	}{
		{"missing separator", "CROSSFORGE_API=24\nCROSSFORGE_JOBS 4\n", 2, "expected KEY=VALUE"},
		{"bad key", "CROSSFORGE-API=24\n", 1, "invalid key"},
		{"foreign key", "# build host\nMAKEFLAGS=-j4\n", 2, "namespace"},
		{"unterminated quote", "CROSSFORGE_CFLAGS=\"-O2\n", 1, "unterminated quote"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConf(t, tt.body)
			_, err := Load(path)
			if !errors.Is(err, ErrMalformedConfig) {
				t.Fatalf("err = %v, want ErrMalformedConfig", err)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %T, want *ParseError", err)
			}
			if pe.Path != path || pe.Line != tt.line || !strings.Contains(pe.Reason, tt.reason) {
				t.Errorf("ParseError = %+v, want line %d reason %q", pe, tt.line, tt.reason)
			}
		})
	}
}

func TestLoadReportsEveryBadLine(t *testing.T) {
	_, err := Load(writeConf(t, "one\nCROSSFORGE_API=21\ntwo\n"))
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{":1:", ":3:"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention line %s", err, want)
		}
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConf(t, "CROSSFORGE_JOBS=2\nCROSSFORGE_FAIL_FAST=no\n")
	t.Setenv("CROSSFORGE_JOBS", "7")
	t.Setenv("CROSSFORGE_FAIL_FAST", "yes")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	jobs, err := cfg.Jobs()
	if err != nil || jobs != 7 {
		t.Errorf("Jobs = %d, %v; want 7", jobs, err)
	}
	if !cfg.FailFast() {
		t.Error("FailFast not overridden by environment")
	}
}

func TestIntegerValidation(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    int
		wantErr bool
	}{
		{"empty uses default", "", 0, false},
		{"number", "3", 3, false},
		{"negative", "-1", 0, true},
		{"garbage", "lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New(nil)
			cfg.Set("PARALLEL_ARCHS", tt.value)
			got, err := cfg.ParallelArchs()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMirrorSettings(t *testing.T) {
	cfg := New(map[string]string{
		"CROSSFORGE_MIRROR_BUCKET":   "sources",
		"CROSSFORGE_MIRROR_ENDPOINT": "https://example.r2.cloudflarestorage.com",
		"CROSSFORGE_MIRROR_PREFIX":   "/distfiles/",
	})
	m := cfg.Mirror()
	if !m.Enabled() {
		t.Fatal("mirror should be enabled")
	}
	if m.Region != "auto" {
		t.Errorf("Region = %q, want auto", m.Region)
	}
	if m.Prefix != "distfiles" {
		t.Errorf("Prefix = %q, want distfiles", m.Prefix)
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" a,b  c,,\td ")
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitList = %v, want %v", got, want)
	}
}
