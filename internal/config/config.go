// Package config loads crossforge settings from a KEY=VALUE file with
// CROSSFORGE_* environment overrides.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// DefaultFile is read when no -config flag is given.
const DefaultFile = "/etc/crossforge.conf"

// EnvPrefix marks process environment variables that override the file.
const EnvPrefix = "CROSSFORGE_"

// ErrMalformedConfig is wrapped by every ParseError.
var ErrMalformedConfig = errors.New("malformed configuration")

// ParseError locates one bad line of a configuration file.
type ParseError struct {
	Path   string
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %q", e.Path, e.Line, e.Reason, e.Text)
}

func (e *ParseError) Unwrap() error { return ErrMalformedConfig }

// Config holds raw CROSSFORGE_* values; the accessors interpret them.
type Config struct {
	Values map[string]string
}

// Load reads a KEY=VALUE file and overlays CROSSFORGE_* environment
// variables. A missing file is not an error; the defaults and the
// environment still apply. Every malformed line is reported.
func Load(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := cfg.parse(f, path); err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	cfg.overlay(os.Environ())
	return cfg, nil
}

// parse accepts blank lines, # comments and CROSSFORGE_KEY=value lines with
// an optional "export " prefix and optionally quoted value.
func (c *Config) parse(r io.Reader, path string) error {
	var errs []error
	bad := func(n int, text, reason string) {
		errs = append(errs, &ParseError{Path: path, Line: n, Text: text, Reason: reason})
	}

	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		key = strings.TrimSpace(key)
		switch {
		case !ok:
			bad(n, line, "expected KEY=VALUE")
			continue
		case !validKey(key):
			bad(n, line, "invalid key")
			continue
		case !strings.HasPrefix(key, EnvPrefix):
			bad(n, line, "key outside the "+EnvPrefix+" namespace")
			continue
		}
		val, reason := unquote(strings.TrimSpace(val))
		if reason != "" {
			bad(n, line, reason)
			continue
		}
		c.Values[key] = val
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("failed to read %s: %w", path, err))
	}
	return errors.Join(errs...)
}

func validKey(key string) bool {
	if key == "" || (key[0] >= '0' && key[0] <= '9') {
		return false
	}
	for _, r := range key {
		if !(r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// unquote strips one pair of matching quotes. It returns a reason when the
// quoting is unbalanced.
func unquote(val string) (string, string) {
	if val == "" || (val[0] != '"' && val[0] != '\'') {
		return val, ""
	}
	q := val[0]
	if len(val) < 2 || val[len(val)-1] != q {
		return "", "unterminated quote"
	}
	return val[1 : len(val)-1], ""
}

// overlay applies CROSSFORGE_* process environment variables over the file.
func (c *Config) overlay(environ []string) {
	for _, env := range environ {
		if key, val, ok := strings.Cut(env, "="); ok && strings.HasPrefix(key, EnvPrefix) {
			c.Values[key] = val
		}
	}
}

// New returns a config holding exactly the given values. Used by tests and
// by callers that assemble configuration themselves.
func New(values map[string]string) *Config {
	cfg := &Config{Values: make(map[string]string, len(values))}
	for k, v := range values {
		cfg.Values[k] = v
	}
	return cfg
}

// Get returns the value for key with the CROSSFORGE_ prefix added.
func (c *Config) Get(key string) string {
	return c.Values[EnvPrefix+key]
}

// Set stores a value for key with the CROSSFORGE_ prefix added.
func (c *Config) Set(key, value string) {
	c.Values[EnvPrefix+key] = value
}

func (c *Config) getOr(key, def string) string {
	if v := c.Get(key); v != "" {
		return v
	}
	return def
}

func (c *Config) intOr(key string, def int) (int, error) {
	raw := c.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s%s: expected a non-negative integer, got %q", EnvPrefix, key, raw)
	}
	return n, nil
}

func (c *Config) flag(key string) bool {
	switch strings.ToLower(c.Get(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// RecipePaths returns the recipe repositories in search order.
func (c *Config) RecipePaths() []string {
	var paths []string
	for _, p := range strings.Split(c.Get("RECIPES"), ":") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// BuildDir is the root of the per-architecture build trees.
func (c *Config) BuildDir() string {
	return c.getOr("BUILD_DIR", filepath.Join(os.TempDir(), "crossforge", "build"))
}

// CacheDir holds downloaded sources shared by every architecture.
func (c *Config) CacheDir() string {
	return c.getOr("CACHE_DIR", "/var/cache/crossforge")
}

// ToolchainRoot is the externally provisioned NDK directory.
func (c *Config) ToolchainRoot() string { return c.Get("NDK") }

// HostTag names the prebuilt toolchain directory for this host.
func (c *Config) HostTag() string {
	return c.getOr("HOST_TAG", runtime.GOOS+"-x86_64")
}

// Archs returns the configured default architecture list.
func (c *Config) Archs() []string {
	return SplitList(c.getOr("ARCHS", "arm64-v8a,armeabi-v7a"))
}

// API returns the platform API level builds target.
func (c *Config) API() (int, error) { return c.intOr("API", 21) }

// Jobs bounds the parallelism of a single compile step.
func (c *Config) Jobs() (int, error) {
	n, err := c.intOr("JOBS", runtime.NumCPU())
	if err != nil {
		return 0, err
	}
	return max(n, 1), nil
}

// ParallelArchs bounds how many architectures build at once; 0 means all.
func (c *Config) ParallelArchs() (int, error) { return c.intOr("PARALLEL_ARCHS", 0) }

func (c *Config) FailFast() bool { return c.flag("FAIL_FAST") }
func (c *Config) Debug() bool    { return c.flag("DEBUG") }
func (c *Config) Verbose() bool  { return c.flag("VERBOSE") }

// MirrorPublish uploads fresh downloads to the mirror.
func (c *Config) MirrorPublish() bool { return c.flag("MIRROR_PUBLISH") }

// Curl prefers curl(1) over the built-in HTTP client for downloads.
func (c *Config) Curl() bool { return c.flag("CURL") }

// GlobalCFLAGS and GlobalLDFLAGS are appended to every target environment.
func (c *Config) GlobalCFLAGS() string  { return c.Get("CFLAGS") }
func (c *Config) GlobalLDFLAGS() string { return c.Get("LDFLAGS") }

// Mirror holds the optional object-store source mirror settings.
type Mirror struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Enabled reports whether a bucket was configured.
func (m Mirror) Enabled() bool { return m.Bucket != "" }

// Mirror returns the CROSSFORGE_MIRROR_* settings.
func (c *Config) Mirror() Mirror {
	return Mirror{
		Bucket:    c.Get("MIRROR_BUCKET"),
		Endpoint:  c.Get("MIRROR_ENDPOINT"),
		Region:    c.getOr("MIRROR_REGION", "auto"),
		AccessKey: c.Get("MIRROR_ACCESS_KEY_ID"),
		SecretKey: c.Get("MIRROR_SECRET_ACCESS_KEY"),
		Prefix:    strings.Trim(c.Get("MIRROR_PREFIX"), "/"),
	}
}

// SplitList splits a comma or whitespace separated list, dropping blanks.
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
