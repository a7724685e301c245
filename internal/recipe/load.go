package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"crossforge/internal/msg"
)

// LoadDirs reads every recipe directory under the given repositories. A
// component found in more than one repository is taken from the first.
func LoadDirs(paths []string) (*Registry, error) {
	seen := make(map[string]string)
	var components []*Component

	for _, repo := range paths {
		entries, err := os.ReadDir(repo)
		if err != nil {
			if os.IsNotExist(err) {
				msg.Debugf("recipe repository %s does not exist, skipping\n", repo)
				continue
			}
			return nil, fmt.Errorf("failed to read recipe repository %s: %w", repo, err)
		}
		// ReadDir sorts by name, so load order is stable across runs.
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			name := e.Name()
			dir := filepath.Join(repo, name)
			if first, ok := seen[name]; ok {
				msg.Debugf("recipe %s in %s shadowed by %s\n", name, repo, first)
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, "build")); err != nil {
				// Not a recipe: helper directories such as shared patches.
				continue
			}
			c, err := LoadDir(dir)
			if err != nil {
				return nil, err
			}
			seen[name] = repo
			components = append(components, c)
		}
	}
	return NewRegistry(components...)
}

// LoadDir reads one recipe directory. The directory name is the component
// name.
func LoadDir(dir string) (*Component, error) {
	c := &Component{Name: filepath.Base(dir), Dir: dir}

	version, err := readLines(dir, "version")
	if err != nil {
		return nil, err
	}
	if len(version) > 0 {
		c.Version = strings.Fields(version[0])[0]
	}

	depends, err := readLines(dir, "depends")
	if err != nil {
		return nil, err
	}
	for _, line := range depends {
		req, err := parseRequirement(line)
		if err != nil {
			return nil, fmt.Errorf("%s/depends: %w", c.Name, err)
		}
		c.Requirements = append(c.Requirements, req)
	}

	if c.Conflicts, err = readLines(dir, "conflicts"); err != nil {
		return nil, err
	}
	if c.Sources, err = readLines(dir, "sources"); err != nil {
		return nil, err
	}

	patches, err := readLines(dir, "patches")
	if err != nil {
		return nil, err
	}
	for _, line := range patches {
		p, err := parsePatch(line)
		if err != nil {
			return nil, fmt.Errorf("%s/patches: %w", c.Name, err)
		}
		p.File = filepath.Join(dir, "patches", p.File)
		c.Patches = append(c.Patches, p)
	}

	env, err := readLines(dir, "env")
	if err != nil {
		return nil, err
	}
	for _, line := range env {
		o, err := parseOverride(line)
		if err != nil {
			return nil, fmt.Errorf("%s/env: %w", c.Name, err)
		}
		c.Env = append(c.Env, o)
	}

	options, err := readLines(dir, "options")
	if err != nil {
		return nil, err
	}
	if err := applyOptions(c, options); err != nil {
		return nil, fmt.Errorf("%s/options: %w", c.Name, err)
	}

	c.BuildScript = filepath.Join(dir, "build")
	if _, err := os.Stat(filepath.Join(dir, "configure")); err == nil {
		c.ConfigureScript = filepath.Join(dir, "configure")
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// readLines returns the non-empty, non-comment lines of a recipe file. A
// missing file yields no lines.
func readLines(dir, file string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Join(dir, file), err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// parseRequirement parses one depends line: "name", "a | b | c" or
// "name optional".
func parseRequirement(line string) (Requirement, error) {
	var names []string
	optional := false
	for _, part := range strings.Split(line, "|") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			return Requirement{}, fmt.Errorf("empty alternative in %q", line)
		}
		names = append(names, fields[0])
		for _, flag := range fields[1:] {
			switch flag {
			case "optional":
				optional = true
			case "make":
				// Build-time only dependencies are ordinary dependencies here.
			default:
				return Requirement{}, fmt.Errorf("unknown flag %q in %q", flag, line)
			}
		}
	}
	if optional {
		if len(names) != 1 {
			return Requirement{}, fmt.Errorf("optional alternatives are not supported: %q", line)
		}
		return Enhances(names[0]), nil
	}
	return OneOf(names...), nil
}

// parsePatch parses "file [strip=N] [if=name|arch=name]".
func parsePatch(line string) (Patch, error) {
	fields := strings.Fields(line)
	p := Patch{File: fields[0], Strip: 1}
	for _, f := range fields[1:] {
		key, val, ok := strings.Cut(f, "=")
		if !ok || val == "" {
			return Patch{}, fmt.Errorf("bad patch option %q", f)
		}
		switch key {
		case "strip":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return Patch{}, fmt.Errorf("bad strip level %q", val)
			}
			p.Strip = n
		case "if":
			p.When = Condition{Kind: WhenSelected, Value: val}
		case "arch":
			p.When = Condition{Kind: WhenArch, Value: val}
		default:
			return Patch{}, fmt.Errorf("unknown patch option %q", key)
		}
	}
	return p, nil
}

// parseOverride parses "KEY=VALUE" or "arch:KEY=VALUE".
func parseOverride(line string) (Override, error) {
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return Override{}, fmt.Errorf("expected KEY=VALUE, got %q", line)
	}
	var o Override
	if arch, k, scoped := strings.Cut(key, ":"); scoped {
		o.Arch, key = strings.TrimSpace(arch), k
	}
	o.Key = strings.TrimSpace(key)
	o.Value = strings.Trim(strings.TrimSpace(val), `"'`)
	if o.Key == "" {
		return Override{}, fmt.Errorf("empty key in %q", line)
	}
	return o, nil
}

func applyOptions(c *Component, lines []string) error {
	for _, line := range lines {
		for _, tok := range strings.Fields(line) {
			key, val, ok := strings.Cut(tok, "=")
			if !ok {
				continue
			}
			switch key {
			case "minapi", "maxapi":
				n, err := strconv.Atoi(val)
				if err != nil {
					return fmt.Errorf("bad %s %q", key, val)
				}
				if key == "minapi" {
					c.MinAPI = n
				} else {
					c.MaxAPI = n
				}
			}
		}
	}
	return nil
}
