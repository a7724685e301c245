// Package record tracks how far one component has been built for one
// architecture, and persists that state between runs.
package record

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidTransition = errors.New("invalid stage transition")

// Stage is a step of the per-component build state machine.
type Stage int

const (
	Unfetched Stage = iota
	Fetched
	Patched
	Configured
	Compiled
	Installed
	Failed
)

var stageNames = [...]string{"unfetched", "fetched", "patched", "configured", "compiled", "installed", "failed"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// ParseStage is the inverse of String.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

func (s Stage) MarshalYAML() (any, error) { return s.String(), nil }

func (s *Stage) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseStage(node.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Artifacts are the exported results of an installed component.
type Artifacts struct {
	Root          string   `yaml:"root"`
	IncludeDirs   []string `yaml:"include_dirs,omitempty"`
	LibDirs       []string `yaml:"lib_dirs,omitempty"`
	PkgConfigDirs []string `yaml:"pkgconfig_dirs,omitempty"`
	// Libraries maps a logical library name (libpng16.so) to its file.
	Libraries map[string]string `yaml:"libraries,omitempty"`
}

// Empty reports whether nothing was recorded at all. An installed component
// always has at least its Root.
func (a Artifacts) Empty() bool {
	return a.Root == "" && len(a.IncludeDirs) == 0 && len(a.LibDirs) == 0 && len(a.Libraries) == 0
}

// Record is the execution state of one (component, architecture) pair.
type Record struct {
	Component string    `yaml:"component"`
	Version   string    `yaml:"version,omitempty"`
	Arch      string    `yaml:"arch"`
	Stage     Stage     `yaml:"stage"`
	FailedAt  Stage     `yaml:"failed_at,omitempty"`
	Cause     string    `yaml:"cause,omitempty"`
	Artifacts Artifacts `yaml:"artifacts,omitempty"`
	Updated   time.Time `yaml:"updated,omitempty"`
}

// New returns a record that has not been attempted yet.
func New(component, arch string) *Record {
	return &Record{Component: component, Arch: arch, Stage: Unfetched}
}

func (r *Record) Installed() bool { return r.Stage == Installed }

// Reached reports whether the record has completed stage s.
func (r *Record) Reached(s Stage) bool {
	return r.Stage != Failed && r.Stage >= s
}

// Advance moves the record forward by exactly one stage.
func (r *Record) Advance(to Stage) error {
	if r.Stage == Failed || to == Failed || to != r.Stage+1 {
		return fmt.Errorf("%w: %s/%s %s -> %s", ErrInvalidTransition, r.Component, r.Arch, r.Stage, to)
	}
	r.Stage = to
	r.Updated = time.Now()
	return nil
}

// Fail freezes the record. at is the stage that was being attempted.
func (r *Record) Fail(at Stage, err error) {
	r.Stage = Failed
	r.FailedAt = at
	if err != nil {
		r.Cause = err.Error()
	}
	r.Updated = time.Now()
}

// Reset discards all progress, for a forced rebuild.
func (r *Record) Reset() {
	r.Stage = Unfetched
	r.FailedAt = 0
	r.Cause = ""
	r.Artifacts = Artifacts{}
	r.Updated = time.Now()
}

// Resume returns a failed record to the last stage it completed so the next
// run retries only the stage that failed.
func (r *Record) Resume() {
	if r.Stage != Failed {
		return
	}
	r.Stage = max(r.FailedAt-1, Unfetched)
	r.FailedAt = 0
	r.Cause = ""
	r.Updated = time.Now()
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Artifacts.IncludeDirs = slices.Clone(r.Artifacts.IncludeDirs)
	c.Artifacts.LibDirs = slices.Clone(r.Artifacts.LibDirs)
	c.Artifacts.PkgConfigDirs = slices.Clone(r.Artifacts.PkgConfigDirs)
	if r.Artifacts.Libraries != nil {
		c.Artifacts.Libraries = make(map[string]string, len(r.Artifacts.Libraries))
		for k, v := range r.Artifacts.Libraries {
			c.Artifacts.Libraries[k] = v
		}
	}
	return &c
}

func (r *Record) String() string {
	if r.Stage == Failed {
		return fmt.Sprintf("%s/%s: failed at %s: %s", r.Arch, r.Component, r.FailedAt, r.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", r.Arch, r.Component, r.Stage)
}
