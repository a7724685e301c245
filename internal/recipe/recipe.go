// Package recipe describes buildable components and the registry that holds
// them for the duration of one run.
package recipe

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

var ErrInvalidRecipe = errors.New("invalid recipe")

// Kind tags a Requirement.
type Kind int

const (
	// Hard names exactly one component that must be built first.
	Hard Kind = iota
	// AnyOf is satisfied by any one of its names.
	AnyOf
	// Optional enhances the build when the named component is selected for
	// some other reason; its absence is not an error.
	Optional
)

func (k Kind) String() string {
	switch k {
	case Hard:
		return "hard"
	case AnyOf:
		return "any-of"
	case Optional:
		return "optional"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Requirement is one line of a component's depends file.
type Requirement struct {
	Kind  Kind
	Names []string
}

func Requires(name string) Requirement { return Requirement{Kind: Hard, Names: []string{name}} }

// OneOf builds an alternative group. A single name degrades to Requires.
func OneOf(names ...string) Requirement {
	if len(names) == 1 {
		return Requires(names[0])
	}
	return Requirement{Kind: AnyOf, Names: slices.Clone(names)}
}

func Enhances(name string) Requirement { return Requirement{Kind: Optional, Names: []string{name}} }

// Key identifies the group inside a plan: the name itself for hard and
// optional requirements, the sorted alternatives joined by "|" otherwise, so
// "python3 | python2" and "python2 | python3" share one selection.
func (r Requirement) Key() string {
	if r.Kind != AnyOf {
		return r.Names[0]
	}
	sorted := slices.Clone(r.Names)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

func (r Requirement) String() string {
	s := strings.Join(r.Names, " | ")
	if r.Kind == Optional {
		s += " optional"
	}
	return s
}

// ConditionKind selects when a patch applies.
type ConditionKind int

const (
	Always ConditionKind = iota
	// WhenSelected applies the patch only if Value is part of the plan.
	WhenSelected
	// WhenArch applies the patch only when building for architecture Value.
	WhenArch
)

type Condition struct {
	Kind  ConditionKind
	Value string
}

func (c Condition) String() string {
	switch c.Kind {
	case WhenSelected:
		return "if=" + c.Value
	case WhenArch:
		return "arch=" + c.Value
	}
	return "always"
}

// Patch is a patch file applied to the unpacked source tree.
type Patch struct {
	File  string
	Strip int
	When  Condition
}

// Applies reports whether the patch is used when building for arch with the
// given plan membership test.
func (p Patch) Applies(arch string, selected func(string) bool) bool {
	switch p.When.Kind {
	case WhenSelected:
		return selected != nil && selected(p.When.Value)
	case WhenArch:
		return p.When.Value == arch
	}
	return true
}

// Override is one environment variable a component sets for itself. An empty
// Arch applies to every architecture.
type Override struct {
	Arch  string
	Key   string
	Value string
}

// Component is immutable once it has been placed in a Registry.
type Component struct {
	Name         string
	Version      string
	Requirements []Requirement
	Conflicts    []string
	Patches      []Patch
	Sources      []string
	Env          []Override
	// MinAPI and MaxAPI bound the platform API level; zero means unbounded.
	MinAPI int
	MaxAPI int

	Dir             string
	ConfigureScript string
	BuildScript     string
}

// Requires returns the hard and alternative groups in declaration order.
func (c *Component) Requires() []Requirement {
	var out []Requirement
	for _, r := range c.Requirements {
		if r.Kind != Optional {
			out = append(out, r)
		}
	}
	return out
}

// Enhancements returns the names of optional enhancements.
func (c *Component) Enhancements() []string {
	var out []string
	for _, r := range c.Requirements {
		if r.Kind == Optional {
			out = append(out, r.Names[0])
		}
	}
	return out
}

func (c *Component) ConflictsWith(name string) bool {
	return slices.Contains(c.Conflicts, name)
}

// Overrides returns the environment overrides that apply to arch, in
// declaration order.
func (c *Component) Overrides(arch string) []Override {
	var out []Override
	for _, o := range c.Env {
		if o.Arch == "" || o.Arch == arch {
			out = append(out, o)
		}
	}
	return out
}

func (c *Component) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: component without a name", ErrInvalidRecipe)
	}
	for _, r := range c.Requirements {
		if len(r.Names) == 0 {
			return fmt.Errorf("%w: %s: empty dependency group", ErrInvalidRecipe, c.Name)
		}
		if r.Kind != AnyOf && len(r.Names) != 1 {
			return fmt.Errorf("%w: %s: %s requirement must name exactly one component", ErrInvalidRecipe, c.Name, r.Kind)
		}
		for _, n := range r.Names {
			if n == "" {
				return fmt.Errorf("%w: %s: blank name in group %q", ErrInvalidRecipe, c.Name, r)
			}
			if n == c.Name {
				return fmt.Errorf("%w: %s lists itself as a dependency", ErrInvalidRecipe, c.Name)
			}
		}
	}
	if c.ConflictsWith(c.Name) {
		return fmt.Errorf("%w: %s lists itself as a conflict", ErrInvalidRecipe, c.Name)
	}
	if c.MinAPI < 0 || c.MaxAPI < 0 || (c.MaxAPI > 0 && c.MinAPI > c.MaxAPI) {
		return fmt.Errorf("%w: %s: bad API bounds min=%d max=%d", ErrInvalidRecipe, c.Name, c.MinAPI, c.MaxAPI)
	}
	return nil
}

// Registry holds every known component. It is read-only after NewRegistry
// returns and may be shared between goroutines.
type Registry struct {
	byName map[string]*Component
	names  []string
}

// NewRegistry validates the components and indexes them by name.
func NewRegistry(components ...*Component) (*Registry, error) {
	reg := &Registry{byName: make(map[string]*Component, len(components))}
	for _, c := range components {
		if err := c.validate(); err != nil {
			return nil, err
		}
		if _, dup := reg.byName[c.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate component %s", ErrInvalidRecipe, c.Name)
		}
		reg.byName[c.Name] = c
		reg.names = append(reg.names, c.Name)
	}
	return reg, nil
}

func (r *Registry) Lookup(name string) (*Component, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Names returns the component names in load order.
func (r *Registry) Names() []string { return slices.Clone(r.names) }

func (r *Registry) Len() int { return len(r.names) }
