package toolchain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrIncompleteEnvironment = errors.New("incomplete toolchain environment")

// additive keys are concatenated across layers instead of replaced.
var additive = map[string]string{
	"CFLAGS":            " ",
	"CXXFLAGS":          " ",
	"CPPFLAGS":          " ",
	"LDFLAGS":           " ",
	"LDLIBS":            " ",
	"PATH":              ":",
	"PKG_CONFIG_PATH":   ":",
	"PKG_CONFIG_LIBDIR": ":",
	"CMAKE_PREFIX_PATH": ":",
}

// required keys must be non-empty in a composed environment.
var required = []string{"CC", "CXX", "CFLAGS", "LDFLAGS", "SYSROOT"}

// IsAdditive reports whether values for key accumulate across layers.
func IsAdditive(key string) bool {
	_, ok := additive[key]
	return ok
}

type Var struct {
	Key   string
	Value string
}

// Layer is one named set of variables. Setting a key twice in the same
// layer keeps the last value.
type Layer struct {
	Name string
	vars []Var
}

func NewLayer(name string) *Layer { return &Layer{Name: name} }

func (l *Layer) Set(key, value string) *Layer {
	for i := range l.vars {
		if l.vars[i].Key == key {
			l.vars[i].Value = value
			return l
		}
	}
	l.vars = append(l.vars, Var{Key: key, Value: value})
	return l
}

// Append adds to an additive key within this layer.
func (l *Layer) Append(key, value string) *Layer {
	if value == "" {
		return l
	}
	for i := range l.vars {
		if l.vars[i].Key == key {
			l.vars[i].Value = join(key, l.vars[i].Value, value)
			return l
		}
	}
	l.vars = append(l.vars, Var{Key: key, Value: value})
	return l
}

// Vars returns the layer's variables in the order they were first set.
func (l *Layer) Vars() []Var { return append([]Var(nil), l.vars...) }

func join(key, old, add string) string {
	sep, ok := additive[key]
	if !ok {
		return add
	}
	switch {
	case add == "":
		return old
	case old == "":
		return add
	}
	return old + sep + add
}

// Environment is an ordered stack of layers. Later layers win for ordinary
// keys; additive keys collect every layer's value in order.
type Environment struct {
	layers []*Layer
}

func (e *Environment) Add(l *Layer) { e.layers = append(e.layers, l) }

func (e *Environment) Layers() []*Layer { return append([]*Layer(nil), e.layers...) }

// Map resolves the layers into a single mapping.
func (e *Environment) Map() map[string]string {
	out := make(map[string]string)
	for _, l := range e.layers {
		for _, v := range l.vars {
			out[v.Key] = join(v.Key, out[v.Key], v.Value)
		}
	}
	return out
}

func (e *Environment) Get(key string) string { return e.Map()[key] }

// Environ renders the resolved mapping as sorted KEY=VALUE strings.
func (e *Environment) Environ() []string {
	m := e.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+m[k])
	}
	return env
}

// Validate checks that the compiler, its flags and the search root are set.
func (e *Environment) Validate() error {
	m := e.Map()
	var missing []string
	for _, k := range required {
		if strings.TrimSpace(m[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s not set", ErrIncompleteEnvironment, strings.Join(missing, ", "))
	}
	return nil
}
