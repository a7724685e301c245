package resolve

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownComponent        = errors.New("unknown component")
	ErrUnsatisfiableDependency = errors.New("unsatisfiable dependency")
	ErrConflictingComponents   = errors.New("conflicting components")
	ErrCyclicDependency        = errors.New("cyclic dependency")
)

// PlanError carries the names involved in a resolution failure. Kind is one
// of the sentinels above, so callers can use errors.Is.
type PlanError struct {
	Kind  error
	Names []string
	Msg   string
}

func (e *PlanError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Kind.Error(), strings.Join(e.Names, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *PlanError) Unwrap() error { return e.Kind }

func planErrorf(kind error, names []string, format string, args ...any) error {
	return &PlanError{Kind: kind, Names: names, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	closed := append(append([]string{}, path...), path[0])
	return &PlanError{
		Kind:  ErrCyclicDependency,
		Names: path,
		Msg:   strings.Join(closed, " -> "),
	}
}
