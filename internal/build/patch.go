package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"crossforge/internal/recipe"
)

// ErrAlreadyApplied is returned by a Patcher when the patch is already
// present in the tree.
var ErrAlreadyApplied = errors.New("patch already applied")

// Patcher applies one patch to a source tree.
type Patcher interface {
	Apply(ctx context.Context, p recipe.Patch, dir string, env []string) error
}

// GNUPatch applies patches with patch(1). A forward dry run that fails
// while a reverse dry run succeeds means the patch is already in place.
type GNUPatch struct {
	Runner Runner
}

func (g GNUPatch) Apply(ctx context.Context, p recipe.Patch, dir string, env []string) error {
	strip := "-p" + strconv.Itoa(p.Strip)
	run := func(out io.Writer, args ...string) error {
		return g.Runner.Run(ctx, Command{
			Name:   "patch",
			Args:   append([]string{strip, "--batch", "--silent", "-i", p.File}, args...),
			Dir:    dir,
			Env:    env,
			Output: out,
		})
	}

	var dryRun bytes.Buffer
	if err := run(&dryRun, "--forward", "--dry-run"); err != nil {
		if run(io.Discard, "--reverse", "--dry-run") == nil {
			return ErrAlreadyApplied
		}
		return fmt.Errorf("patch %s does not apply: %s", p.File, strings.TrimSpace(dryRun.String()))
	}

	var out bytes.Buffer
	if err := run(&out, "--forward"); err != nil {
		return fmt.Errorf("patch %s: %w: %s", p.File, err, strings.TrimSpace(out.String()))
	}
	return nil
}
