package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crossforge/internal/archive"
	"crossforge/internal/msg"
	"crossforge/internal/recipe"
	"crossforge/internal/record"
	"crossforge/internal/toolchain"
)

var ErrBuildStepFailed = errors.New("build step failed")

// fetchedMarker is written into a source tree once all of its sources are in
// place; a tree without it is fetched again.
const fetchedMarker = ".crossforge-fetched"

// tailLines is how much of a failed step's output is kept on the error.
const tailLines = 50

// StepError describes a failed stage of one component on one architecture.
type StepError struct {
	Component string
	Arch      string
	// Stage is the stage that was being attempted.
	Stage  record.Stage
	Output string
	// Log is the compressed full output, when the step ran a command.
	Log string
	Err error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s on %s: %s step failed: %v", e.Component, e.Arch, stepName(e.Stage), e.Err)
}

func (e *StepError) Unwrap() []error { return []error{ErrBuildStepFailed, e.Err} }

// stepName is the verb for the step that leads to stage s.
func stepName(s record.Stage) string {
	switch s {
	case record.Fetched:
		return "fetch"
	case record.Patched:
		return "patch"
	case record.Configured:
		return "configure"
	case record.Compiled:
		return "compile"
	case record.Installed:
		return "install"
	}
	return s.String()
}

// Executor advances build records within one build Context.
type Executor struct {
	bc *Context
}

func NewExecutor(bc *Context) *Executor { return &Executor{bc: bc} }

type step struct {
	to  record.Stage
	run func(ctx context.Context, c *recipe.Component, env *toolchain.Environment, rec *record.Record) error
}

// Advance drives the record of c forward until it is installed or a step
// fails. An installed record is returned untouched, without any write,
// unless the context forces a rebuild. A failed record resumes at the stage
// that failed.
func (e *Executor) Advance(ctx context.Context, c *recipe.Component, env *toolchain.Environment) (*record.Record, error) {
	bc := e.bc
	rec, err := bc.Store.Load(c.Name)
	if err != nil {
		return nil, err
	}

	if rec.Installed() && !bc.Force && rec.Version == c.Version {
		bc.Out.Debugf("%s %s already installed", c.Name, c.Version)
		return rec, nil
	}

	switch {
	case bc.Force && rec.Stage != record.Unfetched,
		rec.Version != "" && rec.Version != c.Version:
		msg.Debugf("%s/%s: starting over from %s\n", c.Name, bc.Arch.Name(), rec.Stage)
		rec.Reset()
		if err := e.clean(c.Name); err != nil {
			return nil, err
		}
	case rec.Stage == record.Failed:
		bc.Out.Notef("Resuming %s at the %s step", c.Name, stepName(rec.FailedAt))
		rec.Resume()
	}
	rec.Version = c.Version

	steps := []step{
		{record.Fetched, e.fetch},
		{record.Patched, e.patch},
		{record.Configured, e.configure},
		{record.Compiled, e.compile},
		{record.Installed, e.install},
	}
	start := time.Now()
	for _, s := range steps {
		if rec.Reached(s.to) {
			continue
		}
		if err := s.run(ctx, c, env, rec); err != nil {
			var se *StepError
			if !errors.As(err, &se) {
				se = &StepError{Err: err}
			}
			se.Component, se.Arch, se.Stage = c.Name, bc.Arch.Name(), s.to
			rec.Fail(s.to, se.Err)
			if saveErr := bc.Store.Save(rec); saveErr != nil {
				return rec, errors.Join(se, saveErr)
			}
			return rec, se
		}
		if err := rec.Advance(s.to); err != nil {
			return rec, err
		}
		if err := bc.Store.Save(rec); err != nil {
			return rec, err
		}
	}
	bc.Out.Stepf("%s %s installed in %s", c.Name, c.Version, time.Since(start).Truncate(time.Second))
	return rec, nil
}

// clean removes every on-disk trace of a component for this architecture.
func (e *Executor) clean(name string) error {
	for _, dir := range []string{e.bc.SourceDir(name), e.bc.StageDir(name), e.bc.DistDir(name)} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) fetch(ctx context.Context, c *recipe.Component, _ *toolchain.Environment, _ *record.Record) error {
	src := e.bc.SourceDir(c.Name)
	if _, err := os.Stat(filepath.Join(src, fetchedMarker)); err == nil {
		msg.Debugf("%s: sources already present in %s\n", c.Name, src)
		return nil
	}

	tmp := src + ".fetch"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if len(c.Sources) > 0 {
		if e.bc.Fetcher == nil {
			return fmt.Errorf("no fetcher configured for %d sources", len(c.Sources))
		}
		e.bc.Out.Stepf("Fetching %s %s", c.Name, c.Version)
		if err := e.bc.Fetcher.Fetch(ctx, c, tmp); err != nil {
			os.RemoveAll(tmp)
			return err
		}
	} else if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, fetchedMarker), []byte(c.Version+"\n"), 0o644); err != nil {
		return err
	}
	if err := os.RemoveAll(src); err != nil {
		return err
	}
	return os.Rename(tmp, src)
}

func (e *Executor) patch(ctx context.Context, c *recipe.Component, env *toolchain.Environment, _ *record.Record) error {
	src := e.bc.SourceDir(c.Name)
	for _, p := range c.Patches {
		if !p.Applies(e.bc.Arch.Name(), e.bc.Selected) {
			continue
		}
		err := e.bc.Patcher.Apply(ctx, p, src, environ(env))
		switch {
		case errors.Is(err, ErrAlreadyApplied):
			e.bc.Out.Notef("%s: %s already applied, skipping", c.Name, filepath.Base(p.File))
		case err != nil:
			return err
		default:
			e.bc.Out.Debugf("%s: applied %s", c.Name, filepath.Base(p.File))
		}
	}
	return nil
}

func (e *Executor) configure(ctx context.Context, c *recipe.Component, env *toolchain.Environment, _ *record.Record) error {
	if c.ConfigureScript == "" {
		return nil
	}
	e.bc.Out.Stepf("Configuring %s", c.Name)
	return e.runScript(ctx, c, record.Configured, c.ConfigureScript, env)
}

func (e *Executor) compile(ctx context.Context, c *recipe.Component, env *toolchain.Environment, _ *record.Record) error {
	stage := e.bc.StageDir(c.Name)
	if err := os.RemoveAll(stage); err != nil {
		return err
	}
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return err
	}
	if c.BuildScript == "" {
		return fmt.Errorf("%s has no build script", c.Name)
	}
	e.bc.Out.Stepf("Building %s %s", c.Name, c.Version)
	return e.runScript(ctx, c, record.Compiled, c.BuildScript, env)
}

// runScript runs a recipe script as `script <stage-dir> <version> <name>`
// in the source tree. Output goes to a log that is compressed and kept when
// the script fails.
func (e *Executor) runScript(ctx context.Context, c *recipe.Component, to record.Stage, script string, env *toolchain.Environment) error {
	if err := os.MkdirAll(e.bc.LogDir(), 0o755); err != nil {
		return err
	}
	logPath := filepath.Join(e.bc.LogDir(), fmt.Sprintf("%s-%s.log", c.Name, stepName(to)))
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	var out io.Writer = logFile
	if e.bc.Verbose != nil {
		out = io.MultiWriter(logFile, e.bc.Verbose)
	}

	stage, err := filepath.Abs(e.bc.StageDir(c.Name))
	if err != nil {
		logFile.Close()
		return err
	}
	script, err = filepath.Abs(script)
	if err != nil {
		logFile.Close()
		return err
	}
	name, args := script, []string{stage, c.Version, c.Name}
	if info, err := os.Stat(script); err == nil && info.Mode().Perm()&0o111 == 0 {
		name, args = "sh", append([]string{script}, args...)
	}

	runErr := e.bc.Runner.Run(ctx, Command{
		Name:   name,
		Args:   args,
		Dir:    e.bc.SourceDir(c.Name),
		Env:    environ(env),
		Output: out,
	})
	logFile.Close()
	if runErr == nil {
		return nil
	}

	se := &StepError{Err: runErr, Output: tail(logPath, tailLines)}
	if err := archive.CompressXZ(logPath, logPath+".xz"); err != nil {
		msg.Debugf("failed to compress %s: %v\n", logPath, err)
		se.Log = logPath
	} else {
		os.Remove(logPath)
		se.Log = logPath + ".xz"
	}
	return se
}

// install moves the staged tree into dist and records what it exports. The
// record only becomes visible as installed once the caller saves it.
func (e *Executor) install(_ context.Context, c *recipe.Component, _ *toolchain.Environment, rec *record.Record) error {
	stage, dist := e.bc.StageDir(c.Name), e.bc.DistDir(c.Name)
	if _, err := os.Stat(stage); err == nil {
		if err := os.RemoveAll(dist); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dist), 0o755); err != nil {
			return err
		}
		if err := os.Rename(stage, dist); err != nil {
			return err
		}
	} else if _, err := os.Stat(dist); err != nil {
		// A previous install moved the tree but died before saving.
		return fmt.Errorf("nothing staged in %s", stage)
	}

	art, err := scanArtifacts(dist)
	if err != nil {
		return err
	}
	rec.Artifacts = art
	return nil
}

func environ(env *toolchain.Environment) []string {
	if env == nil {
		return nil
	}
	return env.Environ()
}

func tail(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
