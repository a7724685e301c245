package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gookit/color"
	"github.com/ulikunitz/xz"

	"crossforge/internal/arch"
	"crossforge/internal/build"
	"crossforge/internal/config"
	"crossforge/internal/fetch"
	"crossforge/internal/msg"
	"crossforge/internal/orchestrate"
	"crossforge/internal/recipe"
	"crossforge/internal/record"
	"crossforge/internal/resolve"
	"crossforge/internal/toolchain"
)

func loadRegistry(cfg *config.Config) (*recipe.Registry, error) {
	paths := cfg.RecipePaths()
	if len(paths) == 0 {
		return nil, fmt.Errorf("no recipe repositories configured (set %sRECIPES)", config.EnvPrefix)
	}
	return recipe.LoadDirs(paths)
}

// targets resolves the -arch and -api flags against the configured defaults.
func targets(cfg *config.Config, archFlag string, apiFlag int) ([]arch.Architecture, error) {
	names := cfg.Archs()
	if archFlag != "" {
		names = config.SplitList(archFlag)
	}
	api := apiFlag
	if api == 0 {
		var err error
		if api, err = cfg.API(); err != nil {
			return nil, err
		}
	}
	return arch.Lookup(names, api)
}

func builder(cfg *config.Config) (*toolchain.Builder, error) {
	jobs, err := cfg.Jobs()
	if err != nil {
		return nil, err
	}
	return &toolchain.Builder{
		Toolchain: toolchain.Toolchain{Root: cfg.ToolchainRoot(), HostTag: cfg.HostTag()},
		Jobs:      jobs,
		CFLAGS:    cfg.GlobalCFLAGS(),
		LDFLAGS:   cfg.GlobalLDFLAGS(),
		HostPath:  os.Getenv("PATH"),
	}, nil
}

func isTerminal(w io.Writer) (*os.File, bool) {
	f, ok := w.(*os.File)
	return f, ok && orchestrate.IsTerminal(f)
}

func (a *app) archs(args []string) error {
	var c common
	fs := a.flagSet("archs", &c)
	api := fs.Int("api", 0, "platform API level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	level := *api
	if level == 0 {
		if level, err = cfg.API(); err != nil {
			return err
		}
	}
	for _, name := range arch.Names() {
		t, err := arch.New(name, level)
		if err != nil {
			fmt.Fprintf(a.stdout, "%-12s %s\n", name, color.Gray.Sprint(err))
			continue
		}
		fmt.Fprintf(a.stdout, "%-12s %-24s %s\n", name, t.Triple(), t.Target())
	}
	return nil
}

func (a *app) plan(args []string) error {
	var c common
	fs := a.flagSet("plan", &c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usagef("crossforge plan <component...>")
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	plan, err := resolve.Resolve(reg, fs.Args())
	if err != nil {
		return err
	}

	for i, name := range plan.Order {
		comp, _ := reg.Lookup(name)
		line := fmt.Sprintf("%3d. %s %s", i+1, name, comp.Version)
		if deps := plan.Dependencies(name); len(deps) > 0 {
			line += color.Gray.Sprintf("  (after %s)", strings.Join(deps, ", "))
		}
		if enh := plan.Enhancements(name); len(enh) > 0 {
			line += color.Gray.Sprintf("  (enhanced by %s)", strings.Join(enh, ", "))
		}
		fmt.Fprintln(a.stdout, line)
	}
	return nil
}

func (a *app) build(ctx context.Context, args []string) error {
	var c common
	fs := a.flagSet("build", &c)
	archFlag := fs.String("arch", "", "comma separated target architectures")
	api := fs.Int("api", 0, "platform API level")
	force := fs.Bool("force", false, "rebuild installed components")
	failFast := fs.Bool("fail-fast", false, "stop every architecture after the first failure")
	jobs := fs.Int("j", 0, "compile jobs per build step")
	parallel := fs.Int("parallel", -1, "architectures built at once (0 = all)")
	manifest := fs.String("manifest", "", "write the distribution manifest to this file")
	verbose := fs.Bool("verbose", false, "show build step output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usagef("crossforge build [options] <component...>")
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}
	if *jobs > 0 {
		cfg.Set("JOBS", fmt.Sprint(*jobs))
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	as, err := targets(cfg, *archFlag, *api)
	if err != nil {
		return err
	}
	b, err := builder(cfg)
	if err != nil {
		return err
	}
	workers := *parallel
	if workers < 0 {
		if workers, err = cfg.ParallelArchs(); err != nil {
			return err
		}
	}

	stdoutFile, tty := isTerminal(a.stdout)
	cache := &fetch.Cache{Dir: cfg.CacheDir(), Curl: cfg.Curl(), Out: a.out}
	if tty {
		cache.Progress = a.stderr
	}
	if m := cfg.Mirror(); m.Enabled() {
		mirror, err := fetch.NewS3Mirror(ctx, m)
		if err != nil {
			a.out.Warnf("source mirror disabled: %v", err)
		} else {
			cache.Mirror = mirror
			cache.Publish = cfg.MirrorPublish()
		}
	}

	o := &orchestrate.Orchestrator{
		Registry: reg,
		Archs:    as,
		Builder:  b,
		Fetcher:  cache,
		BuildDir: cfg.BuildDir(),
		Parallel: workers,
		FailFast: *failFast || cfg.FailFast(),
		Force:    *force,
		Out:      a.out,
	}
	if *verbose || cfg.Verbose() {
		o.Verbose = a.stderr
	} else if tty {
		o.Status = a.stdout
	}

	report, err := o.Run(ctx, fs.Args())
	if err != nil {
		return err
	}
	if *manifest != "" && report.Distribution != nil && report.MergeErr == nil {
		if err := report.Distribution.WriteManifest(*manifest); err != nil {
			return fmt.Errorf("failed to write manifest: %w", err)
		}
		a.out.Stepf("Manifest written to %s", *manifest)
	}

	if tty {
		if err := orchestrate.Page(stdoutFile, "crossforge build report", report); err != nil {
			return err
		}
	} else {
		report.Print(a.stdout)
	}
	return report.Err()
}

func (a *app) env(args []string) error {
	var c common
	fs := a.flagSet("env", &c)
	api := fs.Int("api", 0, "platform API level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return usagef("crossforge env <component> <arch>")
	}
	name, archName := fs.Arg(0), fs.Arg(1)

	cfg, err := c.load()
	if err != nil {
		return err
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	ts, err := targets(cfg, archName, *api)
	if err != nil {
		return err
	}
	t := ts[0]
	plan, err := resolve.Resolve(reg, []string{name})
	if err != nil {
		return err
	}
	comp, _ := reg.Lookup(name)
	if err := t.IsCompatible(comp); err != nil {
		return err
	}

	store := build.NewContext(cfg.BuildDir(), t, nil, nil).Store
	prior := map[string]*record.Record{}
	for _, dep := range plan.Upstream(name) {
		rec, err := store.Load(dep)
		if err != nil {
			return err
		}
		prior[dep] = rec
	}

	b, err := builder(cfg)
	if err != nil {
		return err
	}
	env, err := b.Compose(comp, t, plan, prior)
	if err != nil {
		return err
	}
	for _, layer := range env.Layers() {
		fmt.Fprintln(a.stdout, color.Info.Sprintf("# %s", layer.Name))
		for _, v := range layer.Vars() {
			fmt.Fprintf(a.stdout, "%s=%s\n", v.Key, v.Value)
		}
	}
	fmt.Fprintln(a.stdout, color.Info.Sprint("# effective"))
	for _, kv := range env.Environ() {
		fmt.Fprintln(a.stdout, kv)
	}
	return nil
}

func (a *app) status(args []string) error {
	var c common
	fs := a.flagSet("status", &c)
	archFlag := fs.String("arch", "", "comma separated architectures")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	as, err := targets(cfg, *archFlag, 0)
	if err != nil {
		return err
	}

	for _, t := range as {
		bc := build.NewContext(cfg.BuildDir(), t, nil, nil)
		recs, err := bc.Store.List()
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, msg.Arrow.Sprint("-> ")+msg.Success.Sprintf("%s (%d records)", t.Name(), len(recs)))
		for _, r := range recs {
			stage := r.Stage.String()
			switch r.Stage {
			case record.Installed:
				stage = msg.Success.Sprint(stage)
			case record.Failed:
				stage = msg.Error.Sprintf("failed at %s: %s", r.FailedAt, r.Cause)
			}
			fmt.Fprintf(a.stdout, "  %-20s %-12s %s\n", r.Component, r.Version, stage)
		}
	}
	return nil
}

func (a *app) log(args []string) error {
	var c common
	fs := a.flagSet("log", &c)
	archFlag := fs.String("arch", "", "architecture")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usagef("crossforge log [-arch a] <component>")
	}
	name := fs.Arg(0)
	cfg, err := c.load()
	if err != nil {
		return err
	}
	as, err := targets(cfg, *archFlag, 0)
	if err != nil {
		return err
	}

	var found []string
	for _, t := range as {
		dir := build.NewContext(cfg.BuildDir(), t, nil, nil).LogDir()
		matches, _ := filepath.Glob(filepath.Join(dir, name+"-*.log.xz"))
		found = append(found, matches...)
	}
	if len(found) == 0 {
		return fmt.Errorf("no failure log found for %s", name)
	}
	slices.Sort(found)

	for _, p := range found {
		if err := a.showLog(p); err != nil {
			return err
		}
	}
	return nil
}

// showLog pipes a compressed log through $PAGER on a terminal and copies it
// to stdout otherwise.
func (a *app) showLog(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening log: %w", err)
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		return fmt.Errorf("error creating xz reader: %w", err)
	}

	if out, tty := isTerminal(a.stdout); tty {
		pager := os.Getenv("PAGER")
		var args []string
		if pager == "" || pager == "less" {
			pager, args = "less", []string{"-r"}
		}
		cmd := exec.Command(pager, args...)
		cmd.Stdin = xr
		cmd.Stdout = out
		cmd.Stderr = a.stderr
		if err := cmd.Run(); err == nil {
			return nil
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if xr, err = xz.NewReader(f); err != nil {
			return err
		}
	}

	fmt.Fprintln(a.stdout, msg.Arrow.Sprint("-> ")+msg.Success.Sprint(path))
	_, err = io.Copy(a.stdout, xr)
	return err
}
