// Package orchestrate runs a resolved plan on every target architecture and
// collects the results.
package orchestrate

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"crossforge/internal/arch"
	"crossforge/internal/build"
	"crossforge/internal/collect"
	"crossforge/internal/msg"
	"crossforge/internal/recipe"
	"crossforge/internal/record"
	"crossforge/internal/resolve"
	"crossforge/internal/toolchain"
)

// Orchestrator owns one run. Registry, Builder and Fetcher are shared
// read-only by the architecture workers; everything else a worker touches
// lives in its own build.Context.
type Orchestrator struct {
	Registry *recipe.Registry
	Archs    []arch.Architecture
	Builder  *toolchain.Builder
	Fetcher  build.Fetcher
	BuildDir string

	// Parallel bounds how many architectures build at once; 0 means all.
	Parallel int
	// FailFast stops scheduling new entries everywhere after the first
	// failure. Steps already running are left to finish.
	FailFast bool
	Force    bool

	Out     *msg.Printer
	Verbose io.Writer
	// Status, when set, receives a live one-line progress display.
	Status io.Writer
	// Prepare adjusts each architecture's context before it starts.
	Prepare func(bc *build.Context)
}

// Run resolves requested and builds the plan for every architecture. Plan
// errors are returned before anything is written; build failures are
// reported per architecture in the Report.
func (o *Orchestrator) Run(ctx context.Context, requested []string) (*Report, error) {
	plan, err := resolve.Resolve(o.Registry, requested)
	if err != nil {
		return nil, err
	}
	if len(o.Archs) == 0 {
		return nil, fmt.Errorf("%w: no target architectures", arch.ErrUnknownArchitecture)
	}
	out := o.Out
	if out == nil {
		out = msg.NewPrinter(nil)
	}
	out.Stepf("Building %d components for %d architectures", len(plan.Order), len(o.Archs))

	workers := o.Parallel
	if workers <= 0 || workers > len(o.Archs) {
		workers = len(o.Archs)
	}

	var status *statusLine
	if o.Status != nil {
		status = newStatusLine(o.Status, o.Archs, len(plan.Order))
		status.start()
	}

	results := make([]ArchResult, len(o.Archs))
	var stop atomic.Bool
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	// Slots are taken in architecture order so a bounded run starts the
	// architectures in the order they were given.
	for i, a := range o.Archs {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, a arch.Architecture) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = o.runArch(ctx, a, plan, out, status, &stop)
		}(i, a)
	}
	wg.Wait()
	if status != nil {
		status.stop()
	}

	report := &Report{Plan: plan, Results: results}
	complete := map[string][]*record.Record{}
	for _, r := range results {
		if r.OK() {
			complete[r.Arch] = r.Records
		}
	}
	if len(complete) > 0 {
		report.Distribution, report.MergeErr = collect.Merge(plan.Order, complete)
	}
	return report, nil
}

// runArch builds the plan in order for one architecture. The first failure
// ends the architecture; whatever was not attempted is reported blocked.
func (o *Orchestrator) runArch(ctx context.Context, a arch.Architecture, plan *resolve.Plan, out *msg.Printer, status *statusLine, stop *atomic.Bool) ArchResult {
	start := time.Now()
	res := ArchResult{Arch: a.Name()}

	bc := build.NewContext(o.BuildDir, a, o.Fetcher, out)
	bc.Selected = plan.Has
	bc.Force = o.Force
	bc.Verbose = o.Verbose
	if o.Prepare != nil {
		o.Prepare(bc)
	}
	ex := build.NewExecutor(bc)

	finish := func(i int, err error) ArchResult {
		res.Err = err
		res.Blocked = slices.Clone(plan.Order[i:])
		state := "stopped"
		if err != nil {
			state = "failed"
			bc.Out.Failf("%v", err)
			if o.FailFast {
				stop.Store(true)
			}
		}
		status.set(a.Name(), state)
		res.Elapsed = time.Since(start)
		return res
	}

	if err := o.Builder.Toolchain.Check(a); err != nil {
		return finish(0, err)
	}

	prior := map[string]*record.Record{}
	for i, name := range plan.Order {
		if stop.Load() || ctx.Err() != nil {
			return finish(i, nil)
		}
		c, _ := o.Registry.Lookup(name)
		if err := a.IsCompatible(c); err != nil {
			return finish(i, err)
		}
		env, err := o.Builder.Compose(c, a, plan, prior)
		if err != nil {
			return finish(i, err)
		}

		status.set(a.Name(), fmt.Sprintf("%s (%d/%d)", name, i+1, len(plan.Order)))
		rec, err := ex.Advance(ctx, c, env)
		if rec != nil {
			res.Records = append(res.Records, rec)
			prior[name] = rec
		}
		if err != nil {
			return finish(i+1, err)
		}
	}
	status.set(a.Name(), "done")
	res.Elapsed = time.Since(start)
	return res
}
