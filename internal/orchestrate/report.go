package orchestrate

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"crossforge/internal/build"
	"crossforge/internal/collect"
	"crossforge/internal/msg"
	"crossforge/internal/record"
	"crossforge/internal/resolve"
)

// ArchResult is the outcome of one architecture.
type ArchResult struct {
	Arch    string
	Records []*record.Record
	// Err is the first fatal failure, nil when the architecture completed
	// or was stopped from outside.
	Err error
	// Blocked lists plan entries that were never attempted.
	Blocked []string
	Elapsed time.Duration
}

// OK reports whether every plan entry was installed.
func (r ArchResult) OK() bool { return r.Err == nil && len(r.Blocked) == 0 }

// Report is everything a run produced.
type Report struct {
	Plan         *resolve.Plan
	Results      []ArchResult
	Distribution *collect.Distribution
	MergeErr     error
}

// Err joins every architecture failure and the merge failure.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		switch {
		case res.Err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", res.Arch, res.Err))
		case len(res.Blocked) > 0:
			errs = append(errs, fmt.Errorf("%s: stopped before %s", res.Arch, res.Blocked[0]))
		}
	}
	if r.MergeErr != nil {
		errs = append(errs, r.MergeErr)
	}
	return errors.Join(errs...)
}

// Failed reports whether anything in the run did not complete.
func (r *Report) Failed() bool { return r.Err() != nil }

// Lines renders the per-architecture summary.
func (r *Report) Lines() []string {
	lines := r.header()
	for _, res := range r.Results {
		lines = append(lines, r.archLines(res)...)
	}
	return append(lines, r.footer()...)
}

func (r *Report) header() []string {
	return []string{fmt.Sprintf("%s %s", msg.Arrow.Sprint("->"), msg.Success.Sprintf("Build order: %s", strings.Join(r.Plan.Order, " ")))}
}

func (r *Report) archLines(res ArchResult) []string {
	var lines []string
	add := func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) }

	installed := 0
	for _, rec := range res.Records {
		if rec.Installed() {
			installed++
		}
	}
	summary := fmt.Sprintf("%-12s %d/%d installed in %s", res.Arch, installed, len(r.Plan.Order), res.Elapsed.Truncate(time.Second))
	if res.OK() {
		add("  %s", msg.Success.Sprint(summary))
		return lines
	}
	add("  %s", msg.Error.Sprint(summary))
	if res.Err != nil {
		add("    %s", res.Err)
		var se *build.StepError
		if errors.As(res.Err, &se) {
			if se.Log != "" {
				add("    log: %s", se.Log)
			}
			for _, l := range strings.Split(se.Output, "\n") {
				if l != "" {
					add("    | %s", l)
				}
			}
		}
	}
	if len(res.Blocked) > 0 {
		add("    blocked: %s", strings.Join(res.Blocked, ", "))
	}
	return lines
}

func (r *Report) footer() []string {
	switch {
	case r.MergeErr != nil:
		return []string{fmt.Sprintf("%s %s", msg.Arrow.Sprint("->"), msg.Error.Sprintf("Merge failed: %v", r.MergeErr))}
	case r.Distribution != nil:
		return []string{fmt.Sprintf("%s %s", msg.Arrow.Sprint("->"), msg.Success.Sprintf("Distribution: %s", strings.Join(r.Distribution.Architectures(), ", ")))}
	}
	return nil
}

// Print writes Lines to w.
func (r *Report) Print(w io.Writer) {
	for _, l := range r.Lines() {
		fmt.Fprintln(w, l)
	}
}
