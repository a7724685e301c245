package orchestrate

import (
	"fmt"
	"os"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }

// Page shows r in a report viewer when out is a terminal too small for the
// plain report, and prints it otherwise.
func Page(out *os.File, title string, r *Report) error {
	lines := r.Lines()
	fd := int(out.Fd())
	if !term.IsTerminal(fd) {
		r.Print(out)
		return nil
	}
	// Two rows go to the border, one to the key help.
	if _, height, err := term.GetSize(fd); err == nil && len(lines) <= height-3 {
		r.Print(out)
		return nil
	}
	if err := newReportViewer(title, r).app.Run(); err != nil {
		return fmt.Errorf("report viewer failed: %w", err)
	}
	return nil
}

// reportViewer lists the architectures on the left and shows the selected
// one's summary, failing step output and blocked entries on the right.
// Entry 0 is the whole report.
type reportViewer struct {
	app      *tview.Application
	archs    *tview.List
	body     *tview.TextView
	report   *Report
	sections [][]string
}

func newReportViewer(title string, r *Report) *reportViewer {
	v := &reportViewer{
		app:    tview.NewApplication(),
		archs:  tview.NewList().ShowSecondaryText(false),
		body:   tview.NewTextView().SetDynamicColors(true).SetScrollable(true).SetWrap(false),
		report: r,
	}
	v.archs.SetBorder(true).SetTitle(" architectures ")
	v.body.SetBorder(true).SetTitle(" " + title + " ")

	v.sections = append(v.sections, r.Lines())
	v.archs.AddItem("all", "", 0, nil)
	for _, res := range r.Results {
		label := res.Arch
		if !res.OK() {
			label = "[red]" + label + "[-]"
		}
		v.archs.AddItem(label, "", 0, nil)
		v.sections = append(v.sections, append(r.header(), r.archLines(res)...))
	}
	v.archs.SetChangedFunc(func(i int, _, _ string, _ rune) { v.show(i) })

	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]↑/↓ select, Tab switch pane, f next failure, q or Esc quit[-]")
	panes := tview.NewFlex().
		AddItem(v.archs, 18, 0, true).
		AddItem(v.body, 0, 1, false)
	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(panes, 0, 1, true).
		AddItem(help, 1, 0, false)

	v.app.SetInputCapture(v.handleKey)
	v.app.SetRoot(layout, true).SetFocus(v.archs)
	v.show(0)
	return v
}

func (v *reportViewer) show(i int) {
	if i < 0 || i >= len(v.sections) {
		return
	}
	v.body.Clear()
	w := tview.ANSIWriter(v.body)
	for _, l := range v.sections[i] {
		fmt.Fprintln(w, l)
	}
	v.body.ScrollToBeginning()
}

func (v *reportViewer) selected() int { return v.archs.GetCurrentItem() }

// nextFailure selects the next architecture after the current one that did
// not complete, wrapping around. It reports false when every one completed.
func (v *reportViewer) nextFailure() bool {
	n := len(v.report.Results)
	for step := 1; step <= n; step++ {
		// List entries are shifted by one for "all".
		i := (v.selected() - 1 + step + n) % n
		if !v.report.Results[i].OK() {
			v.archs.SetCurrentItem(i + 1)
			v.show(i + 1)
			return true
		}
	}
	return false
}

func (v *reportViewer) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch {
	case event.Key() == tcell.KeyEsc, event.Key() == tcell.KeyCtrlQ,
		event.Key() == tcell.KeyRune && event.Rune() == 'q':
		v.app.Stop()
		return nil
	case event.Key() == tcell.KeyRune && event.Rune() == 'f':
		v.nextFailure()
		return nil
	case event.Key() == tcell.KeyTab:
		if v.archs.HasFocus() {
			v.app.SetFocus(v.body)
		} else {
			v.app.SetFocus(v.archs)
		}
		return nil
	}
	return event
}
