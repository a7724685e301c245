// Package msg holds the console styles and the line printer shared by every
// stage of a run.
package msg

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gookit/color"
)

// color helpers
var (
	Info    = color.Info
	Warn    = color.Warn
	Error   = color.Error
	Success = color.HEX("#1976D2")
	Arrow   = color.HEX("#FFEB3B")
	Note    = color.Tag("notice")
)

// Styler is satisfied by *color.Theme, color.RGBColor and color.Tag.
type Styler interface {
	Sprint(a ...any) string
	Sprintf(format string, a ...any) string
}

var debug atomic.Bool

var (
	// mu serializes every write made through this package, so debug lines
	// and printer lines from concurrent workers never interleave.
	mu       sync.Mutex
	debugOut io.Writer = os.Stderr
)

// SetDebug toggles debug output for the whole process.
func SetDebug(on bool) { debug.Store(on) }

// Debugging reports whether debug output is enabled.
func Debugging() bool { return debug.Load() }

// SetDebugOutput redirects Debugf. A nil writer restores stderr.
func SetDebugOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	debugOut = w
	mu.Unlock()
}

// Debugf prints debug messages when debug output is enabled
func Debugf(format string, args ...any) {
	if !debug.Load() {
		return
	}
	text := fmt.Sprintf(format, args...)
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprint(debugOut, text)
}

// Printer writes whole "-> message" lines to a shared writer. All printers
// and Debugf take the same lock, so architecture workers printing
// concurrently never interleave inside a line.
type Printer struct {
	w     io.Writer
	label string
}

// NewPrinter returns a printer writing to w. A nil writer discards output.
func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = io.Discard
	}
	return &Printer{w: w}
}

// With returns a printer that prefixes every line with [label].
func (p *Printer) With(label string) *Printer {
	return &Printer{w: p.w, label: label}
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer { return p.w }

func (p *Printer) line(style Styler, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.label != "" {
		text = "[" + p.label + "] " + text
	}
	line := Arrow.Sprint("-> ") + style.Sprint(text) + "\n"
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprint(p.w, line)
}

// Stepf reports progress.
func (p *Printer) Stepf(format string, args ...any) { p.line(Success, format, args...) }

// Notef reports something the user may want to act on later.
func (p *Printer) Notef(format string, args ...any) { p.line(Note, format, args...) }

// Warnf reports a recovered problem.
func (p *Printer) Warnf(format string, args ...any) { p.line(Warn, format, args...) }

// Failf reports a fatal problem.
func (p *Printer) Failf(format string, args ...any) { p.line(Error, format, args...) }

// Debugf prints only in debug mode.
func (p *Printer) Debugf(format string, args ...any) {
	if debug.Load() {
		p.line(Info, format, args...)
	}
}
