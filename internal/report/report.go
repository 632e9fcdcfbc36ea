// Package report prints build diagnostics and the end-of-build summary.
package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"github.com/jfilby/intentcode-sub000/internal/schema"
)

type styles struct {
	title   lipgloss.Style
	unit    lipgloss.Style
	muted   lipgloss.Style
	warning lipgloss.Style
	error   lipgloss.Style
	success lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#20B9B4")),
		unit:    r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(lipgloss.Color("#5C7A84")),
		warning: r.NewStyle().Foreground(lipgloss.Color("#F4D03F")),
		error:   r.NewStyle().Foreground(lipgloss.Color("#E74C3C")),
		success: r.NewStyle().Foreground(lipgloss.Color("#2CD7C7")),
	}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// StageResult summarizes one executed stage.
type StageResult struct {
	Stage               string
	Units               int
	Cached              int
	Generated           int
	DependenciesChanged bool
	Duration            time.Duration
}

// Printer writes diagnostics as units report them. It is safe for concurrent
// use and implements runner.Sink.
type Printer struct {
	mu       sync.Mutex
	w        io.Writer
	st       styles
	warnings int
	errors   int
}

// New returns a Printer. Colour is used only when w is a terminal.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	if !IsTerminal(w) {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{w: w, st: newStyles(r)}
}

// Report prints the warnings and errors of one unit.
func (p *Printer) Report(unit, tool string, d schema.Diagnostics) {
	if len(d.Warnings) == 0 && len(d.Errors) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.warnings += len(d.Warnings)
	p.errors += len(d.Errors)
	fmt.Fprintf(p.w, "%s %s\n", p.st.unit.Render(unit), p.st.muted.Render("("+tool+")"))
	for _, m := range d.Warnings {
		fmt.Fprintf(p.w, "  %s %s\n", p.st.warning.Render("warning:"), m)
	}
	for _, m := range d.Errors {
		fmt.Fprintf(p.w, "  %s %s\n", p.st.error.Render("error:"), m)
	}
}

// Counts returns the number of warnings and errors reported so far.
func (p *Printer) Counts() (warnings, errors int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warnings, p.errors
}

// Stage prints one line for a finished stage.
func (p *Printer) Stage(r StageResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := fmt.Sprintf("%-14s %3d units  %3d cached  %3d generated  %s",
		r.Stage, r.Units, r.Cached, r.Generated, r.Duration.Round(time.Millisecond))
	if r.DependenciesChanged {
		line += "  " + p.st.warning.Render("dependencies changed")
	}
	fmt.Fprintln(p.w, p.st.muted.Render("• ")+line)
}

// Summary prints the closing line of a build.
func (p *Printer) Summary(err error, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := fmt.Sprintf("%d warning(s), %d error(s) in %s", p.warnings, p.errors, elapsed.Round(time.Millisecond))
	if err != nil {
		fmt.Fprintf(p.w, "%s %s\n  %v\n", p.st.error.Render("✗ build failed:"), counts, err)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.st.success.Render("✓ build complete:"), counts)
}

// Title prints a heading.
func (p *Printer) Title(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, p.st.title.Render(text))
}

// Table prints name/value rows with aligned values.
func (p *Printer) Table(rows map[string]string) {
	names := make([]string, 0, len(rows))
	width := 0
	for name := range rows {
		names = append(names, name)
		width = max(width, len(name))
	}
	sort.Strings(names)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range names {
		fmt.Fprintf(p.w, "  %-*s  %s\n", width, name, p.st.muted.Render(rows[name]))
	}
}
