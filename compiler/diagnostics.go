package compiler

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Severity classifies a diagnostic.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "error"
}

// Diagnostic is one message produced while compiling.
type Diagnostic struct {
	Severity Severity
	Source   string // path of the source file, "" when not tied to a file
	Pos      Position
	Message  string
}

func (d Diagnostic) String() string {
	if d.Source == "" {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s: %s", d.Source, d.Pos.Line, d.Pos.Column, d.Severity, d.Message)
}

// Diagnostics is the ordered list of messages for one compilation.
type Diagnostics []Diagnostic

// Errorf appends an error diagnostic.
func (ds *Diagnostics) Errorf(source string, pos Position, format string, args ...any) {
	*ds = append(*ds, Diagnostic{Severity: SeverityError, Source: source, Pos: pos, Message: fmt.Sprintf(format, args...)})
}

// Warnf appends a warning diagnostic.
func (ds *Diagnostics) Warnf(source string, pos Position, format string, args ...any) {
	*ds = append(*ds, Diagnostic{Severity: SeverityWarning, Source: source, Pos: pos, Message: fmt.Sprintf(format, args...)})
}

// HasErrors reports whether any diagnostic is an error.
func (ds Diagnostics) HasErrors() bool {
	for _, d := range ds {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error diagnostics.
func (ds Diagnostics) Errors() Diagnostics {
	var out Diagnostics
	for _, d := range ds {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

func (ds Diagnostics) String() string {
	lines := make([]string, len(ds))
	for i, d := range ds {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

type diagStyles struct {
	err, warn, gutter, caret, bold lipgloss.Style
}

func newDiagStyles(w io.Writer) diagStyles {
	r := lipgloss.NewRenderer(w)
	return diagStyles{
		err:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		warn:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		gutter: r.NewStyle().Foreground(lipgloss.Color("12")),
		caret:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		bold:   r.NewStyle().Bold(true),
	}
}

// Emit renders every diagnostic to w with a source excerpt when the file is
// in sources. Color is only used when w is a terminal.
func (ds Diagnostics) Emit(w io.Writer, sources *Sources) error {
	if w == nil || len(ds) == 0 {
		return nil
	}
	st := newDiagStyles(w)
	var b strings.Builder
	for _, d := range ds {
		label := st.err.Render(d.Severity.String())
		if d.Severity == SeverityWarning {
			label = st.warn.Render(d.Severity.String())
		}
		fmt.Fprintf(&b, "%s: %s\n", label, st.bold.Render(d.Message))
		if d.Source == "" {
			continue
		}
		num := strconv.Itoa(d.Pos.Line)
		pad := strings.Repeat(" ", len(num))
		fmt.Fprintf(&b, "%s%s %s:%d:%d\n", pad, st.gutter.Render("-->"), d.Source, d.Pos.Line, d.Pos.Column)

		src, ok := sources.Lookup(d.Source)
		if !ok {
			continue
		}
		line := src.Line(d.Pos.Line)
		if line == "" {
			continue
		}
		col := d.Pos.Column
		if col < 1 {
			col = 1
		}
		fmt.Fprintf(&b, "%s %s\n", pad, st.gutter.Render("|"))
		fmt.Fprintf(&b, "%s %s %s\n", st.gutter.Render(num), st.gutter.Render("|"), line)
		fmt.Fprintf(&b, "%s %s %s%s\n", pad, st.gutter.Render("|"), caretIndent(line, col), st.caret.Render("^"))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// caretIndent returns the whitespace that lines a caret up under byte
// column col of line, keeping tabs so the alignment survives.
func caretIndent(line string, col int) string {
	var sb strings.Builder
	for i, r := range line {
		if i >= col-1 {
			break
		}
		if r == '\t' {
			sb.WriteByte('\t')
		} else {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}
