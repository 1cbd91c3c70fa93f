package report

import (
	"io"
	"strings"
	"time"

	"github.com/nao1215/torpool/internal/journal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// SimpleWriter outputs human-readable text for terminal display.
// Counts are printed with the digit grouping of the configured language.
type SimpleWriter struct {
	baseWriter

	// printer formats numbers for the configured language.
	printer *message.Printer

	// verbose adds the per-circuit table and the error list.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithVerbose enables the per-circuit details.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// WithLanguage selects the number formatting language. English is the default.
func WithLanguage(tag language.Tag) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.printer = message.NewPrinter(tag)
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		baseWriter: newBaseWriter(output),
		printer:    message.NewPrinter(language.English),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteFetch outputs the fetch summary.
func (w *SimpleWriter) WriteFetch(s *FetchSummary) (int, error) {
	var sb strings.Builder
	p := w.printer

	sb.WriteString(separator('='))
	sb.WriteString("torpool fetch report\n")
	sb.WriteString(separator('='))
	p.Fprintf(&sb, "Target:      %s\n", s.Target)
	if s.Title != "" {
		p.Fprintf(&sb, "Title:       %s\n", s.Title)
	}
	if s.SessionID != "" {
		p.Fprintf(&sb, "Session:     %s\n", s.SessionID)
	}
	p.Fprintf(&sb, "Elapsed:     %s\n", s.Elapsed.Round(time.Millisecond))
	p.Fprintf(&sb, "Requests:    %d\n", s.Requests)
	p.Fprintf(&sb, "Succeeded:   %d (%.1f%%)\n", s.Succeeded, s.SuccessRate())
	p.Fprintf(&sb, "Failed:      %d\n", s.Failed)
	p.Fprintf(&sb, "Blocked:     %d\n", s.Blocked)
	p.Fprintf(&sb, "Received:    %d bytes\n", s.Bytes)
	p.Fprintf(&sb, "Circuits:    %d\n", len(s.Circuits))
	p.Fprintf(&sb, "Rotations:   %d\n", s.TotalRotations())

	if w.verbose && len(s.Circuits) > 0 {
		sb.WriteString("\n")
		sb.WriteString(separator('-'))
		p.Fprintf(&sb, "%-12s %-10s %10s %10s %10s\n", "CIRCUIT", "QUERIES", "OPS", "FAILURES", "ROTATIONS")
		sb.WriteString(separator('-'))
		for _, c := range s.Circuits {
			p.Fprintf(&sb, "%-12s %-10s %10d %10d %10d\n",
				c.Identity,
				p.Sprintf("%d/%d", c.QueryCount, c.MaxQueries),
				c.Operations, c.Failures, c.Rotations)
		}
	}

	if w.verbose && len(s.Errors) > 0 {
		sb.WriteString("\nErrors:\n")
		for _, e := range s.Errors {
			sb.WriteString("  - " + e + "\n")
		}
	}

	return io.WriteString(w.output, sb.String())
}

// WriteHistory outputs one line per session.
func (w *SimpleWriter) WriteHistory(sessions []journal.Session) (int, error) {
	var sb strings.Builder
	p := w.printer

	if len(sessions) == 0 {
		return io.WriteString(w.output, "No sessions recorded.\n")
	}

	p.Fprintf(&sb, "%-36s %-8s %-20s %10s %8s %10s %9s %10s\n",
		"SESSION", "COMMAND", "STARTED", "DURATION", "CIRCUITS", "OPS", "FAILURES", "ROTATIONS")
	for _, s := range sessions {
		p.Fprintf(&sb, "%-36s %-8s %-20s %10s %8d %10d %9d %10d\n",
			s.ID,
			s.Command,
			s.StartedAt.Local().Format(time.DateTime),
			formatDuration(s),
			s.Circuits,
			s.Operations, s.Failures, s.Rotations)
	}
	return io.WriteString(w.output, sb.String())
}

func separator(c byte) string {
	return strings.Repeat(string(c), 60) + "\n"
}

// formatDuration renders a session duration, or "running" for sessions
// without an end time.
func formatDuration(s journal.Session) string {
	if s.EndedAt.IsZero() {
		return "running"
	}
	return s.Duration().Round(time.Millisecond).String()
}
