package report

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"
	"github.com/nao1215/torpool/internal/journal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MarkdownWriter outputs GitHub flavored Markdown, suitable for issues and
// CI job summaries.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{baseWriter: newBaseWriter(output)}
}

// WriteFetch outputs the fetch summary as Markdown.
func (w *MarkdownWriter) WriteFetch(s *FetchSummary) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, s)
	w.writeOutcome(md, s)
	w.writeCircuits(md, s)
	w.writeErrors(md, s)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, s *FetchSummary) {
	md.H1("torpool Fetch Report")
	md.PlainText("")

	rows := [][]string{
		{"Target", "`" + s.Target + "`"},
		{"Started", s.StartedAt.Format("2006-01-02 15:04:05 MST")},
		{"Elapsed", s.Elapsed.Round(time.Millisecond).String()},
		{"Circuits", strconv.Itoa(len(s.Circuits))},
	}
	if s.Title != "" {
		rows = append(rows, []string{"Page Title", s.Title})
	}
	if s.SessionID != "" {
		rows = append(rows, []string{"Session", "`" + s.SessionID + "`"})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeOutcome(md *markdown.Markdown, s *FetchSummary) {
	md.H2("Outcome")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Outcome", "Count"},
		Rows: [][]string{
			{"✅ Succeeded", strconv.Itoa(s.Succeeded)},
			{"❌ Failed", strconv.Itoa(s.Failed - s.Blocked)},
			{"🚫 Blocked", strconv.Itoa(s.Blocked)},
			{"**Total**", "**" + strconv.Itoa(s.Requests) + "**"},
		},
	})
	md.PlainText("")

	if s.Requests > 0 {
		w.writePieChart(md, s)
	}
	w.writeAlert(md, s)
}

func (w *MarkdownWriter) writePieChart(md *markdown.Markdown, s *FetchSummary) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Request Outcomes"),
		piechart.WithShowData(true),
	)
	if s.Succeeded > 0 {
		chart.LabelAndIntValue("Succeeded", uint64(s.Succeeded))
	}
	if n := s.Failed - s.Blocked; n > 0 {
		chart.LabelAndIntValue("Failed", uint64(n))
	}
	if s.Blocked > 0 {
		chart.LabelAndIntValue("Blocked", uint64(s.Blocked))
	}

	md.PlainText("")
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, s *FetchSummary) {
	switch {
	case s.Requests == 0:
		md.Note("No requests were made.")
	case s.Succeeded == 0:
		md.Cautionf("All %d requests failed.", s.Requests)
	case s.Blocked > 0:
		md.Warningf("%d of %d requests were blocked; %d identity rotations were made.",
			s.Blocked, s.Requests, s.TotalRotations())
	case s.Failed > 0:
		md.Importantf("%d of %d requests failed.", s.Failed, s.Requests)
	default:
		md.Tip("All requests succeeded.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeCircuits(md *markdown.Markdown, s *FetchSummary) {
	md.H2("Circuits")
	md.PlainText("")
	if len(s.Circuits) == 0 {
		md.PlainText("No circuits.")
		md.PlainText("")
		return
	}

	rows := make([][]string, 0, len(s.Circuits))
	for _, c := range s.Circuits {
		rows = append(rows, []string{
			"`" + c.Identity + "`",
			strconv.Itoa(c.QueryCount) + "/" + strconv.Itoa(c.MaxQueries),
			strconv.FormatUint(c.Operations, 10),
			strconv.FormatUint(c.Failures, 10),
			strconv.FormatUint(c.Rotations, 10),
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Circuit", "Queries", "Operations", "Failures", "Rotations"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeErrors(md *markdown.Markdown, s *FetchSummary) {
	if len(s.Errors) == 0 {
		return
	}
	md.Details("Errors ("+strconv.Itoa(len(s.Errors))+")", strings.Join(s.Errors, "\n\n"))
	md.PlainText("")
}

func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by [torpool](https://github.com/nao1215/torpool)*")
}

// WriteHistory outputs the sessions as a Markdown table.
func (w *MarkdownWriter) WriteHistory(sessions []journal.Session) (int, error) {
	md := markdown.NewMarkdown(w.output)
	md.H1("torpool Sessions")
	md.PlainText("")

	if len(sessions) == 0 {
		md.Note("No sessions recorded.")
		return len(md.String()), md.Build()
	}

	title := cases.Title(language.English)
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			"`" + s.ID + "`",
			title.String(s.Command),
			s.StartedAt.Format("2006-01-02 15:04:05 MST"),
			formatDuration(s),
			strconv.Itoa(s.Circuits),
			strconv.FormatInt(s.Operations, 10),
			strconv.FormatInt(s.Failures, 10),
			strconv.FormatInt(s.Rotations, 10),
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Session", "Command", "Started", "Duration", "Circuits", "Operations", "Failures", "Rotations"},
		Rows:   rows,
	})
	md.PlainText("")
	return len(md.String()), md.Build()
}
