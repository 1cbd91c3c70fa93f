package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/nao1215/torpool/internal/journal"
)

// JSONWriter outputs results in JSON format for tool integration.
type JSONWriter struct {
	baseWriter

	// indent enables pretty-printed output.
	indent bool

	indentPrefix string
	indentString string
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithIndent enables pretty-printed JSON output.
func WithIndent(prefix, indent string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
		w.indentPrefix = prefix
		w.indentString = indent
	}
}

// WithPrettyPrint is WithIndent("", "  ").
func WithPrettyPrint() JSONWriterOption {
	return WithIndent("", "  ")
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// fetchJSON adds derived values to a FetchSummary.
type fetchJSON struct {
	*FetchSummary
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	SuccessRate    float64 `json:"successRate"`
	Rotations      uint64  `json:"rotations"`
}

// WriteFetch outputs the fetch summary.
func (w *JSONWriter) WriteFetch(s *FetchSummary) (int, error) {
	return w.writeJSON(fetchJSON{
		FetchSummary:   s,
		ElapsedSeconds: s.Elapsed.Seconds(),
		SuccessRate:    s.SuccessRate(),
		Rotations:      s.TotalRotations(),
	})
}

// sessionJSON is the JSON shape of a journal session.
type sessionJSON struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Circuits    int        `json:"circuits"`
	MaxQueries  int        `json:"maxQueries"`
	DaemonPID   int        `json:"daemonPid,omitempty"`
	ProxyPort   int        `json:"proxyPort,omitempty"`
	ControlPort int        `json:"controlPort,omitempty"`
	Operations  int64      `json:"operations"`
	Failures    int64      `json:"failures"`
	Rotations   int64      `json:"rotations"`
}

// WriteHistory outputs the sessions as a JSON array.
func (w *JSONWriter) WriteHistory(sessions []journal.Session) (int, error) {
	out := make([]sessionJSON, len(sessions))
	for i, s := range sessions {
		out[i] = sessionJSON{
			ID:          s.ID,
			Command:     s.Command,
			StartedAt:   s.StartedAt,
			Circuits:    s.Circuits,
			MaxQueries:  s.MaxQueries,
			DaemonPID:   s.DaemonPID,
			ProxyPort:   s.ProxyPort,
			ControlPort: s.ControlPort,
			Operations:  s.Operations,
			Failures:    s.Failures,
			Rotations:   s.Rotations,
		}
		if !s.EndedAt.IsZero() {
			ended := s.EndedAt
			out[i].EndedAt = &ended
		}
	}
	return w.writeJSON(out)
}

// writeJSON marshals v and writes it with a trailing newline.
func (w *JSONWriter) writeJSON(v any) (int, error) {
	var data []byte
	var err error

	if w.indent {
		data, err = json.MarshalIndent(v, w.indentPrefix, w.indentString)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return 0, err
	}

	data = append(data, '\n')
	return w.output.Write(data)
}
