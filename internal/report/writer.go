package report

import (
	"io"

	"github.com/nao1215/torpool/internal/journal"
)

// Writer renders torpool results.
type Writer interface {
	// WriteFetch outputs the summary of a fetch run.
	WriteFetch(summary *FetchSummary) (int, error)

	// WriteHistory outputs journal sessions, newest first.
	WriteHistory(sessions []journal.Session) (int, error)
}

// MultiWriter writes to multiple Writers, for example the terminal and a
// file.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// WriteFetch writes to every Writer and stops at the first error.
func (m *MultiWriter) WriteFetch(summary *FetchSummary) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.WriteFetch(summary)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteHistory writes to every Writer and stops at the first error.
func (m *MultiWriter) WriteHistory(sessions []journal.Session) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.WriteHistory(sessions)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}
