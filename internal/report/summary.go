package report

import (
	"time"

	"github.com/nao1215/torpool/internal/circuit"
)

// maxErrors is the number of distinct error messages kept in a summary.
const maxErrors = 10

// FetchSummary is the outcome of a `torpool fetch` run.
type FetchSummary struct {
	// Target is the requested URL.
	Target string `json:"target"`

	// SessionID is the journal session, if the journal is enabled.
	SessionID string `json:"sessionId,omitempty"`

	// StartedAt is when the pool became ready.
	StartedAt time.Time `json:"startedAt"`

	// Elapsed is the wall time of all requests.
	Elapsed time.Duration `json:"elapsed"`

	// Requests, Succeeded, Failed and Blocked count request outcomes.
	// Blocked requests are also counted as failed.
	Requests  int `json:"requests"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`

	// Bytes is the total body size of successful responses.
	Bytes int64 `json:"bytes"`

	// Title is the page title of the first successful HTML response.
	Title string `json:"title,omitempty"`

	// Errors holds distinct failure messages, at most maxErrors of them.
	Errors []string `json:"errors,omitempty"`

	// Circuits is the state of each circuit at the end of the run.
	Circuits []CircuitStatus `json:"circuits"`
}

// CircuitStatus is the reported view of one circuit.
type CircuitStatus struct {
	Identity   string `json:"identity"`
	ProxyURL   string `json:"proxyUrl"`
	QueryCount int    `json:"queryCount"`
	MaxQueries int    `json:"maxQueries"`
	Operations uint64 `json:"operations"`
	Failures   uint64 `json:"failures"`
	Rotations  uint64 `json:"rotations"`
}

// NewCircuitStatuses converts pool stats for reporting.
func NewCircuitStatuses(stats []circuit.Stats) []CircuitStatus {
	out := make([]CircuitStatus, len(stats))
	for i, s := range stats {
		out[i] = CircuitStatus{
			Identity:   s.Identity,
			ProxyURL:   s.ProxyURL,
			QueryCount: s.QueryCount,
			MaxQueries: s.MaxQueries,
			Operations: s.Operations,
			Failures:   s.Failures,
			Rotations:  s.Rotations,
		}
	}
	return out
}

// Record counts one request outcome.
func (s *FetchSummary) Record(err error, blocked bool) {
	s.Requests++
	if err == nil {
		s.Succeeded++
		return
	}
	s.Failed++
	if blocked {
		s.Blocked++
	}
	msg := err.Error()
	if len(s.Errors) >= maxErrors {
		return
	}
	for _, e := range s.Errors {
		if e == msg {
			return
		}
	}
	s.Errors = append(s.Errors, msg)
}

// SuccessRate returns the share of successful requests in percent.
func (s *FetchSummary) SuccessRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Succeeded) * 100 / float64(s.Requests)
}

// TotalRotations sums the rotations of every circuit.
func (s *FetchSummary) TotalRotations() uint64 {
	var n uint64
	for _, c := range s.Circuits {
		n += c.Rotations
	}
	return n
}
