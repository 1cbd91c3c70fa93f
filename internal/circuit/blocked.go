package circuit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// IsBlocked reports whether err looks like the exit was blocked or rate
// limited. It checks a structured status (403 or 429) anywhere in the chain
// first and then falls back to looking for "403" in the message.
//
// The text match is a narrow heuristic and will miss blocks reported in
// other ways; pass Config.BlockDetector for anything better.
func IsBlocked(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusForbidden, http.StatusTooManyRequests:
			return true
		}
	}
	return strings.Contains(err.Error(), "403")
}

// StatusError is an error for a non-2xx HTTP response. It satisfies
// StatusCoder so IsBlocked can see the status.
type StatusError struct {
	Code int
	URL  string
}

// Error returns "<url>: 403 Forbidden".
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// StatusCode implements StatusCoder.
func (e *StatusError) StatusCode() int { return e.Code }
