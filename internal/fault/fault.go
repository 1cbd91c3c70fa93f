package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a class of domain failure.
// A Kind is itself an error so callers can match it with errors.Is
// regardless of how many layers of wrapping sit in between.
type Kind string

// Error implements the error interface.
func (k Kind) Error() string { return string(k) }

// Domain failure kinds.
const (
	// KindExecutableNotFound means the daemon binary could not be resolved.
	// It is permanent and never retried.
	KindExecutableNotFound = Kind("ExecutableNotFound")

	// KindProcessLaunchFailed means the daemon could not be spawned or exited
	// before becoming ready.
	KindProcessLaunchFailed = Kind("ProcessLaunchFailed")

	// KindPortBindFailed means the daemon (or the allocator) could not bind a
	// local port. Usually transient.
	KindPortBindFailed = Kind("PortBindFailed")

	// KindProcessStartupTimeout means the control port did not open within
	// the startup timeout.
	KindProcessStartupTimeout = Kind("ProcessStartupTimeout")

	// KindProcessTeardownFailed means the daemon could not be killed.
	KindProcessTeardownFailed = Kind("ProcessTeardownFailed")

	// KindControlConnectionFailed means the control socket could not be
	// opened, or a command was issued without one.
	KindControlConnectionFailed = Kind("ControlConnectionFailed")

	// KindControlAuthenticationFailed means AUTHENTICATE was rejected.
	KindControlAuthenticationFailed = Kind("ControlAuthenticationFailed")

	// KindControlCommandFailed means a control command failed on the wire or
	// returned a non-250 reply.
	KindControlCommandFailed = Kind("ControlCommandFailed")

	// KindIdentityRotationFailed means SIGNAL NEWNYM did not succeed.
	KindIdentityRotationFailed = Kind("IdentityRotationFailed")

	// KindCallerOperationFailed wraps a failure of caller-supplied work once
	// retries are exhausted.
	KindCallerOperationFailed = Kind("CallerOperationFailed")

	// KindClientNotInitialized means an operation was attempted on a circuit
	// that is not set up (or already closed).
	KindClientNotInitialized = Kind("ClientNotInitialized")

	// KindInvalidConfig means pool construction was given unusable settings.
	KindInvalidConfig = Kind("InvalidConfig")
)

// Error is a domain error: a stable Kind, a human-readable detail and an
// optional lower-level cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// Error returns "detail: cause" or just the detail.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Detail
	}
	return e.Detail + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns a domain error without a cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf is New with fmt formatting for the detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap returns a domain error carrying cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}

// KindOf returns the kind of the outermost domain error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// IsDomain reports whether err already carries a domain kind.
func IsDomain(err error) bool {
	_, ok := KindOf(err)
	return ok
}
