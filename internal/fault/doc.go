// Package fault defines the error taxonomy shared by the daemon supervisor,
// the control protocol client, circuits and the retry policy.
//
// Every error that crosses the core boundary is a *Error carrying a stable
// Kind. Socket and process errors are wrapped, never returned raw:
//
//	if errors.Is(err, fault.KindExecutableNotFound) {
//	    // install tor
//	}
package fault
