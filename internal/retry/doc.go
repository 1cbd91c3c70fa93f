// Package retry provides a bounded retry policy with optional exponential
// backoff and jitter.
//
// The policy is shared by daemon launch and by caller-level operations. When
// attempts are exhausted, or the failure kind is listed as non-retryable, the
// last error is returned: unchanged when it already carries a fault.Kind,
// otherwise wrapped as fault.KindCallerOperationFailed.
package retry
