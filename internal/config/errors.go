package config

import "errors"

// Configuration validation errors returned by Config.Validate.
var (
	// ErrInvalidCircuits is returned when fewer than one circuit is requested.
	ErrInvalidCircuits = errors.New("invalid circuits: must be at least 1")

	// ErrInvalidMaxQueries is returned when the rotation threshold is below 1.
	ErrInvalidMaxQueries = errors.New("invalid max queries: must be at least 1")

	// ErrNoExecutable is returned when the tor executable name is empty.
	ErrNoExecutable = errors.New("no tor executable configured")

	// ErrInvalidTimeout is returned when a startup or control timeout is not
	// positive.
	ErrInvalidTimeout = errors.New("invalid timeout: must be positive")

	// ErrInvalidDelay is returned for a negative interval or delay, or when
	// the maximum delay is below the minimum.
	ErrInvalidDelay = errors.New("invalid delay: must be non-negative and maxDelay must not be below minDelay")

	// ErrInvalidRetries is returned when launch or request attempts are below 1.
	ErrInvalidRetries = errors.New("invalid retries: attempts must be at least 1")

	// ErrInvalidConcurrency is returned when concurrency is below 1.
	ErrInvalidConcurrency = errors.New("invalid concurrency: must be at least 1")
)
