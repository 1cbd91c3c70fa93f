package circuit

import (
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/torpool/internal/fault"
	"github.com/nao1215/torpool/internal/retry"
	"github.com/nao1215/torpool/internal/tor"
)

// Pool defaults.
const (
	DefaultCircuits       = 3
	DefaultMaxQueries     = 15
	DefaultMinInterval    = 100 * time.Millisecond
	DefaultMinDelay       = 100 * time.Millisecond
	DefaultMaxDelay       = time.Second
	DefaultBlockPenalty   = 500 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
	DefaultLaunchDelay    = 2 * time.Second
)

// Config describes a pool and the circuits in it.
type Config struct {
	// Circuits is the number of identities sharing the daemon.
	Circuits int
	// MaxQueries is the number of successful operations after which a
	// circuit rotates its identity.
	MaxQueries int

	// Executable is the tor binary name or path.
	Executable string
	// DataDirParent is where the per-pool data directory is created. Empty
	// means os.TempDir().
	DataDirParent string
	// StartupTimeout bounds the wait for the control port.
	StartupTimeout time.Duration
	// ShutdownGrace is the SIGTERM grace period on teardown.
	ShutdownGrace time.Duration
	// CircuitDirtiness is tor's MaxCircuitDirtiness.
	CircuitDirtiness time.Duration
	// ControlPassword additionally enables password authentication.
	ControlPassword string
	// Launch is the retry policy for starting the daemon.
	Launch retry.Policy

	// DialTimeout bounds the control connection.
	DialTimeout time.Duration
	// IOTimeout bounds each control command.
	IOTimeout time.Duration

	// MinInterval is the minimum spacing between operation starts on one
	// circuit.
	MinInterval time.Duration
	// MinDelay and MaxDelay bound the random pause after each operation.
	MinDelay time.Duration
	MaxDelay time.Duration
	// BlockPenalty is added to the pause after a blocked operation.
	BlockPenalty time.Duration
	// RequestTimeout bounds requests made with Endpoint.HTTPClient.
	RequestTimeout time.Duration

	// BlockDetector decides whether an operation error means the exit was
	// blocked or rate limited. Defaults to IsBlocked.
	BlockDetector func(error) bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Circuits:         DefaultCircuits,
		MaxQueries:       DefaultMaxQueries,
		Executable:       tor.DefaultExecutable,
		StartupTimeout:   tor.DefaultStartupTimeout,
		ShutdownGrace:    tor.DefaultShutdownGrace,
		CircuitDirtiness: tor.DefaultCircuitDirtiness,
		Launch: retry.Policy{
			MaxAttempts: retry.DefaultMaxAttempts,
			BaseDelay:   DefaultLaunchDelay,
			Exponential: true,
		},
		DialTimeout:    tor.DefaultDialTimeout,
		IOTimeout:      tor.DefaultIOTimeout,
		MinInterval:    DefaultMinInterval,
		MinDelay:       DefaultMinDelay,
		MaxDelay:       DefaultMaxDelay,
		BlockPenalty:   DefaultBlockPenalty,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Validate reports unusable settings as fault.KindInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if c.Circuits < 1 {
		errs = append(errs, fmt.Errorf("circuits must be at least 1, got %d", c.Circuits))
	}
	if c.MaxQueries < 1 {
		errs = append(errs, fmt.Errorf("max queries must be at least 1, got %d", c.MaxQueries))
	}
	if c.StartupTimeout <= 0 {
		errs = append(errs, errors.New("startup timeout must be positive"))
	}
	if c.MinInterval < 0 || c.MinDelay < 0 || c.BlockPenalty < 0 {
		errs = append(errs, errors.New("intervals and delays must not be negative"))
	}
	if c.MaxDelay < c.MinDelay {
		errs = append(errs, fmt.Errorf("max delay %s is below min delay %s", c.MaxDelay, c.MinDelay))
	}
	if len(errs) > 0 {
		return fault.Wrap(fault.KindInvalidConfig, "invalid pool configuration", errors.Join(errs...))
	}
	return nil
}

func (c Config) blockDetector() func(error) bool {
	if c.BlockDetector != nil {
		return c.BlockDetector
	}
	return IsBlocked
}
