package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/nao1215/torpool/internal/circuit"
	"github.com/nao1215/torpool/internal/retry"
	"github.com/nao1215/torpool/internal/tor"
)

// Default configuration values.
const (
	// AppName is the application name used for XDG directory paths.
	AppName = "torpool"

	// DefaultRetries is the number of attempts `torpool fetch` makes per
	// request, rotating to the next circuit each time.
	DefaultRetries = 3

	// DefaultRetryDelay is the base of the exponential backoff between
	// request attempts.
	DefaultRetryDelay = time.Second

	// DefaultConcurrency is the number of requests `torpool fetch` runs at
	// once. Matching the circuit count keeps one request per identity.
	DefaultConcurrency = circuit.DefaultCircuits
)

// Config holds every option of the torpool command. It is populated from
// defaults, then the YAML file, then command line flags, and passed down
// explicitly.
//
// The struct is flat; yaml tags name the keys accepted in .torpool.yaml.
type Config struct {
	// Circuits is the number of isolated identities in the pool.
	Circuits int `yaml:"circuits"`

	// MaxQueries is the number of successful requests after which a circuit
	// asks Tor for a new identity.
	MaxQueries int `yaml:"maxQueries"`

	// TorExecutable is the tor binary name or path.
	TorExecutable string `yaml:"torExecutable"`

	// DataDirParent is where the per-run daemon data directory is created.
	// Empty means the system temp directory.
	DataDirParent string `yaml:"dataDirParent"`

	// StartupTimeout bounds the wait for tor's control port.
	StartupTimeout time.Duration `yaml:"startupTimeout"`

	// ShutdownGrace is how long tor gets to exit after SIGTERM.
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`

	// CircuitDirtiness is passed to tor as MaxCircuitDirtiness.
	CircuitDirtiness time.Duration `yaml:"circuitDirtiness"`

	// ControlPassword enables password authentication on the control port
	// in addition to the cookie.
	ControlPassword string `yaml:"controlPassword"`

	// LaunchAttempts and LaunchBackoff control retries of the daemon launch.
	LaunchAttempts int           `yaml:"launchAttempts"`
	LaunchBackoff  time.Duration `yaml:"launchBackoff"`

	// DialTimeout and IOTimeout bound the control connection.
	DialTimeout time.Duration `yaml:"dialTimeout"`
	IOTimeout   time.Duration `yaml:"ioTimeout"`

	// MinInterval is the minimum spacing between request starts on one
	// circuit.
	MinInterval time.Duration `yaml:"minInterval"`

	// MinDelay and MaxDelay bound the random pause after each request.
	MinDelay time.Duration `yaml:"minDelay"`
	MaxDelay time.Duration `yaml:"maxDelay"`

	// BlockPenalty is added to the pause after a blocked request.
	BlockPenalty time.Duration `yaml:"blockPenalty"`

	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration `yaml:"requestTimeout"`

	// Retries is the number of attempts per request made by `torpool fetch`.
	Retries int `yaml:"retries"`

	// RetryDelay is the base backoff between request attempts.
	RetryDelay time.Duration `yaml:"retryDelay"`

	// Concurrency is the number of requests `torpool fetch` runs at once.
	Concurrency int `yaml:"concurrency"`

	// JournalDir is where the SQLite session journal lives. Empty disables
	// the journal.
	JournalDir string `yaml:"journalDir"`

	// MetricsAddr, when set, serves Prometheus metrics on that address while
	// a command runs.
	MetricsAddr string `yaml:"metricsAddr"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"-"`

	// JSONLog switches the log output to JSON.
	JSONLog bool `yaml:"jsonLog"`

	// ConfigFilePath is the explicit configuration file, if any.
	ConfigFilePath string `yaml:"-"`
}

// NewConfig returns a Config holding the default values.
func NewConfig() *Config {
	pool := circuit.DefaultConfig()
	return &Config{
		Circuits:         pool.Circuits,
		MaxQueries:       pool.MaxQueries,
		TorExecutable:    tor.DefaultExecutable,
		StartupTimeout:   pool.StartupTimeout,
		ShutdownGrace:    pool.ShutdownGrace,
		CircuitDirtiness: pool.CircuitDirtiness,
		LaunchAttempts:   pool.Launch.MaxAttempts,
		LaunchBackoff:    pool.Launch.BaseDelay,
		DialTimeout:      pool.DialTimeout,
		IOTimeout:        pool.IOTimeout,
		MinInterval:      pool.MinInterval,
		MinDelay:         pool.MinDelay,
		MaxDelay:         pool.MaxDelay,
		BlockPenalty:     pool.BlockPenalty,
		RequestTimeout:   pool.RequestTimeout,
		Retries:          DefaultRetries,
		RetryDelay:       DefaultRetryDelay,
		Concurrency:      DefaultConcurrency,
		JournalDir:       XDGDataDir(),
	}
}

// XDGDataDir returns the XDG data directory for torpool.
// On Linux: ~/.local/share/torpool
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for torpool.
// On Linux: ~/.config/torpool
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c.Circuits < 1 {
		return ErrInvalidCircuits
	}
	if c.MaxQueries < 1 {
		return ErrInvalidMaxQueries
	}
	if c.TorExecutable == "" {
		return ErrNoExecutable
	}
	if c.StartupTimeout <= 0 || c.DialTimeout <= 0 || c.IOTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MinInterval < 0 || c.MinDelay < 0 || c.BlockPenalty < 0 || c.MaxDelay < c.MinDelay {
		return ErrInvalidDelay
	}
	if c.LaunchAttempts < 1 || c.Retries < 1 {
		return ErrInvalidRetries
	}
	if c.Concurrency < 1 {
		return ErrInvalidConcurrency
	}
	return nil
}

// ToCircuitConfig returns the pool configuration described by c.
func (c *Config) ToCircuitConfig() circuit.Config {
	pool := circuit.DefaultConfig()
	pool.Circuits = c.Circuits
	pool.MaxQueries = c.MaxQueries
	pool.Executable = c.TorExecutable
	pool.DataDirParent = c.DataDirParent
	pool.StartupTimeout = c.StartupTimeout
	pool.ShutdownGrace = c.ShutdownGrace
	pool.CircuitDirtiness = c.CircuitDirtiness
	pool.ControlPassword = c.ControlPassword
	pool.Launch = retry.Policy{
		MaxAttempts: c.LaunchAttempts,
		BaseDelay:   c.LaunchBackoff,
		Exponential: true,
	}
	pool.DialTimeout = c.DialTimeout
	pool.IOTimeout = c.IOTimeout
	pool.MinInterval = c.MinInterval
	pool.MinDelay = c.MinDelay
	pool.MaxDelay = c.MaxDelay
	pool.BlockPenalty = c.BlockPenalty
	pool.RequestTimeout = c.RequestTimeout
	return pool
}

// RetryPolicy returns the per-request retry policy used by `torpool fetch`.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retries,
		BaseDelay:   c.RetryDelay,
		Exponential: true,
	}
}
