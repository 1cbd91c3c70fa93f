package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/nao1215/torpool/internal/fault"
	"github.com/nao1215/torpool/internal/tor"
)

// identityFormat names circuits circuit_000, circuit_001, ...
const identityFormat = "circuit_%03d"

// Pool is a Tor daemon shared by a fixed set of circuits. Next hands the
// circuits out round robin.
type Pool struct {
	cfg      Config
	logger   *slog.Logger
	dataDir  string
	ports    tor.PortPair
	daemon   *tor.Daemon
	circuits []*Circuit
	cursor   atomic.Uint64

	releasers []releaser
	closeOnce sync.Once
}

// releaser is one step of the pool's teardown.
type releaser struct {
	name    string
	release func() error
}

// Option configures New.
type Option func(*poolOptions)

type poolOptions struct {
	logger         *slog.Logger
	observers      Observers
	supervisorOpts []tor.SupervisorOption
}

// WithLogger sets the logger for the pool, its circuits and the supervisor.
func WithLogger(logger *slog.Logger) Option {
	return func(o *poolOptions) {
		o.logger = logger
	}
}

// WithObserver adds an observer of circuit events.
func WithObserver(obs Observer) Option {
	return func(o *poolOptions) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithSupervisorOptions passes extra options to the daemon supervisor.
func WithSupervisorOptions(opts ...tor.SupervisorOption) Option {
	return func(o *poolOptions) {
		o.supervisorOpts = append(o.supervisorOpts, opts...)
	}
}

// New starts a daemon and builds cfg.Circuits circuits on it.
//
// A missing tor executable fails before anything is created. Any later
// failure releases what was already acquired.
func New(ctx context.Context, cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := poolOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	supervisorOpts := []tor.SupervisorOption{
		tor.WithExecutable(cfg.Executable),
		tor.WithStartupTimeout(cfg.StartupTimeout),
		tor.WithShutdownGrace(cfg.ShutdownGrace),
		tor.WithCircuitDirtiness(cfg.CircuitDirtiness),
		tor.WithSupervisorLogger(o.logger),
	}
	if cfg.ControlPassword != "" {
		hash, err := tor.HashPassword(cfg.ControlPassword)
		if err != nil {
			return nil, fault.Wrap(fault.KindInvalidConfig, "hash control password", err)
		}
		supervisorOpts = append(supervisorOpts, tor.WithHashedControlPassword(hash))
	}
	supervisor := tor.NewSupervisor(append(supervisorOpts, o.supervisorOpts...)...)

	if _, err := supervisor.Resolve(); err != nil {
		return nil, err
	}

	p := &Pool{cfg: cfg, logger: o.logger}
	fail := func(err error) (*Pool, error) {
		if rerr := p.release(); rerr != nil {
			p.logger.Warn("cleanup after failed pool start was incomplete", "error", rerr)
		}
		return nil, err
	}

	dataDir, err := os.MkdirTemp(cfg.DataDirParent, "torpool-")
	if err != nil {
		return nil, fault.Wrap(fault.KindProcessLaunchFailed, "create data directory", err)
	}
	p.dataDir = dataDir
	p.push("data directory", func() error { return os.RemoveAll(dataDir) })

	ports, err := tor.AllocatePortPair()
	if err != nil {
		return fail(err)
	}
	p.ports = ports

	daemon, err := supervisor.LaunchWithRetry(ctx, dataDir, ports, cfg.Launch)
	if err != nil {
		return fail(err)
	}
	p.daemon = daemon
	p.push("tor daemon", func() error { return supervisor.Teardown(daemon) })

	var observer Observer = o.observers
	for i := range cfg.Circuits {
		c := newCircuit(fmt.Sprintf(identityFormat, i), ports, daemon.CookiePath(), cfg, o.logger, observer)
		p.circuits = append(p.circuits, c)
	}
	p.push("circuits", p.closeCircuits)

	p.logger.Info("circuit pool ready",
		"circuits", cfg.Circuits,
		"proxyAddr", ports.ProxyAddr(),
		"controlAddr", ports.ControlAddr(),
		"dataDir", dataDir,
	)
	return p, nil
}

func (p *Pool) push(name string, release func() error) {
	p.releasers = append(p.releasers, releaser{name: name, release: release})
}

// release runs every releaser in reverse order. A failing step is logged and
// does not stop the rest.
func (p *Pool) release() error {
	var errs []error
	for _, r := range slices.Backward(p.releasers) {
		if err := r.release(); err != nil {
			p.logger.Warn("release failed", "resource", r.name, "error", err)
			errs = append(errs, fmt.Errorf("release %s: %w", r.name, err))
		}
	}
	p.releasers = nil
	return errors.Join(errs...)
}

func (p *Pool) closeCircuits() error {
	var errs []error
	for _, c := range p.circuits {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Next returns the next circuit in round-robin order. It never blocks.
func (p *Pool) Next() *Circuit {
	i := p.cursor.Add(1) - 1
	return p.circuits[i%uint64(len(p.circuits))]
}

// Execute runs op on the next circuit.
func (p *Pool) Execute(ctx context.Context, op Operation) error {
	return p.Next().Execute(ctx, op)
}

// Close closes every circuit, stops the daemon and removes the data
// directory, in that order. Every step runs even if an earlier one fails.
// Only the first call does anything.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.release()
		p.logger.Info("circuit pool closed", "dataDir", p.dataDir)
	})
	return err
}

// Circuits returns the circuits in round-robin order.
func (p *Pool) Circuits() []*Circuit { return slices.Clone(p.circuits) }

// Ports returns the daemon's port pair.
func (p *Pool) Ports() tor.PortPair { return p.ports }

// DataDir returns the daemon's data directory.
func (p *Pool) DataDir() string { return p.dataDir }

// DaemonPID returns the daemon's process id.
func (p *Pool) DaemonPID() int { return p.daemon.PID() }

// ProxyURLs returns the proxy URL of every circuit.
func (p *Pool) ProxyURLs() []string {
	urls := make([]string, len(p.circuits))
	for i, c := range p.circuits {
		urls[i] = c.ProxyURL()
	}
	return urls
}

// Snapshot returns the stats of every circuit.
func (p *Pool) Snapshot() []Stats {
	stats := make([]Stats, len(p.circuits))
	for i, c := range p.circuits {
		stats[i] = c.Snapshot()
	}
	return stats
}
