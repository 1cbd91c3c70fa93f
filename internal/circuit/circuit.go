package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nao1215/torpool/internal/fault"
	"github.com/nao1215/torpool/internal/tor"
)

// Operation is caller-supplied work run through a circuit's endpoint.
type Operation func(ctx context.Context, ep *Endpoint) error

// Circuit is one Tor identity: a SOCKS endpoint whose username isolates its
// streams, and a control session used to rotate it.
//
// A Circuit is safe for concurrent use. Rotation is serialized per circuit
// by rotationMu; mu guards the counters and only covers short critical
// sections.
type Circuit struct {
	identity   string
	ports      tor.PortPair
	cookiePath string
	cfg        Config
	isBlocked  func(error) bool
	logger     *slog.Logger
	observer   Observer

	rotationMu sync.Mutex

	mu         sync.Mutex
	endpoint   *Endpoint
	control    *tor.ControlConn
	queryCount int
	lastStart  time.Time
	rotations  uint64
	operations uint64
	failures   uint64
	closed     bool
}

func newCircuit(identity string, ports tor.PortPair, cookiePath string, cfg Config, logger *slog.Logger, observer Observer) *Circuit {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = Observers(nil)
	}
	return &Circuit{
		identity:   identity,
		ports:      ports,
		cookiePath: cookiePath,
		cfg:        cfg,
		isBlocked:  cfg.blockDetector(),
		logger:     logger.With("circuit", identity),
		observer:   observer,
	}
}

// Identity returns the circuit's SOCKS username.
func (c *Circuit) Identity() string { return c.identity }

// ProxyURL returns the socks5h URL of this circuit.
func (c *Circuit) ProxyURL() string {
	return proxyURL(c.identity, c.ports).String()
}

// Execute runs op through the circuit.
//
// The first call sets up the endpoint and the control session; a setup
// failure is returned as is and the next call tries again. Starts are
// spaced at least MinInterval apart. After MaxQueries successes the identity
// is rotated. If op fails with an error the block detector accepts, the
// identity is rotated once and op's error is returned. op's errors are
// never swallowed.
func (c *Circuit) Execute(ctx context.Context, op Operation) error {
	if err := c.ensureSetup(ctx); err != nil {
		return err
	}

	// A previous threshold rotation failed; catch up before running.
	if c.exhausted() {
		if err := c.rotate(ctx, ReasonThreshold); err != nil {
			return err
		}
	}

	if err := c.throttle(ctx); err != nil {
		return err
	}

	ep, err := c.currentEndpoint()
	if err != nil {
		return err
	}

	start := time.Now()
	opErr := op(ctx, ep)
	c.observer.OperationDone(c.identity, time.Since(start), opErr)

	if opErr != nil {
		return c.handleFailure(ctx, opErr)
	}

	if c.recordSuccess() {
		if err := c.rotate(ctx, ReasonThreshold); err != nil {
			return err
		}
	}
	c.pause(ctx, 0)
	return nil
}

// handleFailure rotates on a block signal and returns opErr, joined with the
// rotation error if that failed too.
func (c *Circuit) handleFailure(ctx context.Context, opErr error) error {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()

	if !c.isBlocked(opErr) {
		return opErr
	}

	c.logger.Warn("operation blocked, rotating identity", "error", opErr)
	rotErr := c.rotate(ctx, ReasonBlocked)
	c.pause(ctx, c.cfg.BlockPenalty)
	if rotErr != nil {
		return errors.Join(opErr, rotErr)
	}
	return opErr
}

// ensureSetup lazily creates the endpoint and an authenticated control
// session.
func (c *Circuit) ensureSetup(ctx context.Context) error {
	if ready, err := c.ready(); ready || err != nil {
		return err
	}

	c.rotationMu.Lock()
	defer c.rotationMu.Unlock()

	if ready, err := c.ready(); ready || err != nil {
		return err
	}

	ep, err := NewEndpoint(c.identity, c.ports, c.cfg.RequestTimeout)
	if err != nil {
		return fault.Wrap(fault.KindClientNotInitialized, "create proxy endpoint for "+c.identity, err)
	}
	ctl, err := c.openControl(ctx)
	if err != nil {
		ep.Close()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ep.Close()
		_ = ctl.Close() //nolint:errcheck // Close never fails
		return fault.New(fault.KindClientNotInitialized, "circuit "+c.identity+" is closed")
	}
	if c.endpoint != nil {
		c.endpoint.Close()
	}
	c.endpoint = ep
	c.control = ctl
	c.logger.Debug("circuit ready", "proxyUrl", ep.ProxyURL())
	return nil
}

func (c *Circuit) openControl(ctx context.Context) (*tor.ControlConn, error) {
	ctl := tor.NewControlConn(c.ports.ControlAddr(),
		tor.WithCookiePath(c.cookiePath),
		tor.WithPassword(c.cfg.ControlPassword),
		tor.WithDialTimeout(c.cfg.DialTimeout),
		tor.WithIOTimeout(c.cfg.IOTimeout),
		tor.WithControlLogger(c.logger),
	)
	if err := ctl.Connect(ctx); err != nil {
		_ = ctl.Close() //nolint:errcheck // Close never fails
		return nil, err
	}
	if err := ctl.Authenticate(ctx); err != nil {
		_ = ctl.Close() //nolint:errcheck // Close never fails
		return nil, err
	}
	return ctl, nil
}

func (c *Circuit) ready() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, fault.New(fault.KindClientNotInitialized, "circuit "+c.identity+" is closed")
	}
	return c.control != nil, nil
}

func (c *Circuit) currentEndpoint() (*Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.endpoint == nil {
		return nil, fault.New(fault.KindClientNotInitialized, "circuit "+c.identity+" is not set up")
	}
	return c.endpoint, nil
}

func (c *Circuit) exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryCount >= c.cfg.MaxQueries
}

// recordSuccess counts a successful operation and reports whether the
// rotation threshold was reached.
func (c *Circuit) recordSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations++
	c.queryCount++
	return c.queryCount >= c.cfg.MaxQueries
}

// throttle reserves the next start slot, at least MinInterval after the
// previous one, and sleeps until it.
func (c *Circuit) throttle(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	next := now
	if !c.lastStart.IsZero() {
		if earliest := c.lastStart.Add(c.cfg.MinInterval); earliest.After(now) {
			next = earliest
		}
	}
	c.lastStart = next
	c.mu.Unlock()

	return sleepContext(ctx, time.Until(next))
}

// pause sleeps a random duration in [MinDelay, MaxDelay] plus extra. It
// returns early when ctx is done.
func (c *Circuit) pause(ctx context.Context, extra time.Duration) {
	d := c.cfg.MinDelay + extra
	if spread := c.cfg.MaxDelay - c.cfg.MinDelay; spread > 0 {
		d += rand.N(spread + 1) //nolint:gosec // timing jitter, not security
	}
	_ = sleepContext(ctx, d) //nolint:errcheck // the operation already finished
}

// rotate changes the circuit's identity. Threshold rotations are skipped
// when another caller already rotated, so concurrent callers crossing the
// threshold send a single NEWNYM.
func (c *Circuit) rotate(ctx context.Context, reason RotationReason) error {
	c.rotationMu.Lock()
	defer c.rotationMu.Unlock()

	c.mu.Lock()
	if reason == ReasonThreshold && c.queryCount < c.cfg.MaxQueries {
		c.mu.Unlock()
		return nil
	}
	ctl, closed := c.control, c.closed
	c.mu.Unlock()
	if closed || ctl == nil {
		return fault.New(fault.KindClientNotInitialized, "circuit "+c.identity+" is not set up")
	}

	err := ctl.RotateIdentity(ctx)
	if err == nil {
		err = c.replaceEndpoint()
	}
	c.observer.IdentityRotated(c.identity, reason, err)
	if err != nil {
		c.logger.Warn("identity rotation failed", "reason", reason, "error", err)
		if !ctl.Usable() {
			c.dropControl(ctl)
		}
		return err
	}

	c.logger.Debug("identity rotated", "reason", reason)
	return nil
}

// replaceEndpoint swaps in a fresh endpoint and resets the counter. Must be
// called with rotationMu held.
func (c *Circuit) replaceEndpoint() error {
	ep, err := NewEndpoint(c.identity, c.ports, c.cfg.RequestTimeout)
	if err != nil {
		return fault.Wrap(fault.KindIdentityRotationFailed, "recreate proxy endpoint", err)
	}

	c.mu.Lock()
	old := c.endpoint
	c.endpoint = ep
	c.queryCount = 0
	c.rotations++
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// dropControl forgets a broken control session so the next Execute sets up
// a new one. Must be called with rotationMu held.
func (c *Circuit) dropControl(ctl *tor.ControlConn) {
	c.mu.Lock()
	if c.control == ctl {
		c.control = nil
	}
	c.mu.Unlock()
	_ = ctl.Close() //nolint:errcheck // Close never fails
}

// Close releases the control session and the endpoint. Further calls to
// Execute fail with fault.KindClientNotInitialized.
func (c *Circuit) Close() error {
	c.rotationMu.Lock()
	defer c.rotationMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ctl, ep := c.control, c.endpoint
	c.control, c.endpoint = nil, nil
	c.mu.Unlock()

	if ctl != nil {
		_ = ctl.Close() //nolint:errcheck // Close never fails
	}
	if ep != nil {
		ep.Close()
	}
	return nil
}

// Stats is a point-in-time view of a circuit.
type Stats struct {
	Identity    string
	ProxyURL    string
	QueryCount  int
	MaxQueries  int
	Rotations   uint64
	Operations  uint64
	Failures    uint64
	LastStart   time.Time
	Initialized bool
	Closed      bool
}

// Snapshot returns the circuit's counters.
func (c *Circuit) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Identity:    c.identity,
		ProxyURL:    c.ProxyURL(),
		QueryCount:  c.queryCount,
		MaxQueries:  c.cfg.MaxQueries,
		Rotations:   c.rotations,
		Operations:  c.operations,
		Failures:    c.failures,
		LastStart:   c.lastStart,
		Initialized: c.control != nil,
		Closed:      c.closed,
	}
}

// String returns "circuit_000 (queries 3/15)".
func (c *Circuit) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("%s (queries %d/%d)", c.identity, c.queryCount, c.cfg.MaxQueries)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
