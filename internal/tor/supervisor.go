package tor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nao1215/torpool/internal/fault"
	"github.com/nao1215/torpool/internal/retry"
	"github.com/shirou/gopsutil/v4/process"
)

// Supervisor defaults.
const (
	// DefaultExecutable is looked up on PATH.
	DefaultExecutable = "tor"

	// DefaultStartupTimeout bounds the wait for the control port.
	DefaultStartupTimeout = 10 * time.Second

	// DefaultShutdownGrace is how long a SIGTERM'd daemon may take to exit
	// before it is killed.
	DefaultShutdownGrace = 5 * time.Second

	// DefaultPollInterval is the control port probe interval during startup.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultCircuitDirtiness is passed as MaxCircuitDirtiness.
	DefaultCircuitDirtiness = 10 * time.Minute

	// CookieFileName is the file tor writes into its data directory when
	// CookieAuthentication is enabled.
	CookieFileName = "control_auth_cookie"

	// maxCapturedOutput caps each captured stream.
	maxCapturedOutput = 64 * 1024

	// outputDrainDelay bounds how long a reaped daemon's output pipes may
	// stay open. Descendants inherit them and can outlive the daemon.
	outputDrainDelay = 250 * time.Millisecond
)

// bindFailureMarkers identify a daemon that died because a port was taken.
var bindFailureMarkers = []string{
	"Could not bind",
	"Address already in use",
	"Failed to bind",
}

// Supervisor launches and tears down tor daemons.
type Supervisor struct {
	executable     string
	startupTimeout time.Duration
	shutdownGrace  time.Duration
	pollInterval   time.Duration
	dirtiness      time.Duration
	hashedPassword string
	extraArgs      []string
	env            []string
	logger         *slog.Logger

	lookPath func(file string) (string, error)
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithExecutable sets the daemon binary name or path.
func WithExecutable(name string) SupervisorOption {
	return func(s *Supervisor) {
		if name != "" {
			s.executable = name
		}
	}
}

// WithStartupTimeout sets the maximum wait for the control port.
func WithStartupTimeout(timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if timeout > 0 {
			s.startupTimeout = timeout
		}
	}
}

// WithShutdownGrace sets how long Teardown waits after SIGTERM.
func WithShutdownGrace(grace time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if grace > 0 {
			s.shutdownGrace = grace
		}
	}
}

// WithPollInterval sets the control port probe interval.
func WithPollInterval(interval time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithCircuitDirtiness sets MaxCircuitDirtiness.
func WithCircuitDirtiness(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d >= time.Second {
			s.dirtiness = d
		}
	}
}

// WithHashedControlPassword enables password authentication on the control
// port in addition to the cookie. The value must come from HashPassword.
func WithHashedControlPassword(hash string) SupervisorOption {
	return func(s *Supervisor) {
		s.hashedPassword = hash
	}
}

// WithExtraArgs appends raw daemon arguments.
func WithExtraArgs(args ...string) SupervisorOption {
	return func(s *Supervisor) {
		s.extraArgs = append(s.extraArgs, args...)
	}
}

// WithEnv appends KEY=value pairs to the daemon's environment.
func WithEnv(env ...string) SupervisorOption {
	return func(s *Supervisor) {
		s.env = append(s.env, env...)
	}
}

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		executable:     DefaultExecutable,
		startupTimeout: DefaultStartupTimeout,
		shutdownGrace:  DefaultShutdownGrace,
		pollInterval:   DefaultPollInterval,
		dirtiness:      DefaultCircuitDirtiness,
		lookPath:       exec.LookPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Resolve returns the absolute path of the daemon binary.
// A missing binary is permanent: fault.KindExecutableNotFound.
func (s *Supervisor) Resolve() (string, error) {
	path, err := s.lookPath(s.executable)
	if err != nil {
		return "", fault.Wrap(fault.KindExecutableNotFound,
			fmt.Sprintf("%s executable not found in PATH; please install Tor", s.executable), err)
	}
	return path, nil
}

// Args returns the daemon command line (without the binary).
func (s *Supervisor) Args(dataDir string, ports PortPair) []string {
	args := []string{
		"--DataDirectory", dataDir,
		"--SocksPort", ports.ProxyAddr() + " IsolateSOCKSAuth",
		"--ControlPort", ports.ControlAddr(),
		"--CookieAuthentication", "1",
		"--MaxCircuitDirtiness", strconv.Itoa(int(s.dirtiness / time.Second)),
		"--Log", "notice stderr",
	}
	if s.hashedPassword != "" {
		args = append(args, "--HashedControlPassword", s.hashedPassword)
	}
	return append(args, s.extraArgs...)
}

// Launch starts a daemon and waits until its control port accepts
// connections.
func (s *Supervisor) Launch(ctx context.Context, dataDir string, ports PortPair) (*Daemon, error) {
	path, err := s.Resolve()
	if err != nil {
		return nil, err
	}

	args := s.Args(dataDir, ports)
	cmd := exec.Command(path, args...) //nolint:gosec // binary path comes from configuration
	d := &Daemon{
		cmd:     cmd,
		ports:   ports,
		dataDir: dataDir,
		stdout:  &outputBuffer{},
		stderr:  &outputBuffer{},
		done:    make(chan struct{}),
	}
	cmd.Stdout = d.stdout
	cmd.Stderr = d.stderr
	cmd.WaitDelay = outputDrainDelay
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}

	s.logger.Debug("launching tor daemon",
		"executable", path,
		"dataDir", dataDir,
		"proxyPort", ports.Proxy,
		"controlPort", ports.Control,
	)

	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.KindProcessLaunchFailed, "failed to launch tor daemon", err)
	}
	d.pid = cmd.Process.Pid
	go d.wait()

	// The daemon may die immediately, e.g. on a bad argument.
	select {
	case <-d.done:
		return nil, d.exitError()
	default:
	}

	if err := s.waitReady(ctx, d); err != nil {
		if terr := s.stop(d, false); terr != nil {
			s.logger.Warn("failed to stop tor daemon after startup failure", "pid", d.pid, "error", terr)
		}
		return nil, err
	}

	s.logger.Info("tor daemon ready",
		"pid", d.pid,
		"proxyAddr", ports.ProxyAddr(),
		"controlAddr", ports.ControlAddr(),
	)
	return d, nil
}

// LaunchWithRetry runs Launch under policy. Missing executables are never
// retried.
func (s *Supervisor) LaunchWithRetry(ctx context.Context, dataDir string, ports PortPair, policy retry.Policy) (*Daemon, error) {
	policy.NonRetryable = slices.Concat(policy.NonRetryable, []fault.Kind{fault.KindExecutableNotFound})
	if policy.Logger == nil {
		policy.Logger = s.logger
	}
	return retry.Do(ctx, policy, func(ctx context.Context) (*Daemon, error) {
		return s.Launch(ctx, dataDir, ports)
	})
}

// waitReady polls the control port until it accepts a connection.
func (s *Supervisor) waitReady(ctx context.Context, d *Daemon) error {
	deadline := time.NewTimer(s.startupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	addr := d.ports.ControlAddr()
	for {
		if portOpen(ctx, addr, s.pollInterval) {
			return nil
		}

		select {
		case <-d.done:
			return d.exitError()
		case <-ctx.Done():
			return fault.Wrap(fault.KindProcessLaunchFailed, "tor startup cancelled", ctx.Err())
		case <-deadline.C:
			return fault.New(fault.KindProcessStartupTimeout,
				fmt.Sprintf("tor startup timeout after %s%s", s.startupTimeout, d.outputDetail()))
		case <-ticker.C:
		}
	}
}

// Teardown stops the daemon: SIGTERM, a grace period, then SIGKILL, and
// finally any descendants still alive. It is idempotent and returns nil for
// a daemon that already exited.
func (s *Supervisor) Teardown(d *Daemon) error {
	return s.stop(d, true)
}

// stop runs the teardown once per daemon. Without graceful the daemon is
// killed right away.
func (s *Supervisor) stop(d *Daemon, graceful bool) error {
	if d == nil {
		return nil
	}
	d.teardownOnce.Do(func() {
		d.teardownErr = s.teardown(d, graceful)
	})
	return d.teardownErr
}

func (s *Supervisor) teardown(d *Daemon, graceful bool) error {
	if d.Exited() {
		return nil
	}

	// Descendants are re-parented once the daemon dies, so collect them first.
	children := descendants(d.pid)
	defer s.killDescendants(children)

	if graceful && runtime.GOOS != "windows" {
		if err := d.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("SIGTERM failed, killing tor daemon", "pid", d.pid, "error", err)
		}
		select {
		case <-d.done:
			s.logger.Debug("tor daemon stopped", "pid", d.pid)
			return nil
		case <-time.After(s.shutdownGrace):
			s.logger.Warn("tor daemon ignored SIGTERM, killing", "pid", d.pid, "grace", s.shutdownGrace)
		}
	}

	if err := d.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fault.Wrap(fault.KindProcessTeardownFailed, fmt.Sprintf("kill tor daemon pid %d", d.pid), err)
	}
	select {
	case <-d.done:
	case <-time.After(s.shutdownGrace):
		return fault.Newf(fault.KindProcessTeardownFailed, "tor daemon pid %d not reaped after kill", d.pid)
	}
	s.logger.Debug("tor daemon killed", "pid", d.pid)
	return nil
}

func (s *Supervisor) killDescendants(children []*process.Process) {
	for _, child := range children {
		if running, err := child.IsRunning(); err != nil || !running {
			continue
		}
		if err := child.Kill(); err != nil {
			s.logger.Debug("failed to kill tor descendant", "pid", child.Pid, "error", err)
		}
	}
}

// descendants returns every live descendant of pid.
func descendants(pid int) []*process.Process {
	root, err := process.NewProcess(int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return nil
	}
	var out []*process.Process
	var walk func(p *process.Process)
	walk = func(p *process.Process) {
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(root)
	return out
}

// portOpen reports whether addr accepts a TCP connection.
func portOpen(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: min(timeout, time.Second)}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close() //nolint:errcheck // probe connection
	return true
}

// Daemon is a running tor process owned by a Supervisor.
type Daemon struct {
	cmd     *exec.Cmd
	pid     int
	ports   PortPair
	dataDir string
	stdout  *outputBuffer
	stderr  *outputBuffer

	done    chan struct{}
	waitErr error

	teardownOnce sync.Once
	teardownErr  error
}

func (d *Daemon) wait() {
	d.waitErr = d.cmd.Wait()
	close(d.done)
}

// PID returns the process id.
func (d *Daemon) PID() int { return d.pid }

// Ports returns the daemon's port pair.
func (d *Daemon) Ports() PortPair { return d.ports }

// DataDir returns the daemon's data directory.
func (d *Daemon) DataDir() string { return d.dataDir }

// CookiePath returns where the daemon writes its control cookie.
func (d *Daemon) CookiePath() string { return filepath.Join(d.dataDir, CookieFileName) }

// Done is closed once the process has exited and been reaped.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Exited reports whether the process has exited.
func (d *Daemon) Exited() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Output returns the captured stdout and stderr.
func (d *Daemon) Output() (stdout, stderr string) {
	return strings.TrimSpace(d.stdout.String()), strings.TrimSpace(d.stderr.String())
}

// exitError describes an early exit. Must only be called after done is closed.
func (d *Daemon) exitError() error {
	stdout, stderr := d.Output()
	kind := fault.KindProcessLaunchFailed
	for _, marker := range bindFailureMarkers {
		if strings.Contains(stderr, marker) || strings.Contains(stdout, marker) {
			kind = fault.KindPortBindFailed
			break
		}
	}
	msg := stderr
	if msg == "" {
		msg = "unknown error"
	}
	if stdout != "" {
		msg += "\nStdout: " + stdout
	}
	return fault.Wrap(kind, "tor daemon failed to start: "+msg, d.waitErr)
}

func (d *Daemon) outputDetail() string {
	stdout, stderr := d.Output()
	var b strings.Builder
	if stderr != "" {
		b.WriteString("\nStderr: ")
		b.WriteString(stderr)
	}
	if stdout != "" {
		b.WriteString("\nStdout: ")
		b.WriteString(stdout)
	}
	return b.String()
}

// outputBuffer is a goroutine-safe buffer that keeps the last
// maxCapturedOutput bytes written to it.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - maxCapturedOutput; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
