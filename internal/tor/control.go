package tor

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nao1215/torpool/internal/fault"
)

// Control session defaults.
const (
	// DefaultDialTimeout bounds Connect.
	DefaultDialTimeout = 10 * time.Second

	// DefaultIOTimeout bounds one command round trip.
	DefaultIOTimeout = 10 * time.Second

	// statusOK is the success status of every control reply.
	statusOK = "250"

	maxReplyLine = 64 * 1024
	maxReplySize = 1 << 20
)

// ConnState is the state of a control session.
type ConnState int

const (
	// StateDisconnected is the initial state.
	StateDisconnected ConnState = iota
	// StateConnected means the socket is open.
	StateConnected
	// StateAuthenticated means AUTHENTICATE succeeded.
	StateAuthenticated
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// ControlConn is a session on the daemon's control port.
//
// A session moves Disconnected → Connected → Authenticated and never goes
// back. After a failed Connect or Authenticate, or an I/O error on the
// socket, only Close remains usable; callers open a new session instead.
// Commands on one session are serialized.
type ControlConn struct {
	addr        string
	cookiePath  string
	password    string
	dialTimeout time.Duration
	ioTimeout   time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	state  ConnState
	broken error
}

// ControlOption configures a ControlConn.
type ControlOption func(*ControlConn)

// WithCookiePath sets the cookie file read by Authenticate.
func WithCookiePath(path string) ControlOption {
	return func(c *ControlConn) {
		c.cookiePath = path
	}
}

// WithPassword sets the control password used when no cookie file exists.
func WithPassword(password string) ControlOption {
	return func(c *ControlConn) {
		c.password = password
	}
}

// WithDialTimeout sets the Connect timeout.
func WithDialTimeout(timeout time.Duration) ControlOption {
	return func(c *ControlConn) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

// WithIOTimeout sets the per-command timeout.
func WithIOTimeout(timeout time.Duration) ControlOption {
	return func(c *ControlConn) {
		if timeout > 0 {
			c.ioTimeout = timeout
		}
	}
}

// WithControlLogger sets the logger.
func WithControlLogger(logger *slog.Logger) ControlOption {
	return func(c *ControlConn) {
		c.logger = logger
	}
}

// NewControlConn returns a disconnected session for the control port at addr.
func NewControlConn(addr string, opts ...ControlOption) *ControlConn {
	c := &ControlConn{
		addr:        addr,
		dialTimeout: DefaultDialTimeout,
		ioTimeout:   DefaultIOTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// State returns the current session state.
func (c *ControlConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Usable reports whether the session can still carry commands.
func (c *ControlConn) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken == nil && c.state != StateDisconnected
}

// Addr returns the control port address.
func (c *ControlConn) Addr() string { return c.addr }

// Connect opens the control socket.
func (c *ControlConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return fault.Wrap(fault.KindControlConnectionFailed, "control session unusable", c.broken)
	}
	if c.state != StateDisconnected {
		return fault.Wrap(fault.KindControlConnectionFailed, "connect control session", ErrAlreadyConnected)
	}

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.broken = err
		return fault.Wrap(fault.KindControlConnectionFailed,
			fmt.Sprintf("failed to connect to control port %s", c.addr), err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.state = StateConnected
	c.logger.Debug("control port connected", "addr", c.addr)
	return nil
}

// Authenticate sends AUTHENTICATE with the hex-encoded cookie when the cookie
// file exists, the quoted password when one is configured, or no argument.
func (c *ControlConn) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.broken != nil:
		return fault.Wrap(fault.KindControlAuthenticationFailed, "control session unusable", c.broken)
	case c.state == StateDisconnected:
		return fault.Wrap(fault.KindControlConnectionFailed, "authenticate", ErrNotConnected)
	case c.state == StateAuthenticated:
		return nil
	}

	command, method, err := c.authCommand()
	if err != nil {
		c.broken = err
		return fault.Wrap(fault.KindControlAuthenticationFailed, "read control cookie", err)
	}

	reply, err := c.roundTrip(ctx, command)
	if err != nil {
		c.broken = err
		return fault.Wrap(fault.KindControlAuthenticationFailed, "authentication I/O failed", err)
	}
	if !strings.HasPrefix(reply, statusOK) {
		c.broken = ErrAuthenticationRejected
		return fault.Wrap(fault.KindControlAuthenticationFailed,
			"authentication rejected: "+reply, ErrAuthenticationRejected)
	}

	c.state = StateAuthenticated
	c.logger.Debug("control port authenticated", "addr", c.addr, "method", method)
	return nil
}

// authCommand builds the AUTHENTICATE line. A missing cookie file is not an
// error.
func (c *ControlConn) authCommand() (command, method string, err error) {
	if c.cookiePath != "" {
		cookie, err := os.ReadFile(c.cookiePath)
		switch {
		case err == nil:
			return "AUTHENTICATE " + strings.ToUpper(hex.EncodeToString(cookie)), "cookie", nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", "", err
		}
	}
	if c.password != "" {
		return "AUTHENTICATE " + quoteString(c.password), "password", nil
	}
	return "AUTHENTICATE", "null", nil
}

// SendCommand writes text and returns the trimmed reply. Multi-line replies
// are joined with "\n". A non-250 reply is returned as-is; only transport
// failures are errors.
func (c *ControlConn) SendCommand(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return "", err
	}
	reply, err := c.roundTrip(ctx, text)
	if err != nil {
		c.broken = err
		return "", fault.Wrap(fault.KindControlCommandFailed,
			fmt.Sprintf("control command %s failed", commandName(text)), err)
	}
	return reply, nil
}

// RotateIdentity sends SIGNAL NEWNYM. Every failure is reported as
// fault.KindIdentityRotationFailed.
func (c *ControlConn) RotateIdentity(ctx context.Context) error {
	if state := c.State(); state != StateAuthenticated {
		return fault.Wrap(fault.KindIdentityRotationFailed,
			"rotate identity in state "+state.String(), ErrNotAuthenticated)
	}

	reply, err := c.SendCommand(ctx, "SIGNAL NEWNYM")
	if err != nil {
		return fault.Wrap(fault.KindIdentityRotationFailed, "failed to rotate identity", err)
	}
	if !strings.HasPrefix(reply, statusOK) {
		return fault.Wrap(fault.KindIdentityRotationFailed, "failed to rotate identity",
			fault.New(fault.KindControlCommandFailed, "NEWNYM rejected: "+reply))
	}
	return nil
}

// GetInfo issues GETINFO key and returns its value.
func (c *ControlConn) GetInfo(ctx context.Context, key string) (string, error) {
	if state := c.State(); state != StateAuthenticated {
		return "", fault.Wrap(fault.KindControlCommandFailed,
			"GETINFO in state "+state.String(), ErrNotAuthenticated)
	}

	reply, err := c.SendCommand(ctx, "GETINFO "+key)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(reply, statusOK) {
		return "", fault.New(fault.KindControlCommandFailed, "GETINFO rejected: "+reply)
	}

	prefix := key + "="
	lines := strings.Split(reply, "\n")
	for i, line := range lines {
		if len(line) < 4 {
			continue
		}
		body := line[4:]
		if !strings.HasPrefix(body, prefix) {
			continue
		}
		value := strings.TrimPrefix(body, prefix)
		if line[3] == '+' {
			// Data reply: value follows on the next lines, up to "250 OK".
			end := len(lines)
			if end > i+1 && strings.HasPrefix(lines[end-1], statusOK) {
				end--
			}
			value = strings.Join(lines[i+1:end], "\n")
		}
		return value, nil
	}
	return "", fault.Newf(fault.KindControlCommandFailed, "GETINFO %s: key missing in reply", key)
}

// Close closes the socket. It is idempotent and never fails.
func (c *ControlConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close() //nolint:errcheck // close-time errors are irrelevant
		c.conn = nil
		c.reader = nil
	}
	if c.broken == nil {
		c.broken = ErrSessionClosed
	}
	c.state = StateDisconnected
	return nil
}

// usable reports a usage error for sessions that cannot carry commands.
// Must be called with c.mu held.
func (c *ControlConn) usable() error {
	if c.broken != nil {
		return fault.Wrap(fault.KindControlConnectionFailed, "control session unusable", c.broken)
	}
	if c.state == StateDisconnected {
		return fault.Wrap(fault.KindControlConnectionFailed, "send command", ErrNotConnected)
	}
	return nil
}

// roundTrip writes one command and reads its full reply.
// Must be called with c.mu held and an open socket.
func (c *ControlConn) roundTrip(ctx context.Context, text string) (string, error) {
	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", err
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now()) //nolint:errcheck // unblocks pending I/O
	})
	defer stop()

	c.logger.Debug("control command", "command", commandName(text))

	if _, err := c.conn.Write([]byte(text + "\r\n")); err != nil {
		return "", contextCause(ctx, err)
	}
	reply, err := readReply(c.reader)
	if err != nil {
		return "", contextCause(ctx, err)
	}
	return reply, nil
}

// readReply reads one control reply. Lines look like "250-key=value",
// "250+key=" followed by data terminated by ".", or "250 OK" for the last
// line.
func readReply(r *bufio.Reader) (string, error) {
	var lines []string
	size := 0
	add := func(line string) error {
		size += len(line) + 1
		if size > maxReplySize {
			return ErrReplyTooLong
		}
		lines = append(lines, line)
		return nil
	}
	for {
		line, err := readLine(r)
		if err != nil {
			return "", err
		}
		if err := add(line); err != nil {
			return "", err
		}

		if len(line) < 4 {
			break
		}
		switch line[3] {
		case '-':
			continue
		case '+':
			for {
				data, err := readLine(r)
				if err != nil {
					return "", err
				}
				if data == "." {
					break
				}
				if err := add(strings.TrimPrefix(data, ".")); err != nil {
					return "", err
				}
			}
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// readLine reads one CRLF line of at most maxReplyLine bytes.
func readLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > maxReplyLine {
			return "", ErrReplyTooLong
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return "", err
		}
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// contextCause prefers the context error when cancellation caused err.
func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	// The socket deadline may fire a moment before the context notices.
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return errors.Join(context.DeadlineExceeded, err)
	}
	return err
}

// commandName returns the keyword of a command line so that arguments such
// as cookies never reach logs or error messages.
func commandName(text string) string {
	name, _, _ := strings.Cut(text, " ")
	return name
}

// quoteString returns s as a control protocol QuotedString.
func quoteString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", `\r`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}
