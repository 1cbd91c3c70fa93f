package tortest

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Replies used by the fake control port.
const (
	ReplyOK            = "250 OK"
	ReplyAuthFailed    = "515 Authentication failed: bad credentials"
	ReplyAuthRequired  = "514 Authentication required."
	ReplyUnrecognized  = "510 Unrecognized command"
	ReplyNewnymRefused = "552 Unrecognized signal"

	// FakeVersion is what GETINFO version reports.
	FakeVersion = "0.4.8.0 (fake)"

	// cookieFileName matches the file tor writes.
	cookieFileName = "control_auth_cookie"
)

// ControlServer is a fake Tor control port.
type ControlServer struct {
	ln       net.Listener
	cookie   []byte
	password string

	mu          sync.Mutex
	newnymReply string
	newnyms     int
	commands    []string
	conns       map[net.Conn]struct{}

	wg     sync.WaitGroup
	closed bool
}

// ControlOption configures a ControlServer.
type ControlOption func(*ControlServer)

// WithCookie requires AUTHENTICATE with the hex encoding of cookie.
func WithCookie(cookie []byte) ControlOption {
	return func(s *ControlServer) {
		s.cookie = cookie
	}
}

// WithRandomCookie requires a freshly generated 32-byte cookie.
func WithRandomCookie() ControlOption {
	return func(s *ControlServer) {
		s.cookie = make([]byte, 32)
		_, _ = rand.Read(s.cookie) //nolint:errcheck // crypto/rand never fails on supported platforms
	}
}

// WithPassword requires AUTHENTICATE with the quoted password.
func WithPassword(password string) ControlOption {
	return func(s *ControlServer) {
		s.password = password
	}
}

// WithNewnymReply sets the reply to SIGNAL NEWNYM.
func WithNewnymReply(reply string) ControlOption {
	return func(s *ControlServer) {
		s.newnymReply = reply
	}
}

// ListenControl starts a fake control port on addr ("127.0.0.1:0" picks a
// free port).
func ListenControl(addr string, opts ...ControlOption) (*ControlServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &ControlServer{
		ln:          ln,
		newnymReply: ReplyOK,
		conns:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// NewControlServer starts a fake control port on a free loopback port and
// closes it when the test ends.
func NewControlServer(t testing.TB, opts ...ControlOption) *ControlServer {
	t.Helper()

	s, err := ListenControl("127.0.0.1:0", opts...)
	if err != nil {
		t.Fatalf("failed to start fake control server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// Addr returns the listening address.
func (s *ControlServer) Addr() string { return s.ln.Addr().String() }

// Port returns the listening port.
func (s *ControlServer) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Cookie returns the expected cookie, or nil.
func (s *ControlServer) Cookie() []byte { return s.cookie }

// WriteCookie writes the cookie into dir the way tor does and returns the
// file path.
func (s *ControlServer) WriteCookie(dir string) (string, error) {
	path := filepath.Join(dir, cookieFileName)
	return path, os.WriteFile(path, s.cookie, 0o600)
}

// NewnymCount returns how many SIGNAL NEWNYM commands were accepted.
func (s *ControlServer) NewnymCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newnyms
}

// Commands returns every command keyword received, in order.
func (s *ControlServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// SetNewnymReply changes the reply to subsequent SIGNAL NEWNYM commands.
func (s *ControlServer) SetNewnymReply(reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newnymReply = reply
}

// DropSessions closes every open session but keeps accepting new ones.
func (s *ControlServer) DropSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close() //nolint:errcheck // simulated daemon hiccup
	}
}

// Close stops the listener and drops every open session.
func (s *ControlServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for c := range s.conns {
		_ = c.Close() //nolint:errcheck // shutting down
	}
	s.mu.Unlock()

	_ = s.ln.Close() //nolint:errcheck // shutting down
	s.wg.Wait()
}

func (s *ControlServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close() //nolint:errcheck // shutting down
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *ControlServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close() //nolint:errcheck // session over
	}()

	r := bufio.NewReader(conn)
	authenticated := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		keyword, arg, _ := strings.Cut(line, " ")
		keyword = strings.ToUpper(keyword)

		s.mu.Lock()
		s.commands = append(s.commands, keyword)
		s.mu.Unlock()

		var reply string
		switch {
		case keyword == "AUTHENTICATE":
			if s.checkAuth(arg) {
				authenticated = true
				reply = ReplyOK
			} else {
				reply = ReplyAuthFailed
			}
		case keyword == "QUIT":
			_, _ = conn.Write([]byte("250 closing connection\r\n")) //nolint:errcheck // closing anyway
			return
		case !authenticated:
			reply = ReplyAuthRequired
		case keyword == "SIGNAL" && strings.EqualFold(arg, "NEWNYM"):
			reply = s.newnym()
		case keyword == "GETINFO":
			reply = getInfo(arg)
		default:
			reply = ReplyUnrecognized
		}

		if _, err := conn.Write([]byte(reply + "\r\n")); err != nil {
			return
		}
		if strings.HasPrefix(reply, "515") {
			return
		}
	}
}

func (s *ControlServer) checkAuth(arg string) bool {
	switch {
	case s.cookie != nil && strings.EqualFold(arg, hex.EncodeToString(s.cookie)):
		return true
	case s.password != "" && arg == strconv.Quote(s.password):
		return true
	default:
		return s.cookie == nil && s.password == ""
	}
}

func (s *ControlServer) newnym() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.HasPrefix(s.newnymReply, "250") {
		s.newnyms++
	}
	return s.newnymReply
}

func getInfo(key string) string {
	switch key {
	case "version":
		return "250-version=" + FakeVersion + "\r\n" + ReplyOK
	case "config-text":
		return "250+config-text=\r\nSocksPort 9050\r\n.\r\n" + ReplyOK
	default:
		return "552 Unrecognized key \"" + key + "\""
	}
}
