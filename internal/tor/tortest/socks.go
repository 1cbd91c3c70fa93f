package tortest

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// SOCKS5 reply codes used by the fake proxy.
const (
	socksSucceeded       = 0x00
	socksHostUnreachable = 0x04
	socksConnRefused     = 0x05
	socksCmdUnsupported  = 0x07
)

// SOCKSServer is a minimal SOCKS5 proxy that accepts any username/password
// (as Tor does with IsolateSOCKSAuth), records the usernames and connects
// directly to the requested target. ".onion" targets are reported as
// unreachable.
type SOCKSServer struct {
	ln net.Listener

	mu        sync.Mutex
	usernames []string
	conns     map[net.Conn]struct{}
	closed    bool

	wg sync.WaitGroup
}

// ListenSOCKS starts a fake SOCKS5 proxy on addr.
func ListenSOCKS(addr string) (*SOCKSServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &SOCKSServer{ln: ln, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// NewSOCKSServer starts a fake SOCKS5 proxy on a free loopback port and
// closes it when the test ends.
func NewSOCKSServer(t testing.TB) *SOCKSServer {
	t.Helper()

	s, err := ListenSOCKS("127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake SOCKS server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// Addr returns the listening address.
func (s *SOCKSServer) Addr() string { return s.ln.Addr().String() }

// Port returns the listening port.
func (s *SOCKSServer) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Usernames returns the SOCKS usernames seen, in order.
func (s *SOCKSServer) Usernames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.usernames...)
}

// OpenTunnels returns the number of client connections still open.
func (s *SOCKSServer) OpenTunnels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops the proxy and drops open tunnels.
func (s *SOCKSServer) Close() {
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

func (s *SOCKSServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		if !s.track(conn) {
			_ = conn.Close() //nolint:errcheck // shutting down
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

func (s *SOCKSServer) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *SOCKSServer) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close() //nolint:errcheck // tunnel over
}

func (s *SOCKSServer) handle(conn net.Conn) {
	r := bufio.NewReader(conn)

	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil || hdr[0] != 0x05 {
		return
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return
	}

	method := byte(0xFF)
	for _, m := range methods {
		if m == 0x02 {
			method = 0x02
			break
		}
		if m == 0x00 {
			method = 0x00
		}
	}
	if _, err := conn.Write([]byte{0x05, method}); err != nil || method == 0xFF {
		return
	}

	if method == 0x02 {
		user, ok := readUserPass(r)
		if !ok {
			return
		}
		s.mu.Lock()
		s.usernames = append(s.usernames, user)
		s.mu.Unlock()
		if _, err := conn.Write([]byte{0x01, 0x00}); err != nil {
			return
		}
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(r, req); err != nil {
		return
	}
	host, ok := readAddr(r, req[3])
	if !ok {
		return
	}
	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(r, portBytes); err != nil {
		return
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(portBytes))))

	if req[1] != 0x01 {
		writeReply(conn, socksCmdUnsupported)
		return
	}
	if strings.HasSuffix(host, ".onion") {
		writeReply(conn, socksHostUnreachable)
		return
	}

	upstream, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		writeReply(conn, socksConnRefused)
		return
	}
	defer upstream.Close()
	writeReply(conn, socksSucceeded)

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(upstream, r) //nolint:errcheck // tunnel
		if tcp, ok := upstream.(*net.TCPConn); ok {
			_ = tcp.CloseWrite() //nolint:errcheck // half close
		}
		close(done)
	}()
	_, _ = io.Copy(conn, upstream) //nolint:errcheck // tunnel
	_ = conn.Close()               //nolint:errcheck // unblocks the other direction
	<-done
}

func readUserPass(r *bufio.Reader) (string, bool) {
	ver, err := r.ReadByte()
	if err != nil || ver != 0x01 {
		return "", false
	}
	user, ok := readPrefixed(r)
	if !ok {
		return "", false
	}
	if _, ok := readPrefixed(r); !ok {
		return "", false
	}
	return user, true
}

func readPrefixed(r *bufio.Reader) (string, bool) {
	n, err := r.ReadByte()
	if err != nil {
		return "", false
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", false
	}
	return string(buf), true
}

func readAddr(r *bufio.Reader, atyp byte) (string, bool) {
	switch atyp {
	case 0x01:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", false
		}
		return net.IP(ip).String(), true
	case 0x03:
		return readPrefixed(r)
	case 0x04:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", false
		}
		return net.IP(ip).String(), true
	default:
		return "", false
	}
}

func writeReply(conn net.Conn, code byte) {
	_, _ = conn.Write([]byte{0x05, code, 0x00, 0x01, 0, 0, 0, 0, 0, 0}) //nolint:errcheck // best effort
}
