package tor

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/torpool/internal/fault"
	"github.com/nao1215/torpool/internal/tor/tortest"
)

func connectedSession(t *testing.T, srv *tortest.ControlServer, opts ...ControlOption) *ControlConn {
	t.Helper()

	c := NewControlConn(srv.Addr(), opts...)
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func TestControlConnAuthenticate(t *testing.T) {
	t.Parallel()

	t.Run("cookie file is sent hex encoded", func(t *testing.T) {
		t.Parallel()

		srv := tortest.NewControlServer(t, tortest.WithRandomCookie())
		cookiePath, err := srv.WriteCookie(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}

		c := connectedSession(t, srv, WithCookiePath(cookiePath))
		if err := c.Authenticate(context.Background()); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if c.State() != StateAuthenticated {
			t.Errorf("expected authenticated, got %s", c.State())
		}
	})

	t.Run("missing cookie file falls back to bare AUTHENTICATE", func(t *testing.T) {
		t.Parallel()

		srv := tortest.NewControlServer(t)
		c := connectedSession(t, srv, WithCookiePath(t.TempDir()+"/missing"))
		if err := c.Authenticate(context.Background()); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
	})

	t.Run("password is sent quoted", func(t *testing.T) {
		t.Parallel()

		srv := tortest.NewControlServer(t, tortest.WithPassword("s3cret"))
		c := connectedSession(t, srv, WithPassword("s3cret"))
		if err := c.Authenticate(context.Background()); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
	})

	t.Run("rejection leaves only Close usable", func(t *testing.T) {
		t.Parallel()

		srv := tortest.NewControlServer(t, tortest.WithRandomCookie())
		c := connectedSession(t, srv)

		err := c.Authenticate(context.Background())
		if !errors.Is(err, fault.KindControlAuthenticationFailed) {
			t.Fatalf("expected ControlAuthenticationFailed, got %v", err)
		}
		if !errors.Is(err, ErrAuthenticationRejected) {
			t.Errorf("expected ErrAuthenticationRejected in chain, got %v", err)
		}

		if _, err := c.SendCommand(context.Background(), "GETINFO version"); err == nil {
			t.Error("expected SendCommand to fail after rejected authentication")
		}
		if err := c.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	t.Run("before Connect is a usage error", func(t *testing.T) {
		t.Parallel()

		c := NewControlConn("127.0.0.1:1")
		err := c.Authenticate(context.Background())
		if !errors.Is(err, fault.KindControlConnectionFailed) || !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ControlConnectionFailed/ErrNotConnected, got %v", err)
		}
	})
}

func TestControlConnConnect(t *testing.T) {
	t.Parallel()

	t.Run("closed port fails with ControlConnectionFailed", func(t *testing.T) {
		t.Parallel()

		port, err := AllocatePort()
		if err != nil {
			t.Fatal(err)
		}
		c := NewControlConn(PortPair{Control: port}.ControlAddr(), WithDialTimeout(time.Second))
		err = c.Connect(context.Background())
		if !errors.Is(err, fault.KindControlConnectionFailed) {
			t.Errorf("expected ControlConnectionFailed, got %v", err)
		}
	})

	t.Run("second Connect is refused", func(t *testing.T) {
		t.Parallel()

		srv := tortest.NewControlServer(t)
		c := connectedSession(t, srv)
		if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
			t.Errorf("expected ErrAlreadyConnected, got %v", err)
		}
	})
}

func TestControlConnSendCommand(t *testing.T) {
	t.Parallel()

	t.Run("before Connect is a usage error", func(t *testing.T) {
		t.Parallel()

		c := NewControlConn("127.0.0.1:1")
		_, err := c.SendCommand(context.Background(), "GETINFO version")
		if !errors.Is(err, fault.KindControlConnectionFailed) || !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ControlConnectionFailed/ErrNotConnected, got %v", err)
		}
	})

	t.Run("non-250 reply is returned, not an error", func(t *testing.T) {
		t.Parallel()

		srv := tortest.NewControlServer(t)
		c := connectedSession(t, srv)
		reply, err := c.SendCommand(context.Background(), "GETINFO version")
		if err != nil {
			t.Fatalf("SendCommand: %v", err)
		}
		if !strings.HasPrefix(reply, "514") {
			t.Errorf("expected 514 before authentication, got %q", reply)
		}
	})

	t.Run("server hang-up is ControlCommandFailed", func(t *testing.T) {
		t.Parallel()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer ln.Close()
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = bufio.NewReader(conn).ReadString('\n')
			_ = conn.Close()
		}()

		c := NewControlConn(ln.Addr().String())
		defer c.Close()
		if err := c.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		_, err = c.SendCommand(context.Background(), "SIGNAL NEWNYM")
		if !errors.Is(err, fault.KindControlCommandFailed) {
			t.Errorf("expected ControlCommandFailed, got %v", err)
		}
	})

	t.Run("cancelled context unblocks a stalled read", func(t *testing.T) {
		t.Parallel()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer ln.Close()
		hold := make(chan struct{})
		defer close(hold)
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			<-hold
		}()

		c := NewControlConn(ln.Addr().String(), WithIOTimeout(time.Minute))
		defer c.Close()
		if err := c.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err = c.SendCommand(ctx, "GETINFO version")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded in chain, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("SendCommand took %v after cancellation", elapsed)
		}
	})
}

func TestControlConnRotateIdentity(t *testing.T) {
	t.Parallel()

	t.Run("sends NEWNYM", func(t *testing.T) {
		t.Parallel()

		srv := tortest.NewControlServer(t)
		c := connectedSession(t, srv)
		if err := c.Authenticate(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := c.RotateIdentity(context.Background()); err != nil {
			t.Fatalf("RotateIdentity: %v", err)
		}
		if n := srv.NewnymCount(); n != 1 {
			t.Errorf("expected 1 NEWNYM, got %d", n)
		}
	})

	t.Run("refused NEWNYM is IdentityRotationFailed", func(t *testing.T) {
		t.Parallel()

		srv := tortest.NewControlServer(t, tortest.WithNewnymReply(tortest.ReplyNewnymRefused))
		c := connectedSession(t, srv)
		if err := c.Authenticate(context.Background()); err != nil {
			t.Fatal(err)
		}
		err := c.RotateIdentity(context.Background())
		if !errors.Is(err, fault.KindIdentityRotationFailed) {
			t.Errorf("expected IdentityRotationFailed, got %v", err)
		}
		if !errors.Is(err, fault.KindControlCommandFailed) {
			t.Errorf("expected ControlCommandFailed cause, got %v", err)
		}
	})

	t.Run("requires authentication", func(t *testing.T) {
		t.Parallel()

		srv := tortest.NewControlServer(t)
		c := connectedSession(t, srv)
		err := c.RotateIdentity(context.Background())
		if !errors.Is(err, fault.KindIdentityRotationFailed) || !errors.Is(err, ErrNotAuthenticated) {
			t.Errorf("expected IdentityRotationFailed/ErrNotAuthenticated, got %v", err)
		}
		if srv.NewnymCount() != 0 {
			t.Error("NEWNYM must not be sent before authentication")
		}
	})
}

func TestControlConnGetInfo(t *testing.T) {
	t.Parallel()

	srv := tortest.NewControlServer(t)
	c := connectedSession(t, srv)
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		key  string
		want string
	}{
		{"version", tortest.FakeVersion},
		{"config-text", "SocksPort 9050"},
	}
	for _, tc := range testCases {
		got, err := c.GetInfo(context.Background(), tc.key)
		if err != nil {
			t.Fatalf("GetInfo(%q): %v", tc.key, err)
		}
		if got != tc.want {
			t.Errorf("GetInfo(%q) = %q, expected %q", tc.key, got, tc.want)
		}
	}

	if _, err := c.GetInfo(context.Background(), "no-such-key"); !errors.Is(err, fault.KindControlCommandFailed) {
		t.Errorf("expected ControlCommandFailed for unknown key, got %v", err)
	}
}

func TestControlConnClose(t *testing.T) {
	t.Parallel()

	srv := tortest.NewControlServer(t)
	c := connectedSession(t, srv)
	for range 3 {
		if err := c.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}
	if err := NewControlConn("127.0.0.1:1").Close(); err != nil {
		t.Errorf("Close on never-connected session: %v", err)
	}
}

func TestReadReply(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"single line", "250 OK\r\n", "250 OK"},
		{"multi line", "250-version=1\r\n250 OK\r\n", "250-version=1\n250 OK"},
		{"data reply", "250+k=\r\na\r\n..b\r\n.\r\n250 OK\r\n", "250+k=\na\n.b\n250 OK"},
		{"short line", "5\r\n", "5"},
		{"error", "552 Unrecognized key\r\n", "552 Unrecognized key"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := readReply(bufio.NewReader(strings.NewReader(tc.in)))
			if err != nil {
				t.Fatalf("readReply: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, expected %q", got, tc.want)
			}
		})
	}
}

func TestReadReplyLimits(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		in   string
	}{
		{"oversized line", "250 " + strings.Repeat("a", maxReplyLine) + "\r\n"},
		{"unterminated flood", strings.Repeat("b", 4*maxReplyLine)},
		{"oversized data reply", "250+k=\r\n" + strings.Repeat(strings.Repeat("c", 1000)+"\r\n", maxReplySize/1000+1) + ".\r\n250 OK\r\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := readReply(bufio.NewReader(strings.NewReader(tc.in)))
			if !errors.Is(err, ErrReplyTooLong) {
				t.Errorf("expected ErrReplyTooLong, got %v", err)
			}
		})
	}

	t.Run("line at the limit", func(t *testing.T) {
		t.Parallel()

		line := "250 " + strings.Repeat("d", maxReplyLine-6)
		got, err := readReply(bufio.NewReader(strings.NewReader(line + "\r\n")))
		if err != nil {
			t.Fatalf("readReply: %v", err)
		}
		if got != line {
			t.Errorf("reply truncated to %d bytes", len(got))
		}
	})
}

func TestQuoteString(t *testing.T) {
	t.Parallel()

	if got := quoteString(`pa"ss\word`); got != `"pa\"ss\\word"` {
		t.Errorf("got %s", got)
	}
}
