package tor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// checkProxyTimeout bounds the whole SOCKS handshake in CheckProxy.
const checkProxyTimeout = 2 * time.Second

// SOCKS5 protocol constants.
const (
	socks5Version       = 0x05
	socks5AuthNone      = 0x00
	socks5AuthPassword  = 0x02
	socks5AuthNoAccept  = 0xFF
	socks5CmdConnect    = 0x01
	socks5AddrTypeDomID = 0x03

	// socks5AuthSubVersion is the RFC 1929 sub-negotiation version.
	socks5AuthSubVersion = 0x01

	// socks5TestOnion is a non-existent address; only the proxy's reply
	// to CONNECT matters.
	socks5TestOnion = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.onion"
)

// ProxyStatus is the outcome of CheckProxy.
type ProxyStatus int

// Proxy check outcomes.
const (
	ProxyStatusOK ProxyStatus = iota
	ProxyStatusWrongType
	ProxyStatusCannotConnect
	ProxyStatusTimeout
)

var proxyStatuses = [...]struct {
	text string
	err  error
}{
	ProxyStatusOK:            {text: "OK"},
	ProxyStatusWrongType:     {text: "wrong type (not Tor)", err: ErrProxyNotTor},
	ProxyStatusCannotConnect: {text: "cannot connect", err: ErrProxyCannotConnect},
	ProxyStatusTimeout:       {text: "timeout", err: ErrProxyTimeout},
}

func (s ProxyStatus) String() string {
	if s < 0 || int(s) >= len(proxyStatuses) {
		return "unknown"
	}
	return proxyStatuses[s].text
}

// Err returns the sentinel for a failed check, or nil for ProxyStatusOK.
func (s ProxyStatus) Err() error {
	if s < 0 || int(s) >= len(proxyStatuses) {
		return fmt.Errorf("unknown proxy status %d", int(s))
	}
	return proxyStatuses[s].err
}

// CheckProxy performs a SOCKS5 handshake against addr with the given
// username and password, the way a circuit's endpoint does, and reports
// whether the proxy behaves like Tor. The CONNECT target never exists;
// any well-formed reply counts as success.
func CheckProxy(ctx context.Context, addr, username, password string) ProxyStatus {
	ctx, cancel := context.WithTimeout(ctx, checkProxyTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProxyStatusTimeout
		}
		return ProxyStatusCannotConnect
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(checkProxyTimeout)); err != nil {
		return ProxyStatusCannotConnect
	}

	if _, err := conn.Write([]byte{socks5Version, 0x02, socks5AuthNone, socks5AuthPassword}); err != nil {
		return ProxyStatusCannotConnect
	}

	method := make([]byte, 2)
	if _, err := io.ReadFull(conn, method); err != nil {
		return readFailure(err)
	}
	if method[0] != socks5Version {
		return ProxyStatusWrongType
	}

	switch method[1] {
	case socks5AuthNone:
	case socks5AuthPassword:
		if status := authenticateSOCKS(conn, username, password); status != ProxyStatusOK {
			return status
		}
	default:
		return ProxyStatusWrongType
	}

	connectReq := []byte{
		socks5Version,
		socks5CmdConnect,
		0x00,
		socks5AddrTypeDomID,
		byte(len(socks5TestOnion)),
	}
	connectReq = append(connectReq, socks5TestOnion...)
	connectReq = append(connectReq, 0x00, 80)
	if _, err := conn.Write(connectReq); err != nil {
		return ProxyStatusCannotConnect
	}

	// version, reply, reserved, address type
	connectResp := make([]byte, 4)
	if _, err := io.ReadFull(conn, connectResp); err != nil {
		return readFailure(err)
	}
	if connectResp[0] != socks5Version {
		return ProxyStatusWrongType
	}
	return ProxyStatusOK
}

// authenticateSOCKS runs the RFC 1929 username/password sub-negotiation.
func authenticateSOCKS(conn net.Conn, username, password string) ProxyStatus {
	if username == "" || len(username) > 255 || len(password) > 255 {
		return ProxyStatusWrongType
	}
	req := []byte{socks5AuthSubVersion, byte(len(username))}
	req = append(req, username...)
	req = append(req, byte(len(password)))
	req = append(req, password...)
	if _, err := conn.Write(req); err != nil {
		return ProxyStatusCannotConnect
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return readFailure(err)
	}
	if resp[0] != socks5AuthSubVersion || resp[1] != 0x00 {
		return ProxyStatusWrongType
	}
	return ProxyStatusOK
}

func readFailure(err error) ProxyStatus {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ProxyStatusTimeout
	}
	return ProxyStatusWrongType
}
