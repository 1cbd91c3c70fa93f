package tor

import (
	"fmt"
	"net"
	"strconv"

	"github.com/nao1215/torpool/internal/fault"
)

// loopbackHost is the only interface the daemon listens on.
const loopbackHost = "127.0.0.1"

// PortPair holds the SOCKS and control ports of one daemon.
// It is fixed for the lifetime of a pool.
type PortPair struct {
	// Proxy is the SOCKS5 port.
	Proxy int
	// Control is the control protocol port.
	Control int
}

// ProxyAddr returns the SOCKS listener in "host:port" form.
func (p PortPair) ProxyAddr() string {
	return net.JoinHostPort(loopbackHost, strconv.Itoa(p.Proxy))
}

// ControlAddr returns the control listener in "host:port" form.
func (p PortPair) ControlAddr() string {
	return net.JoinHostPort(loopbackHost, strconv.Itoa(p.Control))
}

// AllocatePort returns a TCP port that was free on loopback at the time of
// the call. The listener is released before returning, so another process may
// grab the port before the daemon binds it; that race surfaces later as a
// retryable fault.KindPortBindFailed.
func AllocatePort() (int, error) {
	l, err := listenLoopback()
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fault.Wrap(fault.KindPortBindFailed, "release probe listener", err)
	}
	return port, nil
}

// AllocatePortPair allocates the proxy and control ports while holding both
// listeners, so the two numbers are always distinct.
func AllocatePortPair() (PortPair, error) {
	proxyListener, err := listenLoopback()
	if err != nil {
		return PortPair{}, err
	}
	defer proxyListener.Close()

	controlListener, err := listenLoopback()
	if err != nil {
		return PortPair{}, err
	}
	defer controlListener.Close()

	return PortPair{
		Proxy:   proxyListener.Addr().(*net.TCPAddr).Port,
		Control: controlListener.Addr().(*net.TCPAddr).Port,
	}, nil
}

func listenLoopback() (net.Listener, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, "0"))
	if err != nil {
		return nil, fault.Wrap(fault.KindPortBindFailed,
			fmt.Sprintf("bind ephemeral port on %s", loopbackHost), err)
	}
	return l, nil
}
