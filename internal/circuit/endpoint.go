package circuit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/nao1215/torpool/internal/tor"
	"golang.org/x/net/proxy"
)

// ProxyPassword is the SOCKS password sent with every identity. Tor only
// uses the credentials to isolate streams, so the value is a fixed
// placeholder.
const ProxyPassword = "pwd"

// Endpoint is the proxy-facing side of a circuit: a SOCKS5 dialer and an
// HTTP client that authenticate to Tor as one identity. An Endpoint is
// replaced after every identity rotation.
type Endpoint struct {
	identity  string
	proxyURL  *url.URL
	dialer    proxy.ContextDialer
	transport *http.Transport
	client    *http.Client
}

// NewEndpoint builds the endpoint for identity on the SOCKS port of ports.
// requestTimeout bounds each HTTP request; zero disables the limit.
func NewEndpoint(identity string, ports tor.PortPair, requestTimeout time.Duration) (*Endpoint, error) {
	auth := &proxy.Auth{User: identity, Password: ProxyPassword}
	d, err := proxy.SOCKS5("tcp", ports.ProxyAddr(), auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer %T does not support contexts", d)
	}

	transport := &http.Transport{
		DialContext:         cd.DialContext,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  true,
	}
	jar, _ := cookiejar.New(nil) //nolint:errcheck // cookiejar.New only fails with invalid options

	return &Endpoint{
		identity:  identity,
		proxyURL:  proxyURL(identity, ports),
		dialer:    cd,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
			Jar:       jar,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}, nil
}

func proxyURL(identity string, ports tor.PortPair) *url.URL {
	return &url.URL{
		Scheme: "socks5h",
		User:   url.UserPassword(identity, ProxyPassword),
		Host:   ports.ProxyAddr(),
	}
}

// Identity returns the SOCKS username.
func (e *Endpoint) Identity() string { return e.identity }

// ProxyURL returns socks5h://<identity>:<placeholder>@127.0.0.1:<port>.
func (e *Endpoint) ProxyURL() string { return e.proxyURL.String() }

// DialContext opens a connection through the circuit.
func (e *Endpoint) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return e.dialer.DialContext(ctx, network, address)
}

// HTTPClient returns the client bound to this identity. It carries its own
// cookie jar, which is dropped on rotation.
func (e *Endpoint) HTTPClient() *http.Client { return e.client }

// Close drops idle connections.
func (e *Endpoint) Close() {
	e.transport.CloseIdleConnections()
}
