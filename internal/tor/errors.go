package tor

import "errors"

// Control session usage errors. They are always wrapped in a fault.Error.
var (
	// ErrNotConnected is returned when a command is issued before Connect.
	ErrNotConnected = errors.New("control session not connected")

	// ErrNotAuthenticated is returned when a privileged command is issued
	// before Authenticate.
	ErrNotAuthenticated = errors.New("control session not authenticated")

	// ErrAlreadyConnected is returned by a second Connect on one session.
	ErrAlreadyConnected = errors.New("control session already connected")

	// ErrAuthenticationRejected is returned when the daemon refuses AUTHENTICATE.
	ErrAuthenticationRejected = errors.New("control authentication rejected")

	// ErrReplyTooLong is returned when a reply line or a whole reply
	// exceeds the read limits.
	ErrReplyTooLong = errors.New("control reply too long")

	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("control session closed")
)

// SOCKS proxy check errors.
var (
	// ErrProxyNotTor is returned when the proxy address answers but does not
	// speak SOCKS5 the way Tor does.
	ErrProxyNotTor = errors.New("proxy is not a Tor SOCKS5 proxy")

	// ErrProxyCannotConnect is returned when no TCP connection could be made.
	ErrProxyCannotConnect = errors.New("cannot connect to Tor proxy")

	// ErrProxyTimeout is returned when the handshake times out.
	ErrProxyTimeout = errors.New("timeout connecting to Tor proxy")
)
