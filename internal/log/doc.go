// Package log builds the slog loggers used by torpool.
//
// Every logger returned here goes through SecureHandler, which masks
// control port credentials before they reach the output: cookies (by key or
// by their 64 hex digit shape), control passwords and their
// HashedControlPassword form, AUTHENTICATE arguments, and the password part
// of socks5h:// proxy URLs. Proxy URLs keep their identity and address so
// log lines still say which circuit they are about.
//
//	logger := log.NewLogger(os.Stderr, verbose)
//	slog.SetDefault(logger)
package log
