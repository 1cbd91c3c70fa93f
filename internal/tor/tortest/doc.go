// Package tortest provides fakes for testing code that drives a Tor daemon:
// a control port server, a SOCKS5 proxy, and a helper-process mode that lets
// a test binary stand in for the tor executable.
//
// To use the helper-process mode, call MaybeRunDaemon from TestMain and
// launch os.Executable() with DaemonEnvFor(mode) in its environment.
package tortest
