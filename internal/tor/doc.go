// Package tor manages a local Tor daemon and talks to it.
//
// It covers the pieces a circuit pool is built from:
//
//   - AllocatePort and AllocatePortPair pick free loopback ports for the
//     SOCKS and control listeners.
//   - Supervisor launches the daemon with a minimal configuration (isolated
//     SOCKS auth, cookie authentication, bounded circuit dirtiness), waits for
//     the control port and tears the process tree down again.
//   - ControlConn speaks the line-oriented control protocol: AUTHENTICATE,
//     SIGNAL NEWNYM and GETINFO.
//   - CheckProxy verifies that a SOCKS port behaves like Tor.
//
// Every failure that leaves this package carries a fault.Kind.
package tor
