// Package main provides the entry point for the torpool CLI.
//
// torpool starts a private Tor daemon, splits it into isolated circuits and
// runs requests through them, rotating identities as circuits wear out or
// get blocked.
//
// Usage:
//
//	torpool fetch https://check.torproject.org/
//	torpool check
//	torpool history
//
// See --help for all available options.
package main

func main() {
	Execute()
}
