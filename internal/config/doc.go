// Package config provides the configuration of the torpool command: pool
// sizing, daemon supervision, pacing and retry settings, and where the
// journal and metrics go. Values come from defaults, an optional YAML file
// and command line flags, in that order.
package config
