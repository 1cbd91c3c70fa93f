package main

import (
	"fmt"
	"os"

	"github.com/nao1215/torpool/internal/circuit"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for torpool.
func NewRootCmd() *cobra.Command {
	return newRootCmd()
}

// newRootCmd builds the command tree. poolOpts are appended to the options
// of every pool a subcommand starts.
func newRootCmd(poolOpts ...circuit.Option) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "torpool",
		Short: "Run requests through a pool of isolated Tor circuits",
		Long: `torpool starts a private Tor daemon and exposes it as a pool of isolated
circuits. Each circuit has its own SOCKS identity, is paced, and asks Tor for
a new identity after a number of successful requests or when a request looks
blocked.

The tor executable must be installed and on PATH (or set with --tor).`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().Bool("json-log", false, "Write logs as JSON")
	cmd.PersistentFlags().StringP("config", "c", "",
		"Configuration file path (default: .torpool.yaml in current directory or XDG config directory)")

	cmd.AddCommand(newFetchCmd(poolOpts))
	cmd.AddCommand(newCheckCmd(poolOpts))
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
