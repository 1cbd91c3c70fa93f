package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nao1215/torpool/internal/circuit"
	"github.com/nao1215/torpool/internal/config"
	"github.com/nao1215/torpool/internal/tor"
	"github.com/spf13/cobra"
)

// errCheckFailed is returned when a circuit or the control port is unhealthy.
var errCheckFailed = errors.New("pool check failed")

// newCheckCmd creates the check command.
func newCheckCmd(poolOpts []circuit.Option) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Start a pool and verify its SOCKS and control channels",
		Long: `Check starts a circuit pool, performs a SOCKS5 handshake with every circuit's
credentials, authenticates on the control port and asks tor for its version.
The pool is stopped again afterwards.

Examples:
  # Check the default pool
  torpool check

  # Check a specific tor binary with password authentication enabled
  torpool check --tor /usr/local/bin/tor --control-password secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckCmd(cmd, poolOpts)
		},
	}
	addPoolFlags(cmd)
	return cmd
}

// runCheckCmd executes the check command.
func runCheckCmd(cmd *cobra.Command, poolOpts []circuit.Option) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx, cfg, "check", logger)
	if err != nil {
		return err
	}
	defer sess.close(context.WithoutCancel(ctx))

	pool, err := circuit.New(ctx, cfg.ToCircuitConfig(), append(sess.poolOptions(), poolOpts...)...)
	if err != nil {
		return fmt.Errorf("failed to start circuit pool: %w", err)
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("failed to stop circuit pool", "error", err)
		}
	}()
	sess.attach(ctx, pool)

	return checkPool(ctx, cmd.OutOrStdout(), cfg, pool, logger)
}

// checkPool prints one line per circuit and one for the control port.
func checkPool(ctx context.Context, out io.Writer, cfg *config.Config, pool *circuit.Pool, logger *slog.Logger) error {
	ports := pool.Ports()
	fmt.Fprintf(out, "tor daemon pid %d, data directory %s\n", pool.DaemonPID(), pool.DataDir())

	var problems []error
	for _, c := range pool.Circuits() {
		status := tor.CheckProxy(ctx, ports.ProxyAddr(), c.Identity(), circuit.ProxyPassword)
		if err := status.Err(); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", c.Identity(), err))
		}
		fmt.Fprintf(out, "%-12s socks5h://%s  %s\n", c.Identity(), ports.ProxyAddr(), status)
	}

	version, err := controlVersion(ctx, cfg, pool, logger)
	if err != nil {
		problems = append(problems, fmt.Errorf("control: %w", err))
		fmt.Fprintf(out, "%-12s %s  %v\n", "control", ports.ControlAddr(), err)
	} else {
		fmt.Fprintf(out, "%-12s %s  OK (tor %s)\n", "control", ports.ControlAddr(), version)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", errCheckFailed, errors.Join(problems...))
	}
	return nil
}

// controlVersion authenticates on the pool's control port and returns
// GETINFO version.
func controlVersion(ctx context.Context, cfg *config.Config, pool *circuit.Pool, logger *slog.Logger) (string, error) {
	conn := tor.NewControlConn(pool.Ports().ControlAddr(),
		tor.WithCookiePath(filepath.Join(pool.DataDir(), tor.CookieFileName)),
		tor.WithPassword(cfg.ControlPassword),
		tor.WithDialTimeout(cfg.DialTimeout),
		tor.WithIOTimeout(cfg.IOTimeout),
		tor.WithControlLogger(logger),
	)
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		return "", err
	}
	if err := conn.Authenticate(ctx); err != nil {
		return "", err
	}
	return conn.GetInfo(ctx, "version")
}
