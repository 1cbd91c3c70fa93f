package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nao1215/torpool/internal/circuit"
	"github.com/nao1215/torpool/internal/config"
	"github.com/nao1215/torpool/internal/journal"
	"github.com/nao1215/torpool/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// session is what a pool-running command sets up around its pool: the
// journal recorder and the metrics endpoint. Both are optional.
type session struct {
	logger    *slog.Logger
	journal   *journal.Journal
	recorder  *journal.Recorder
	collector *telemetry.PrometheusCollector
	metrics   *telemetry.Server
}

// openSession starts the journal session and metrics endpoint configured in
// cfg. On error everything opened so far is closed.
func openSession(ctx context.Context, cfg *config.Config, command string, logger *slog.Logger) (_ *session, err error) {
	s := &session{logger: logger}
	defer func() {
		if err != nil {
			s.close(context.WithoutCancel(ctx))
		}
	}()

	if cfg.JournalDir != "" {
		opts := journal.DefaultOptions()
		opts.Logger = logger
		if s.journal, err = journal.Open(cfg.JournalDir, opts); err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		s.recorder, err = s.journal.StartSession(ctx, journal.SessionInfo{
			Command:    command,
			Circuits:   cfg.Circuits,
			MaxQueries: cfg.MaxQueries,
		})
		if err != nil {
			return nil, err
		}
		logger.Debug("journal session started", "session", s.recorder.SessionID(), "path", s.journal.Path())
	}

	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		if s.collector, err = telemetry.NewPrometheusCollector(registry); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		if s.metrics, err = telemetry.Listen(cfg.MetricsAddr, registry, logger); err != nil {
			return nil, fmt.Errorf("failed to serve metrics: %w", err)
		}
	}
	return s, nil
}

// poolOptions returns the pool options that wire the session in.
func (s *session) poolOptions() []circuit.Option {
	opts := []circuit.Option{circuit.WithLogger(s.logger)}
	if s.recorder != nil {
		opts = append(opts, circuit.WithObserver(s.recorder))
	}
	if s.collector != nil {
		opts = append(opts, circuit.WithObserver(s.collector))
	}
	return opts
}

// attach records the pool's daemon in the journal.
func (s *session) attach(ctx context.Context, pool *circuit.Pool) {
	if s.recorder == nil {
		return
	}
	ports := pool.Ports()
	if err := s.recorder.SetDaemon(ctx, pool.DaemonPID(), ports.Proxy, ports.Control); err != nil {
		s.logger.Warn("failed to record daemon in journal", "error", err)
	}
}

// id returns the journal session id, or "" without a journal.
func (s *session) id() string {
	if s.recorder == nil {
		return ""
	}
	return s.recorder.SessionID()
}

// close finishes the journal session and stops the metrics endpoint.
// Failures are logged; they never change the command's result.
func (s *session) close(ctx context.Context) {
	var errs []error
	if s.recorder != nil {
		errs = append(errs, s.recorder.Finish(ctx))
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.metrics != nil {
		errs = append(errs, s.metrics.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("failed to close session", "error", err)
	}
}
