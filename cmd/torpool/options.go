package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nao1215/torpool/internal/config"
	"github.com/nao1215/torpool/internal/log"
	"github.com/nao1215/torpool/internal/report"
	"github.com/spf13/cobra"
)

// addPoolFlags registers the flags of commands that start a pool.
func addPoolFlags(cmd *cobra.Command) {
	defaults := config.NewConfig()
	f := cmd.Flags()

	f.IntP("circuits", "n", defaults.Circuits, "Number of isolated circuits in the pool")
	f.IntP("max-queries", "q", defaults.MaxQueries,
		"Successful requests per circuit before it asks for a new identity")
	f.String("tor", defaults.TorExecutable, "tor executable name or path")
	f.Duration("startup-timeout", defaults.StartupTimeout, "Timeout for the tor control port to open")
	f.Duration("request-timeout", defaults.RequestTimeout, "Timeout for each request")
	f.String("control-password", "", "Also enable password authentication on the control port")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address while running (e.g. 127.0.0.1:9464)")
	f.String("journal-dir", defaults.JournalDir, "Directory of the session journal")
	f.Bool("no-journal", false, "Do not record this session in the journal")
}

// addOutputFlags registers the report format flags.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().BoolP("json", "j", false, "Output JSON (mutually exclusive with --markdown)")
	cmd.Flags().BoolP("markdown", "m", false, "Output Markdown (mutually exclusive with --json)")
	cmd.Flags().StringP("output", "o", "", "Write the report to this file (creates directories if needed)")
	cmd.MarkFlagsMutuallyExclusive("json", "markdown")
}

// buildConfig returns the defaults, overlaid by the configuration file,
// overlaid by the flags the user actually set.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()
	flags := cmd.Flags()

	explicitPath, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	path := config.FindConfigFile(explicitPath)
	switch {
	case path != "":
		if err := config.LoadConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		cfg.ConfigFilePath = path
	case explicitPath != "":
		return nil, fmt.Errorf("%w: %s", config.ErrConfigNotFound, explicitPath)
	}

	if cfg.Verbose, err = flags.GetBool("verbose"); err != nil {
		return nil, err
	}
	if flags.Changed("json-log") {
		if cfg.JSONLog, err = flags.GetBool("json-log"); err != nil {
			return nil, err
		}
	}

	overrides := []struct {
		name  string
		apply func() error
	}{
		{"circuits", func() (err error) { cfg.Circuits, err = flags.GetInt("circuits"); return }},
		{"max-queries", func() (err error) { cfg.MaxQueries, err = flags.GetInt("max-queries"); return }},
		{"tor", func() (err error) { cfg.TorExecutable, err = flags.GetString("tor"); return }},
		{"startup-timeout", func() (err error) { cfg.StartupTimeout, err = flags.GetDuration("startup-timeout"); return }},
		{"request-timeout", func() (err error) { cfg.RequestTimeout, err = flags.GetDuration("request-timeout"); return }},
		{"control-password", func() (err error) { cfg.ControlPassword, err = flags.GetString("control-password"); return }},
		{"metrics-addr", func() (err error) { cfg.MetricsAddr, err = flags.GetString("metrics-addr"); return }},
		{"journal-dir", func() (err error) { cfg.JournalDir, err = flags.GetString("journal-dir"); return }},
		{"concurrency", func() (err error) { cfg.Concurrency, err = flags.GetInt("concurrency"); return }},
		{"retries", func() (err error) { cfg.Retries, err = flags.GetInt("retries"); return }},
	}
	for _, o := range overrides {
		if flags.Lookup(o.name) == nil || !flags.Changed(o.name) {
			continue
		}
		if err := o.apply(); err != nil {
			return nil, err
		}
	}

	if flags.Lookup("no-journal") != nil {
		noJournal, err := flags.GetBool("no-journal")
		if err != nil {
			return nil, err
		}
		if noJournal {
			cfg.JournalDir = ""
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// newLogger creates the command's logger on w.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if cfg.JSONLog {
		return log.NewJSONLogger(w, cfg.Verbose)
	}
	return log.NewLogger(w, cfg.Verbose)
}

// newReportWriter returns the writer selected by the output flags and a
// function that closes the output file, if any.
func newReportWriter(cmd *cobra.Command) (report.Writer, func() error, error) {
	jsonOut, err := cmd.Flags().GetBool("json")
	if err != nil {
		return nil, nil, err
	}
	markdownOut, err := cmd.Flags().GetBool("markdown")
	if err != nil {
		return nil, nil, err
	}
	path, err := cmd.Flags().GetString("output")
	if err != nil {
		return nil, nil, err
	}
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, nil, err
	}

	out := cmd.OutOrStdout()
	closeOut := func() error { return nil }
	if path != "" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
			}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // User-provided output path is intentional
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create output file: %w", err)
		}
		out = f
		closeOut = f.Close
	}

	switch {
	case jsonOut:
		return report.NewJSONWriter(out, report.WithPrettyPrint()), closeOut, nil
	case markdownOut:
		return report.NewMarkdownWriter(out), closeOut, nil
	default:
		return report.NewSimpleWriter(out, report.WithVerbose(verbose || path != "")), closeOut, nil
	}
}

// writeReport writes with a writer from newReportWriter and closes the output.
func writeReport(cmd *cobra.Command, write func(report.Writer) error) error {
	w, closeOut, err := newReportWriter(cmd)
	if err != nil {
		return err
	}
	werr := write(w)
	return errors.Join(werr, closeOut())
}
