package main

import (
	"errors"
	"fmt"

	"github.com/nao1215/torpool/internal/config"
	"github.com/nao1215/torpool/internal/journal"
	"github.com/nao1215/torpool/internal/report"
	"github.com/spf13/cobra"
)

// errJournalDisabled is returned when the configuration turns the journal off.
var errJournalDisabled = errors.New("journal is disabled (journalDir is empty)")

// defaultHistoryLimit is the number of sessions `torpool history` lists.
const defaultHistoryLimit = 20

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded pool sessions",
		Long: `History lists the sessions recorded in the journal, newest first: when each
fetch or check ran, how many circuits it used, and how many requests,
failures and identity rotations it saw. Requests and responses themselves are
never recorded.

Examples:
  # Last 20 sessions
  torpool history

  # All sessions as JSON
  torpool history --limit 0 --json`,
		Args: cobra.NoArgs,
		RunE: runHistoryCmd,
	}

	cmd.Flags().IntP("limit", "l", defaultHistoryLimit, "Maximum number of sessions to list (0 for all)")
	cmd.Flags().String("journal-dir", config.XDGDataDir(), "Directory of the session journal")
	addOutputFlags(cmd)

	return cmd
}

// runHistoryCmd executes the history command.
func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	if cfg.JournalDir == "" {
		return errJournalDisabled
	}

	opts := journal.DefaultOptions()
	opts.CreateIfNotExists = false
	opts.Logger = newLogger(cfg, cmd.ErrOrStderr())

	var sessions []journal.Session
	j, err := journal.Open(cfg.JournalDir, opts)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		// Nothing recorded yet.
	case err != nil:
		return fmt.Errorf("failed to open journal: %w", err)
	default:
		defer j.Close()
		if sessions, err = j.Sessions(cmd.Context(), limit); err != nil {
			return err
		}
	}

	return writeReport(cmd, func(w report.Writer) error {
		_, err := w.WriteHistory(sessions)
		return err
	})
}
