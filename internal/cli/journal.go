package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// JournalEntry is one save in the journal output.
type JournalEntry struct {
	Version     int64     `json:"version"`
	State       string    `json:"state"`
	SessionID   string    `json:"session_id"`
	ContentHash string    `json:"content_hash"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal <id>",
		Short: "Show the local save journal of a diagram",
		Long: `Print every save this machine issued for a diagram, oldest first,
with its state: pending, published, echoed or failed.

Saves of a new diagram are listed under its id once the server echoed
the creation.

Examples:
  diagramsync journal 42
  diagramsync journal 42 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runJournal(commandContext(cmd), rootOpts, id, cmd)
		},
	}
	return cmd
}

func runJournal(ctx context.Context, opts *RootOptions, id int64, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	journal, err := openJournal(opts)
	if err != nil {
		return err
	}
	defer journal.Close()
	if v, err := journal.SchemaVersion(ctx); err == nil {
		out.VerboseLog("journal %s (schema version %d)", opts.Config.JournalPath, v)
	}

	saves, err := journal.Saves(ctx, id)
	if err != nil {
		return out.Fail(ExitCommandError, "failed to read journal", err)
	}

	entries := make([]JournalEntry, 0, len(saves))
	for _, s := range saves {
		entries = append(entries, JournalEntry{
			Version:     s.Version,
			State:       string(s.State),
			SessionID:   s.SessionID,
			ContentHash: s.ContentHash,
			Error:       s.Error,
			CreatedAt:   s.CreatedAt.UTC(),
		})
	}

	if out.Format == "json" {
		return out.Success(entries)
	}
	if len(entries) == 0 {
		return out.Success(fmt.Sprintf("No saves recorded for diagram %d.", id))
	}
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{
			strconv.FormatInt(e.Version, 10),
			e.State,
			e.SessionID,
			shortHash(e.ContentHash),
			e.CreatedAt.Format(time.RFC3339),
			e.Error,
		}
	}
	return out.Table([]string{"VERSION", "STATE", "SESSION", "HASH", "CREATED", "ERROR"}, rows)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
