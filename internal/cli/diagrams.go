package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"golang.org/x/term"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	Offline bool
}

// DiagramOutput is the JSON shape of a fetched diagram.
type DiagramOutput struct {
	ID       int64           `json:"id"`
	Version  int64           `json:"version"`
	Source   string          `json:"source"` // "server" or "cache"
	Document json.RawMessage `json:"document"`
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a diagram",
		Long: `Fetch one diagram from the server and print it.

The fetched snapshot is also written to the local journal, so a later
"get --offline" can read it without a connection.

Examples:
  diagramsync get 42
  diagramsync get 42 --offline
  diagramsync get 42 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runGet(commandContext(cmd), opts, id, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "read the journal's snapshot cache instead of the server")

	return cmd
}

func runGet(ctx context.Context, opts *GetOptions, id int64, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	journal, err := openJournal(opts.RootOptions)
	if err != nil {
		return err
	}
	defer journal.Close()

	if opts.Offline {
		snap, err := journal.Snapshot(ctx, id)
		if err != nil {
			return out.Fail(ExitFailure, fmt.Sprintf("no cached snapshot of diagram %d", id), err)
		}
		return printDiagram(out, DiagramOutput{
			ID:       snap.DocID,
			Version:  snap.Version,
			Source:   "cache",
			Document: json.RawMessage(snap.Payload),
		})
	}

	l, err := dial(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer l.close()

	raw, err := l.diagrams.Get(ctx, id)
	if err != nil {
		return out.Fail(ExitFailure, "get failed", err)
	}
	version := gjson.GetBytes(raw, "version").Int()
	if err := journal.PutSnapshot(ctx, id, version, raw); err != nil {
		opts.Logger.Warn("caching snapshot failed", "id", id, "error", err)
	}
	return printDiagram(out, DiagramOutput{ID: id, Version: version, Source: "server", Document: raw})
}

func printDiagram(out *OutputFormatter, d DiagramOutput) error {
	if out.Format == "json" {
		return out.Success(d)
	}
	out.VerboseLog("diagram %d version %d (%s)", d.ID, d.Version, d.Source)
	return out.Success(string(d.Document))
}

// ListItem is one row of the list command.
type ListItem struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List diagrams on the server",
		Long: `List every diagram the server knows, with its title and last
modification time.

Examples:
  diagramsync list
  diagramsync list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(commandContext(cmd), rootOpts, cmd)
		},
	}
	return cmd
}

func runList(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	l, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer l.close()

	summaries, err := l.diagrams.List(ctx)
	if err != nil {
		return out.Fail(ExitFailure, "list failed", err)
	}

	items := make([]ListItem, 0, len(summaries))
	for _, s := range summaries {
		item := ListItem{ID: s.ID, Title: s.Title}
		if !s.LastModified.IsZero() {
			t := s.LastModified.UTC()
			item.LastModified = &t
		}
		items = append(items, item)
	}

	if out.Format == "json" {
		return out.Success(items)
	}
	if len(items) == 0 {
		return out.Success("No diagrams.")
	}
	rows := make([][]string, len(items))
	for i, it := range items {
		modified := "-"
		if it.LastModified != nil {
			modified = it.LastModified.Format(time.RFC3339)
		}
		rows[i] = []string{strconv.FormatInt(it.ID, 10), it.Title, modified}
	}
	return out.Table([]string{"ID", "TITLE", "LAST MODIFIED"}, rows)
}

// DeleteOptions holds flags for the delete command.
type DeleteOptions struct {
	*RootOptions
	Yes bool
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a diagram",
		Long: `Ask the server to delete a diagram.

When stdin is a terminal the command asks for confirmation first.
The request waits at most 5s for a connection.

Examples:
  diagramsync delete 42
  diagramsync delete 42 --yes`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runDelete(commandContext(cmd), opts, id, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func runDelete(ctx context.Context, opts *DeleteOptions, id int64, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	if !opts.Yes && isTTY() {
		fmt.Fprintf(cmd.OutOrStdout(), "Delete diagram %d? [y/N] ", id)
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			return out.Success("Aborted.")
		}
	}

	l, err := dial(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer l.close()

	if err := l.diagrams.Delete(ctx, id); err != nil {
		return out.Fail(ExitFailure, "delete failed", err)
	}
	if out.Format == "json" {
		return out.Success(map[string]int64{"deleted": id})
	}
	return out.Success(fmt.Sprintf("Deleted diagram %d.", id))
}

// isTTY returns true if stdin is a terminal.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid diagram id %q", arg))
	}
	return id, nil
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
