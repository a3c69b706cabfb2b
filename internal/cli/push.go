package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/diagramsync/internal/engine"
)

// ErrNotEchoed is returned when the server never confirms a pushed save.
var ErrNotEchoed = errors.New("save was not echoed by the server")

// PushOptions holds flags for the push command.
type PushOptions struct {
	*RootOptions
	Wait time.Duration
}

// PushOutput is the result of a push.
type PushOutput struct {
	ID        int64  `json:"id"`
	Version   int64  `json:"version"`
	SessionID string `json:"session_id"`
	Echoed    bool   `json:"echoed"`
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push <file.json>",
		Short: "Save a diagram from a JSON file",
		Long: `Open a diagram document from disk and save it to the server.

A document without an id is created (addDiagram); one with an id is
updated (updateDiagram). The command then waits for the server to echo
the save, checking every poll_interval, for at most --wait.

Exit codes:
  0 - Save published (and echoed, unless --wait 0)
  1 - Save rejected, or not echoed in time
  2 - Command error (unreadable file, broker unreachable, etc.)

Examples:
  diagramsync push diagram.json
  diagramsync push diagram.json --wait 30s
  diagramsync push diagram.json --wait 0`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(commandContext(cmd), opts, args[0], cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Wait, "wait", 10*time.Second, "how long to wait for the echo (0 to skip)")

	return cmd
}

func runPush(ctx context.Context, opts *PushOptions, path string, cmd *cobra.Command) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read document", err)
	}

	journal, err := openJournal(opts.RootOptions)
	if err != nil {
		return err
	}
	defer journal.Close()

	l, err := dial(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer l.close()

	out := opts.formatter(cmd)
	runCtx, stop := context.WithCancel(ctx)
	session := l.session(opts.RootOptions, journal, false)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Run(runCtx)
	}()
	defer func() {
		stop()
		<-done
	}()

	if err := session.Open(ctx, raw); err != nil {
		return WrapExitError(ExitCommandError, "invalid document", err)
	}
	session.Save()

	st, err := awaitEcho(ctx, session, opts.Config.PollInterval, opts.Wait)
	result := PushOutput{ID: st.DocID, Version: st.Version, SessionID: st.SessionID, Echoed: err == nil && opts.Wait > 0}
	if err != nil {
		return out.Fail(ExitFailure, fmt.Sprintf("push of %s failed", path), err)
	}

	if out.Format == "json" {
		return out.Success(result)
	}
	out.VerboseLog("session %s", result.SessionID)
	switch {
	case !result.Echoed:
		return out.Success(fmt.Sprintf("Published version %d.", result.Version))
	case result.ID != 0:
		return out.Success(fmt.Sprintf("Saved diagram %d at version %d.", result.ID, result.Version))
	default:
		return out.Success(fmt.Sprintf("Saved version %d.", result.Version))
	}
}

// awaitEcho polls the session every interval until its last save is echoed,
// fails, or wait elapses. A zero wait only checks that the save was
// published.
func awaitEcho(ctx context.Context, session *engine.Session, interval, wait time.Duration) (engine.Status, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := session.Snapshot(ctx)
		if err != nil {
			return st, err
		}
		switch st.SaveState {
		case engine.SaveError:
			return st, st.LastError
		case engine.SaveSaved:
			if wait <= 0 || len(st.Pending) == 0 {
				return st, nil
			}
		}
		if !time.Now().Before(deadline) {
			return st, ErrNotEchoed
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}
