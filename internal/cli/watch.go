package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/diagramsync/internal/engine"
)

// WatchEvent is one line of watch output in JSON mode.
type WatchEvent struct {
	Event   string   `json:"event"` // "apply" or "save_state"
	Version int64    `json:"version,omitempty"`
	Fields  []string `json:"fields,omitempty"`
	Loaded  bool     `json:"loaded,omitempty"`
	State   string   `json:"state,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [id]",
		Short: "Follow a diagram live",
		Long: `Load a diagram and keep it in sync until interrupted.

Without an id the most recently modified diagram is loaded.

Every applied update and every save state transition is printed, one per
line. Updates are debounced (debounce) and only versions newer than the
local one are applied.

Example:
  diagramsync watch
  diagramsync watch 42
  diagramsync watch 42 --format json --verbose`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if len(args) == 1 {
				var err error
				if id, err = parseID(args[0]); err != nil {
					return err
				}
			}
			return runWatch(rootOpts, id, cmd)
		},
	}
	return cmd
}

// runWatch follows diagram id, or the latest diagram when id is 0.
func runWatch(opts *RootOptions, id int64, cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			if opts.Logger != nil {
				opts.Logger.Info("received signal, shutting down", "signal", sig)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	journal, err := openJournal(opts)
	if err != nil {
		return err
	}
	defer journal.Close()

	l, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer l.close()

	out := opts.formatter(cmd)
	if id == 0 {
		latest, err := l.diagrams.Latest(ctx)
		if err != nil {
			return out.Fail(ExitFailure, "failed to find the latest diagram", err)
		}
		id = latest.ID
		opts.Logger.Info("watching latest diagram", "id", id, "last_modified", latest.LastModified)
	}
	printer := &eventPrinter{w: cmd.OutOrStdout(), json: opts.Format == "json"}
	session := l.session(opts, journal, opts.Config.Autosave)
	session.OnApply(printer.apply)
	session.OnSaveState(printer.saveState)

	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	if err := session.Load(ctx, id); err != nil {
		cancel()
		<-done
		return out.Fail(ExitFailure, fmt.Sprintf("failed to load diagram %d", id), err)
	}
	if !printer.json {
		printer.line(fmt.Sprintf("Watching diagram %d. Press Ctrl-C to stop.", id))
	}

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "session error", err)
	}
	opts.Logger.Info("watch stopped", "id", id)
	return nil
}

// eventPrinter writes session notifications. Session observers run on the
// loop goroutine; the mutex only orders them against the banner line.
type eventPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *eventPrinter) apply(a engine.Applied) {
	fields := make([]string, len(a.Fields))
	for i, f := range a.Fields {
		fields[i] = string(f)
	}
	if p.json {
		p.emit(WatchEvent{Event: "apply", Version: a.Version, Fields: fields, Loaded: a.Loaded})
		return
	}
	verb := "applied"
	if a.Loaded {
		verb = "loaded"
	}
	p.line(fmt.Sprintf("%s version %d %v", verb, a.Version, fields))
}

func (p *eventPrinter) saveState(s engine.SaveState) {
	if p.json {
		p.emit(WatchEvent{Event: "save_state", State: s.String()})
		return
	}
	p.line("save " + s.String())
}

func (p *eventPrinter) emit(e WatchEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	p.line(string(data))
}

func (p *eventPrinter) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}
