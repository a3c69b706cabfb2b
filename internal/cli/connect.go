package cli

import (
	"context"
	"fmt"

	"github.com/roach88/diagramsync/internal/bus"
	"github.com/roach88/diagramsync/internal/engine"
	"github.com/roach88/diagramsync/internal/remote"
	"github.com/roach88/diagramsync/internal/store"
	"github.com/roach88/diagramsync/internal/transport"
)

// link is one live connection to the broker with the request layer on top.
type link struct {
	manager  *transport.Manager
	bus      *bus.Bus
	client   *remote.Client
	diagrams *remote.Diagrams
}

// dial builds the connection stack from the resolved config, starts it and
// waits for the first CONNECTED, bounded by connect_timeout.
func dial(ctx context.Context, opts *RootOptions) (*link, error) {
	if err := opts.resolve(); err != nil {
		return nil, err
	}
	cfg, logger := opts.Config, opts.Logger

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &transport.WebsocketDialer{}
	}
	settings := transport.DefaultSettings()
	settings.CheckInterval = cfg.CheckInterval
	settings.ReconnectBackoff = cfg.ReconnectBackoff

	l := &link{manager: transport.NewManager(cfg.BrokerURL, dialer, settings, logger)}
	l.bus = bus.New(l.manager, bus.NewHub(logger), logger)
	if err := remote.Wire(l.bus, logger); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to subscribe", err)
	}
	l.client = remote.NewClient(l.bus, remote.Options{
		ConnectTimeout:  cfg.ConnectTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		Logger:          logger,
	})
	l.diagrams = remote.NewDiagrams(l.client)

	logger.Debug("connecting", "broker", cfg.BrokerURL)
	l.manager.Start(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := l.bus.WaitConnected(waitCtx); err != nil {
		l.close()
		return nil, WrapExitError(ExitCommandError,
			fmt.Sprintf("cannot reach broker at %s", cfg.BrokerURL), remote.ErrConnectionTimeout)
	}
	return l, nil
}

func (l *link) close() {
	l.manager.Stop()
}

// session creates a document session publishing over l, journaling to
// journal and fed by the wired topics.
func (l *link) session(opts *RootOptions, journal *store.Store, autosave bool) *engine.Session {
	s := engine.New(l.bus,
		engine.WithLoader(l.diagrams),
		engine.WithJournal(journal),
		engine.WithDebounce(opts.Config.Debounce),
		engine.WithAutosave(autosave),
		engine.WithLogger(opts.Logger),
	)
	s.Listen(l.bus.Hub())
	return s
}

// openJournal opens the journal at journal_path.
func openJournal(opts *RootOptions) (*store.Store, error) {
	if err := opts.resolve(); err != nil {
		return nil, err
	}
	st, err := store.Open(opts.Config.JournalPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return st, nil
}
