package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/diagramsync/internal/bus"
	"github.com/roach88/diagramsync/internal/document"
	"github.com/roach88/diagramsync/internal/remote"
	"github.com/roach88/diagramsync/internal/store"
)

// ErrStopped is returned by calls that need the loop after it has exited.
var ErrStopped = errors.New("engine: session stopped")

// Publisher sends one message on the bus without blocking. bus.Bus
// implements it.
type Publisher interface {
	Publish(destination string, payload any) error
}

// Loader fetches a document snapshot. remote.Diagrams implements it.
type Loader interface {
	Get(ctx context.Context, id int64) (json.RawMessage, error)
}

// Journal records save attempts and applied snapshots. store.Store
// implements it.
type Journal interface {
	RecordSave(ctx context.Context, rec store.SaveRecord) (int64, error)
	MarkSaveState(ctx context.Context, sessionID string, version int64, state store.SaveState, errMsg string) error
	MarkEchoed(ctx context.Context, sessionID string, version, docID int64) error
	PutSnapshot(ctx context.Context, docID, version int64, payload []byte) error
}

// Option configures a Session.
type Option func(*Session)

// WithLoader sets the snapshot source used by Load.
func WithLoader(l Loader) Option {
	return func(s *Session) { s.loader = l }
}

// WithJournal enables the local save journal.
func WithJournal(j Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithScheduler sets the timer source of the debouncer.
func WithScheduler(sched Scheduler) Option {
	return func(s *Session) { s.sched = sched }
}

// WithDebounce sets the debounce window (default 50ms).
func WithDebounce(d time.Duration) Option {
	return func(s *Session) { s.window = d }
}

// WithAutosave toggles saving on every edit (default true).
func WithAutosave(on bool) Option {
	return func(s *Session) { s.autosave = on }
}

// WithSessionIDs sets the generator of journal session ids.
func WithSessionIDs(g remote.IDGenerator) Option {
	return func(s *Session) { s.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithNow sets the wall clock used for LastSaved.
func WithNow(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is the single-writer event loop for one open document.
//
// CRITICAL: All state mutations happen in the Run goroutine. Other
// goroutines use Edit, Save, Load, Open and the bus listeners, which only
// enqueue.
//
// Thread-safety model:
//   - Edit/Save/Load/Open/Snapshot: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//   - OnSaveState/OnApply listeners: called on the Run goroutine and must
//     not block or call back into blocking Session methods
type Session struct {
	pub      Publisher
	loader   Loader
	journal  Journal
	sched    Scheduler
	window   time.Duration
	autosave bool
	ids      remote.IDGenerator
	logger   *slog.Logger
	now      func() time.Time

	queue     *eventQueue
	debouncer *Debouncer
	state     *SyncState
	done      chan struct{}
	ctx       context.Context

	mu            sync.Mutex
	saveObservers []func(SaveState)
	applyObs      []func(Applied)
}

// New creates a Session publishing through pub. The session starts with an
// empty, unsaved document.
func New(pub Publisher, opts ...Option) *Session {
	s := &Session{
		pub:      pub,
		autosave: true,
		ids:      remote.UUIDv7Generator{},
		now:      time.Now,
		queue:    newEventQueue(),
		done:     make(chan struct{}),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "session")
	s.debouncer = NewDebouncer(s.sched, s.window)
	s.state = newSyncState(s.ids.Generate(), nil)
	return s
}

// Listen feeds the session from hub: diagramData events become inbound
// frames and serverError events become save rejections. The returned
// function detaches the session.
func (s *Session) Listen(hub *bus.Hub) (cancel func()) {
	offData := hub.On(bus.EventDiagramData, func(e bus.Event) {
		s.queue.Enqueue(Event{Type: EventTypeFrame, Body: e.Body})
	})
	offErr := hub.On(bus.EventServerError, func(e bus.Event) {
		s.queue.Enqueue(Event{Type: EventTypeServerError, Body: e.Body})
	})
	return func() {
		offData()
		offErr()
	}
}

// OnSaveState registers a listener for SaveState transitions.
func (s *Session) OnSaveState(fn func(SaveState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveObservers = append(s.saveObservers, fn)
}

// OnApply registers a listener called whenever the document changes from
// outside: a committed foreign update or an installed snapshot.
func (s *Session) OnApply(fn func(Applied)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyObs = append(s.applyObs, fn)
}

// Edit enqueues a local mutation. With autosave on, a non-empty document
// is saved right after fn runs. Edit never blocks; it returns false once
// the session has stopped.
func (s *Session) Edit(fn func(*document.Document)) bool {
	return s.queue.Enqueue(Event{Type: EventTypeEdit, Edit: fn})
}

// Save enqueues a manual save, regardless of autosave.
func (s *Session) Save() bool {
	return s.queue.Enqueue(Event{Type: EventTypeSave})
}

// Load fetches document id and installs it, resetting the version counter,
// the pending set and the save state. The fetch runs on the caller's
// goroutine.
func (s *Session) Load(ctx context.Context, id int64) error {
	if s.loader == nil {
		return errors.New("engine: session has no loader")
	}

	raw, err := s.loader.Get(ctx, id)
	if err != nil {
		if _, werr := s.enqueueWait(ctx, Event{Type: EventTypeLoadFailed, DocID: id, Err: err}); werr != nil {
			return werr
		}
		return newSyncError(ErrCodeLoadFailed, 0, err, "fetching diagram %d", id)
	}
	return s.install(ctx, id, raw)
}

// Open installs a document from raw JSON, as Load does after fetching.
func (s *Session) Open(ctx context.Context, raw json.RawMessage) error {
	return s.install(ctx, 0, raw)
}

func (s *Session) install(ctx context.Context, id int64, raw json.RawMessage) error {
	st, err := s.enqueueWait(ctx, Event{Type: EventTypeLoaded, DocID: id, Body: raw})
	if err != nil {
		return err
	}
	if st.SaveState == SaveFailedToLoad {
		return st.LastError
	}
	return nil
}

// Snapshot returns the session status once every event enqueued before the
// call has been processed.
func (s *Session) Snapshot(ctx context.Context) (Status, error) {
	return s.enqueueWait(ctx, Event{Type: EventTypeBarrier})
}

// QueueLen returns the number of unprocessed events.
func (s *Session) QueueLen() int {
	return s.queue.Len()
}

func (s *Session) enqueueWait(ctx context.Context, ev Event) (Status, error) {
	reply := make(chan Status, 1)
	ev.reply = reply
	if !s.queue.Enqueue(ev) {
		return Status{}, ErrStopped
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		// The loop may have answered just before exiting.
		select {
		case st := <-reply:
			return st, nil
		default:
			return Status{}, ErrStopped
		}
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Run starts the single-writer event loop.
// Blocks until ctx is cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.done)
	defer s.debouncer.Cancel()

	s.logger.Info("session starting", "session_id", s.state.sessionID)

	for {
		event, ok := s.queue.TryDequeue()
		if ok {
			if err := s.processEvent(event); err != nil {
				logEventError(s.logger, event, err)
			}
			if event.reply != nil {
				event.reply <- s.state.status(s.debouncer.Pending())
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Info("session stopping: context cancelled")
			s.queue.Close()
			return ctx.Err()

		case <-s.queue.Wait():
			// The signal channel closes with the queue.
			if s.queue.Closed() && s.queue.Len() == 0 {
				s.logger.Info("session stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue; Run returns once it is drained.
func (s *Session) Stop() {
	s.queue.Close()
}

// processEvent routes an event to its handler.
// CRITICAL: Called only from the Run goroutine.
func (s *Session) processEvent(event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s event: %v", event.Type, r)
		}
	}()

	switch event.Type {
	case EventTypeFrame:
		return s.handleFrame(event.Body)
	case EventTypeDebounce:
		s.commit(event.Generation)
		return nil
	case EventTypeEdit:
		if event.Edit == nil {
			return errors.New("edit event missing mutation")
		}
		event.Edit(s.state.doc)
		if !s.autosave {
			return nil
		}
		if s.state.doc.Empty() {
			s.logger.Debug("skipping autosave of empty document")
			return nil
		}
		return s.save()
	case EventTypeSave:
		return s.save()
	case EventTypeLoaded:
		return s.installSnapshot(event.DocID, event.Body)
	case EventTypeLoadFailed:
		return s.loadFailed(newSyncError(ErrCodeLoadFailed, 0, event.Err, "fetching diagram %d", event.DocID))
	case EventTypeServerError:
		return s.serverError(event.Body)
	case EventTypeBarrier:
		return nil
	default:
		return fmt.Errorf("unknown event type: %d", event.Type)
	}
}

func (s *Session) setSaveState(next SaveState) {
	if s.state.save == next {
		return
	}
	prev := s.state.save
	s.state.save = next
	s.logger.Info("save state", "from", prev.String(), "to", next.String(), "version", s.state.counter.Current())

	s.mu.Lock()
	observers := slices.Clone(s.saveObservers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(next)
	}
}

func (s *Session) notifyApply(a Applied) {
	s.mu.Lock()
	observers := slices.Clone(s.applyObs)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(a)
	}
}

// logEventError logs a failed event with enough context to reproduce it.
func logEventError(logger *slog.Logger, event Event, err error) {
	attrs := []any{"event", event.Type.String(), "error", err}
	var se *SyncError
	if errors.As(err, &se) {
		attrs = append(attrs, "code", string(se.Code))
		if se.Version != 0 {
			attrs = append(attrs, "version", se.Version)
		}
	}
	switch {
	case IsMalformed(err):
		logger.Warn("discarding malformed frame", attrs...)
	default:
		logger.Error("event processing failed", attrs...)
	}
}
