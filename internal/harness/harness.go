package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roach88/diagramsync/internal/bus"
	"github.com/roach88/diagramsync/internal/document"
	"github.com/roach88/diagramsync/internal/engine"
	"github.com/roach88/diagramsync/internal/remote"
	"github.com/roach88/diagramsync/internal/stomp"
	"github.com/roach88/diagramsync/internal/store"
	"github.com/roach88/diagramsync/internal/testutil"
	"github.com/roach88/diagramsync/internal/transport"
)

// markerTopic carries settle markers. The broker writes to a socket in
// order, so a marker arriving means every earlier message was dispatched.
const markerTopic = "/topic/harness.marker"

// runTimeout bounds a whole scenario; a step that never settles fails the
// run instead of hanging it.
const runTimeout = 30 * time.Second

// fixedNow is the wall clock every scenario sees.
var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Publishes driven by the connection rather than by the scenario stay out
// of the trace.
var untraced = map[string]bool{
	remote.DestinationPrefix + remote.TypeGetDiagrams: true,
}

// runner owns one scenario's stack.
type runner struct {
	broker  *testutil.Broker
	manager *transport.Manager
	bus     *bus.Bus
	session *engine.Session
	journal *store.Store
	sched   *testutil.ManualScheduler

	stopSession context.CancelFunc
	sessionDone chan struct{}

	markers    chan string
	nextMarker int
	offline    bool

	mu       sync.Mutex
	seq      int64
	trace    []TraceEvent
	serve    map[int64][]byte
	lastSave []byte
}

// Run executes a scenario and returns the result.
//
// Each run builds a fresh stack: an in-memory broker and journal, a real
// connection manager, bus, request client and session. Session ids,
// request ids, the wall clock and the debounce clock are all
// deterministic, so two runs of one scenario produce the same trace.
func Run(scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	r, err := start(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer r.close()

	for i, step := range scenario.Steps {
		if err := r.step(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	st, err := r.session.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading final state: %w", err)
	}

	result := NewResult()
	result.Trace = r.snapshotTrace()
	if result.Final, err = finalState(st); err != nil {
		return nil, err
	}
	for _, s := range []store.SaveState{store.SavePending, store.SavePublished, store.SaveEchoed, store.SaveFailed} {
		n, err := r.journal.CountByState(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("counting %s saves: %w", s, err)
		}
		result.journal[string(s)] = n
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func start(ctx context.Context, sc *Scenario) (*runner, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	journal, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory journal: %w", err)
	}

	r := &runner{
		broker:  testutil.NewBroker(),
		journal: journal,
		sched:   testutil.NewManualScheduler(),
		markers: make(chan string, 16),
		serve:   make(map[int64][]byte),
	}
	r.manager = transport.NewManager("ws://harness.test/ws", r.broker, &transport.Settings{
		CheckInterval:    time.Hour,
		ReconnectBackoff: 10 * time.Millisecond,
		HandshakeTimeout: time.Second,
	}, logger)
	r.bus = bus.New(r.manager, bus.NewHub(logger), logger)

	if err := remote.Wire(r.bus, logger); err != nil {
		journal.Close()
		return nil, fmt.Errorf("wiring topics: %w", err)
	}
	err = r.bus.Subscribe(markerTopic, func(f stomp.Frame) error {
		r.markers <- string(f.Body)
		return nil
	})
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("subscribing markers: %w", err)
	}

	client := remote.NewClient(r.bus, remote.Options{
		ConnectTimeout:  runTimeout,
		ResponseTimeout: runTimeout,
		IDs:             testutil.NewSequentialIDs("request"),
		Logger:          logger,
	})
	opts := []engine.Option{
		engine.WithLoader(remote.NewDiagrams(client)),
		engine.WithJournal(journal),
		engine.WithScheduler(r.sched),
		engine.WithDebounce(sc.Debounce),
		engine.WithSessionIDs(testutil.NewSequentialIDs("session")),
		engine.WithLogger(logger),
		engine.WithNow(func() time.Time { return fixedNow }),
	}
	if sc.Autosave != nil {
		opts = append(opts, engine.WithAutosave(*sc.Autosave))
	}
	r.session = engine.New(r.bus, opts...)
	r.session.Listen(r.bus.Hub())
	r.session.OnSaveState(func(s engine.SaveState) {
		r.record(TraceEvent{Type: TraceSaveState, State: s.String()})
	})
	r.session.OnApply(func(a engine.Applied) {
		fields := make([]string, len(a.Fields))
		for i, f := range a.Fields {
			fields[i] = string(f)
		}
		r.record(TraceEvent{Type: TraceApply, Version: a.Version, Fields: fields, Loaded: a.Loaded})
	})
	r.broker.OnSend(r.onSend)

	runCtx, stop := context.WithCancel(context.Background())
	r.stopSession = stop
	r.sessionDone = make(chan struct{})
	go func() {
		defer close(r.sessionDone)
		_ = r.session.Run(runCtx)
	}()
	r.manager.Start(context.Background())

	if err := r.bus.WaitConnected(ctx); err != nil {
		r.close()
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	return r, nil
}

func (r *runner) close() {
	r.session.Stop()
	r.stopSession()
	<-r.sessionDone
	r.manager.Stop()
	r.journal.Close()
}

func (r *runner) step(ctx context.Context, st Step) error {
	switch {
	case st.Deliver != nil:
		body := []byte(st.Deliver.Raw)
		if st.Deliver.Raw == "" {
			var err error
			if body, err = json.Marshal(st.Deliver.Body); err != nil {
				return fmt.Errorf("encoding body: %w", err)
			}
		}
		if err := r.deliver(st.Deliver.Topic, nil, body); err != nil {
			return err
		}
		return r.settle(ctx)

	case st.Edit != nil:
		field, value := document.Field(st.Edit.Field), st.Edit.Value
		errc := make(chan error, 1)
		if !r.session.Edit(func(d *document.Document) { errc <- d.SetValue(field, value) }) {
			return engine.ErrStopped
		}
		if err := r.settle(ctx); err != nil {
			return err
		}
		select {
		case err := <-errc:
			return err
		default:
			return errors.New("edit was not applied")
		}

	case st.Save:
		if !r.session.Save() {
			return engine.ErrStopped
		}
		return r.settle(ctx)

	case st.Advance > 0:
		if err := r.settle(ctx); err != nil {
			return err
		}
		r.sched.Advance(st.Advance)
		return r.settle(ctx)

	case st.Echo != nil:
		r.mu.Lock()
		body := r.lastSave
		r.mu.Unlock()
		if body == nil {
			return errors.New("echo: nothing has been saved")
		}
		if st.Echo.ID != 0 {
			var err error
			if body, err = stampID(body, st.Echo.ID); err != nil {
				return err
			}
		}
		if err := r.deliver(remote.TopicDiagramData, nil, body); err != nil {
			return err
		}
		return r.settle(ctx)

	case st.Load != nil:
		doc, err := json.Marshal(st.Load.Document)
		if err != nil {
			return fmt.Errorf("encoding document: %w", err)
		}
		r.mu.Lock()
		r.serve[st.Load.ID] = doc
		r.mu.Unlock()
		// A rejected document is part of the scenario, not a harness failure.
		if err := r.session.Load(ctx, st.Load.ID); err != nil && !engine.IsLoadError(err) {
			return err
		}
		return r.settle(ctx)

	case st.ServerError != "":
		if err := r.deliver(remote.TopicErrors, nil, []byte(st.ServerError)); err != nil {
			return err
		}
		return r.settle(ctx)

	case st.Drop:
		dials := r.broker.Dials()
		r.broker.Drop()
		err := waitFor(ctx, "reconnect", func() bool {
			return r.broker.Dials() > dials && r.manager.Connected()
		})
		if err != nil {
			return err
		}
		return r.settle(ctx)

	case st.Offline != nil:
		if *st.Offline {
			r.broker.Refuse(true)
			r.broker.Drop()
			if err := waitFor(ctx, "disconnect", func() bool { return !r.manager.Connected() }); err != nil {
				return err
			}
			r.offline = true
			return r.settle(ctx)
		}
		r.broker.Refuse(false)
		r.manager.Reconnect()
		if err := waitFor(ctx, "reconnect", r.manager.Connected); err != nil {
			return err
		}
		r.offline = false
		return r.settle(ctx)
	}
	return errors.New("step has no action")
}

// onSend plays the server side for SEND frames: it records them, keeps
// the newest save for echo steps and answers getDiagram requests.
func (r *runner) onSend(f stomp.Frame) {
	dest := f.Header(stomp.HeaderDestination)
	if untraced[dest] {
		return
	}
	r.record(traceBody(TraceEvent{Type: TracePublish, Destination: dest}, f.Body))

	switch strings.TrimPrefix(dest, remote.DestinationPrefix) {
	case remote.TypeAddDiagram, remote.TypeUpdateDiagram:
		r.mu.Lock()
		r.lastSave = append([]byte(nil), f.Body...)
		r.mu.Unlock()

	case remote.TypeGetDiagram:
		id, err := strconv.ParseInt(strings.TrimSpace(string(f.Body)), 10, 64)
		if err != nil {
			return
		}
		r.mu.Lock()
		doc, ok := r.serve[id]
		r.mu.Unlock()
		if !ok {
			return
		}
		_ = r.deliver(remote.TopicDiagramData, map[string]string{
			remote.HeaderCorrelationID: f.Header(remote.HeaderCorrelationID),
		}, doc)
	}
}

func (r *runner) deliver(topic string, headers map[string]string, body []byte) error {
	r.record(traceBody(TraceEvent{Type: TraceDeliver, Destination: topic}, body))
	if r.broker.Deliver(topic, headers, body) == 0 {
		return fmt.Errorf("no live subscriber for %s", topic)
	}
	return nil
}

// settle returns once the session has processed everything the last step
// caused. While offline nothing can arrive, so the session barrier alone
// is enough.
func (r *runner) settle(ctx context.Context) error {
	if !r.offline {
		r.nextMarker++
		id := strconv.Itoa(r.nextMarker)
		if r.broker.Deliver(markerTopic, nil, []byte(id)) == 0 {
			return errors.New("no live subscriber for settle marker")
		}
		for got := ""; got != id; {
			select {
			case got = <-r.markers:
			case <-ctx.Done():
				return fmt.Errorf("waiting for marker %s: %w", id, ctx.Err())
			}
		}
	}
	_, err := r.session.Snapshot(ctx)
	return err
}

func (r *runner) record(e TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.Seq = r.seq
	r.trace = append(r.trace, e)
}

func (r *runner) snapshotTrace() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent{}, r.trace...)
}

// traceBody attaches body as JSON when it is JSON and as text otherwise.
func traceBody(e TraceEvent, body []byte) TraceEvent {
	if gjson.ValidBytes(body) {
		e.Body = append(json.RawMessage(nil), body...)
	} else {
		e.Text = string(body)
	}
	return e
}

// stampID sets the top-level id of a save payload.
func stampID(body []byte, id int64) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("echo: decoding save: %w", err)
	}
	m["id"] = json.RawMessage(strconv.FormatInt(id, 10))
	return json.Marshal(m)
}

func finalState(st engine.Status) (FinalState, error) {
	f := FinalState{
		SessionID: st.SessionID,
		DocID:     st.DocID,
		Version:   st.Version,
		Pending:   append([]int64{}, st.Pending...),
		SaveState: st.SaveState.String(),
		Document:  json.RawMessage("null"),
	}
	if st.Document != nil {
		raw, err := st.Document.MarshalJSON()
		if err != nil {
			return f, fmt.Errorf("encoding final document: %w", err)
		}
		f.Document = raw
	}
	return f, nil
}

func waitFor(ctx context.Context, what string, cond func() bool) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-tick.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		}
	}
	return nil
}
