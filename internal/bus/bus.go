package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/roach88/diagramsync/internal/stomp"
	"github.com/roach88/diagramsync/internal/transport"
)

// ErrDisconnected is returned by Publish while the connection is down. The
// message is dropped and a reconnect has been requested.
var ErrDisconnected = errors.New("bus: transport disconnected")

// Connection is the part of transport.Manager the bus depends on.
type Connection interface {
	Connected() bool
	WaitConnected(ctx context.Context) error
	Reconnect()
	Send(f stomp.Frame) error
	OnConnect(hook func() error)
	OnStateChange(listener func(transport.State))
	OnFrame(handler func(stomp.Frame))
}

// Handler processes one inbound MESSAGE frame. A returned error means the
// frame could not be parsed; it is logged and discarded.
type Handler func(f stomp.Frame) error

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// Bus is the Message Bus Façade.
type Bus struct {
	conn   Connection
	hub    *Hub
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]subscription // by subscription id
	seq  int
}

// New wires a Bus to conn. Subscriptions are replayed on every connect,
// and connection state changes are emitted on hub as EventConnected and
// EventDisconnected. Call before conn is started.
func New(conn Connection, hub *Hub, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		conn:   conn,
		hub:    hub,
		logger: logger.With("component", "bus"),
		subs:   make(map[string]subscription),
	}
	conn.OnConnect(b.resubscribe)
	conn.OnStateChange(b.stateChanged)
	conn.OnFrame(b.dispatch)
	return b
}

// Hub returns the event hub the bus emits on.
func (b *Bus) Hub() *Hub {
	return b.hub
}

// Connected reports the connection flag.
func (b *Bus) Connected() bool {
	return b.conn.Connected()
}

// WaitConnected blocks until the connection is up or ctx is done.
func (b *Bus) WaitConnected(ctx context.Context) error {
	return b.conn.WaitConnected(ctx)
}

// Publish sends payload to destination. Payloads of type []byte and
// json.RawMessage are sent verbatim; anything else is JSON-encoded.
//
// Publish never queues: while disconnected it requests a reconnect and
// returns ErrDisconnected.
func (b *Bus) Publish(destination string, payload any) error {
	return b.PublishWithHeaders(destination, nil, payload)
}

// PublishWithHeaders is Publish with extra STOMP headers on the SEND frame.
func (b *Bus) PublishWithHeaders(destination string, headers map[string]string, payload any) error {
	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", destination, err)
	}

	if !b.conn.Connected() {
		b.logger.Info("publish while disconnected, dropping", "destination", destination)
		b.conn.Reconnect()
		return ErrDisconnected
	}

	if err := b.conn.Send(stomp.Send(destination, headers, body)); err != nil {
		return fmt.Errorf("publishing to %s: %w", destination, err)
	}
	b.logger.Debug("published", "destination", destination, "bytes", len(body))
	return nil
}

// Subscribe registers a persistent handler for topic. The subscription is
// sent now if connected, and again after every reconnect.
func (b *Bus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	id := "sub-" + strconv.Itoa(b.seq)
	b.seq++
	b.subs[id] = subscription{id: id, topic: topic, handler: handler}
	b.mu.Unlock()

	if !b.conn.Connected() {
		return nil
	}
	if err := b.conn.Send(stomp.Subscribe(id, topic)); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// Topics returns the subscribed topics in subscription order.
func (b *Bus) Topics() []string {
	subs := b.ordered()
	topics := make([]string, len(subs))
	for i, s := range subs {
		topics[i] = s.topic
	}
	return topics
}

// Emit forwards e to the hub. Topic handlers use it to raise typed events.
func (b *Bus) Emit(e Event) {
	b.hub.Emit(e)
}

func (b *Bus) ordered() []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]subscription, 0, len(b.subs))
	for i := 0; i < b.seq; i++ {
		if s, ok := b.subs["sub-"+strconv.Itoa(i)]; ok {
			subs = append(subs, s)
		}
	}
	return subs
}

// resubscribe runs as an on-connect hook.
func (b *Bus) resubscribe() error {
	for _, s := range b.ordered() {
		if err := b.conn.Send(stomp.Subscribe(s.id, s.topic)); err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}
	return nil
}

func (b *Bus) stateChanged(s transport.State) {
	switch s {
	case transport.StateConnected:
		b.hub.Emit(Event{Name: EventConnected})
	case transport.StateDisconnected:
		b.hub.Emit(Event{Name: EventDisconnected})
	}
}

// dispatch routes one inbound frame. It runs on the socket reader
// goroutine; a failing handler never affects other topics.
func (b *Bus) dispatch(f stomp.Frame) {
	switch f.Command {
	case stomp.CmdMessage:
	case stomp.CmdError:
		b.logger.Warn("broker error frame", "message", f.Header(stomp.HeaderMessage), "body", string(f.Body))
		return
	default:
		return
	}

	b.mu.RLock()
	s, ok := b.subs[f.Header(stomp.HeaderSubscription)]
	b.mu.RUnlock()
	if !ok {
		b.logger.Debug("message for unknown subscription", "subscription", f.Header(stomp.HeaderSubscription))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("topic handler panicked", "topic", s.topic, "panic", r)
		}
	}()
	if err := s.handler(f); err != nil {
		b.logger.Warn("discarding malformed frame", "topic", s.topic, "error", err)
	}
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
