package testutil

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/roach88/diagramsync/internal/stomp"
	"github.com/roach88/diagramsync/internal/transport"
)

// ErrConnClosed is returned by reads and writes on a dropped broker socket.
var ErrConnClosed = errors.New("testutil: broker connection closed")

// ErrRefused is returned by Dial while the broker refuses connections.
var ErrRefused = errors.New("testutil: broker refused connection")

// Broker is an in-memory STOMP broker implementing transport.Dialer.
//
// It answers CONNECT with CONNECTED, records SUBSCRIBE and SEND frames, and
// fans out MESSAGE frames to subscribed sockets via Deliver. Tests simulate
// network trouble with Refuse, Mute and Drop.
//
// Thread-safety: All methods are safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	conns   map[*brokerConn]struct{}
	refuse  bool
	mute    bool
	dials   int
	sent    []stomp.Frame
	onSend  func(stomp.Frame)
	nextMsg int
}

// NewBroker creates an empty broker accepting connections.
func NewBroker() *Broker {
	return &Broker{conns: make(map[*brokerConn]struct{})}
}

// Dial implements transport.Dialer.
func (b *Broker) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.refuse {
		return nil, ErrRefused
	}
	c := &brokerConn{
		broker: b,
		in:     make(chan []byte, 256),
		closed: make(chan struct{}),
		subs:   make(map[string]string),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// Refuse makes subsequent dials fail (true) or succeed (false).
func (b *Broker) Refuse(refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = refuse
}

// Mute makes the broker ignore CONNECT frames, so handshakes hang.
func (b *Broker) Mute(mute bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mute = mute
}

// Drop closes every live socket, simulating a network failure.
func (b *Broker) Drop() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Dials returns the number of Dial calls so far, refused ones included.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of live sockets.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Subscriptions returns the sorted destinations subscribed on live sockets.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dests []string
	for c := range b.conns {
		c.mu.Lock()
		for _, dest := range c.subs {
			dests = append(dests, dest)
		}
		c.mu.Unlock()
	}
	sort.Strings(dests)
	return dests
}

// OnSend registers a hook called for every SEND frame the broker receives,
// outside the broker lock. Tests use it to answer requests or echo saves.
func (b *Broker) OnSend(fn func(stomp.Frame)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSend = fn
}

// Sent returns the SEND frames received so far, optionally filtered by
// destination.
func (b *Broker) Sent(destination string) []stomp.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []stomp.Frame
	for _, f := range b.sent {
		if destination == "" || f.Header(stomp.HeaderDestination) == destination {
			out = append(out, f)
		}
	}
	return out
}

// Deliver sends a MESSAGE with body to every socket subscribed to
// destination. Extra headers are copied onto the frame.
func (b *Broker) Deliver(destination string, headers map[string]string, body []byte) int {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	delivered := 0
	for _, c := range conns {
		c.mu.Lock()
		var subID string
		for id, dest := range c.subs {
			if dest == destination {
				subID = id
				break
			}
		}
		c.mu.Unlock()
		if subID == "" {
			continue
		}

		b.mu.Lock()
		b.nextMsg++
		msgID := strconv.Itoa(b.nextMsg)
		b.mu.Unlock()

		h := map[string]string{
			stomp.HeaderDestination:  destination,
			stomp.HeaderSubscription: subID,
			stomp.HeaderMessageID:    msgID,
		}
		for k, v := range headers {
			h[k] = v
		}
		if c.push(stomp.Encode(stomp.Frame{Command: stomp.CmdMessage, Headers: h, Body: body})) {
			delivered++
		}
	}
	return delivered
}

// DeliverRaw pushes raw bytes to every live socket, bypassing encoding.
func (b *Broker) DeliverRaw(data []byte) {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.push(data)
	}
}

func (b *Broker) handle(c *brokerConn, f stomp.Frame) {
	switch f.Command {
	case stomp.CmdConnect:
		b.mu.Lock()
		mute := b.mute
		b.mu.Unlock()
		if !mute {
			c.push(stomp.Encode(stomp.Frame{
				Command: stomp.CmdConnected,
				Headers: map[string]string{"version": "1.2"},
			}))
		}

	case stomp.CmdSubscribe:
		c.mu.Lock()
		c.subs[f.Header(stomp.HeaderID)] = f.Header(stomp.HeaderDestination)
		c.mu.Unlock()

	case stomp.CmdUnsubscribe:
		c.mu.Lock()
		delete(c.subs, f.Header(stomp.HeaderID))
		c.mu.Unlock()

	case stomp.CmdSend:
		b.mu.Lock()
		b.sent = append(b.sent, f)
		hook := b.onSend
		b.mu.Unlock()
		if hook != nil {
			hook(f)
		}
	}
}

func (b *Broker) forget(c *brokerConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
}

// brokerConn is the client end of one in-memory socket.
type brokerConn struct {
	broker *Broker
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

func (c *brokerConn) push(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.in <- data:
		return true
	case <-c.closed:
		return false
	}
}

func (c *brokerConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return transport.MessageText, data, nil
	case <-c.closed:
		return 0, nil, ErrConnClosed
	}
}

func (c *brokerConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	f, err := stomp.Decode(data)
	if err != nil {
		return err
	}
	c.broker.handle(c, f)
	return nil
}

func (c *brokerConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.broker.forget(c)
	})
	return nil
}
