// Package remote emulates request/response over the pub/sub bus and
// exposes the diagram store operations built on it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/diagramsync/internal/bus"
)

// HeaderCorrelationID carries the request id on requests and, when the
// server echoes it, on responses.
const HeaderCorrelationID = "correlation-id"

// DestinationPrefix is prepended to request types.
const DestinationPrefix = "/app/"

var (
	// ErrConnectionTimeout means the connection did not come up within
	// ConnectTimeout. The request was never published.
	ErrConnectionTimeout = errors.New("remote: connection timeout")

	// ErrResponseTimeout means no response event arrived within
	// ResponseTimeout after publishing.
	ErrResponseTimeout = errors.New("remote: response timeout")
)

// Transport is the part of bus.Bus the client depends on.
type Transport interface {
	WaitConnected(ctx context.Context) error
	Publish(destination string, payload any) error
	PublishWithHeaders(destination string, headers map[string]string, payload any) error
	Hub() *bus.Hub
}

// Options tunes a Client. Zero timeouts use the defaults.
type Options struct {
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	IDs             IDGenerator
	Logger          *slog.Logger
}

// Defaults are deliberately generous: an editor keeps waiting rather than
// giving up.
const (
	DefaultConnectTimeout  = 50000 * time.Second
	DefaultResponseTimeout = 50000 * time.Second
)

type waiter struct {
	id     string
	accept func(bus.Event) bool
	ch     chan bus.Event
}

func (w *waiter) accepts(e bus.Event) bool {
	return w.accept == nil || w.accept(e)
}

// Client is the Request Emulator.
//
// Thread-safety: all methods are safe for concurrent use. Each request
// blocks its caller's goroutine only; responses are matched on the bus
// reader goroutine.
type Client struct {
	transport Transport
	opts      Options
	logger    *slog.Logger

	mu        sync.Mutex
	waiters   map[string][]*waiter // by response event name, oldest first
	listening map[string]bool
}

// NewClient creates a Client over t.
func NewClient(t Transport, opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.IDs == nil {
		opts.IDs = UUIDv7Generator{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport: t,
		opts:      opts,
		logger:    logger.With("component", "remote"),
		waiters:   make(map[string][]*waiter),
		listening: make(map[string]bool),
	}
}

// Request publishes payload to /app/<typ> and waits for one responseEvent.
//
// A response carrying a correlation-id resolves the request with that id
// and is ignored by every other request. A response without one resolves
// the oldest request waiting on responseEvent.
func (c *Client) Request(ctx context.Context, typ string, payload any, responseEvent string) (bus.Event, error) {
	return c.RequestWhere(ctx, typ, payload, responseEvent, nil)
}

// RequestWhere is Request restricted to responses accept reports true
// for. Rejected events stay available to other waiters. A nil accept
// takes any response.
func (c *Client) RequestWhere(ctx context.Context, typ string, payload any, responseEvent string, accept func(bus.Event) bool) (bus.Event, error) {
	if err := c.waitConnected(ctx, c.opts.ConnectTimeout); err != nil {
		return bus.Event{}, err
	}

	id := c.opts.IDs.Generate()
	w := c.register(responseEvent, id, accept)
	defer c.unregister(responseEvent, w)

	destination := DestinationPrefix + typ
	if err := c.transport.PublishWithHeaders(destination, map[string]string{HeaderCorrelationID: id}, payload); err != nil {
		return bus.Event{}, err
	}
	c.logger.Debug("request published", "destination", destination, "correlation_id", id)

	timer := time.NewTimer(c.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case e := <-w.ch:
		return e, nil
	case <-timer.C:
		return bus.Event{}, fmt.Errorf("%w: %s after %s", ErrResponseTimeout, responseEvent, c.opts.ResponseTimeout)
	case <-ctx.Done():
		return bus.Event{}, ctx.Err()
	}
}

// Send waits for connectivity, then publishes without awaiting a response.
func (c *Client) Send(ctx context.Context, typ string, payload any) error {
	return c.SendWithin(ctx, c.opts.ConnectTimeout, typ, payload)
}

// SendWithin is Send with an explicit connectivity bound.
func (c *Client) SendWithin(ctx context.Context, connectTimeout time.Duration, typ string, payload any) error {
	if err := c.waitConnected(ctx, connectTimeout); err != nil {
		return err
	}
	return c.transport.Publish(DestinationPrefix+typ, payload)
}

// Pending returns the number of requests awaiting responseEvent.
func (c *Client) Pending(responseEvent string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters[responseEvent])
}

func (c *Client) waitConnected(ctx context.Context, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.transport.WaitConnected(wctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrConnectionTimeout, timeout)
	}
	return nil
}

func (c *Client) register(event, id string, accept func(bus.Event) bool) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.listening[event] {
		c.listening[event] = true
		c.transport.Hub().On(event, func(e bus.Event) { c.resolve(event, e) })
	}
	w := &waiter{id: id, accept: accept, ch: make(chan bus.Event, 1)}
	c.waiters[event] = append(c.waiters[event], w)
	return w
}

func (c *Client) unregister(event string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := c.waiters[event]
	for i, other := range ws {
		if other == w {
			c.waiters[event] = append(ws[:i:i], ws[i+1:]...)
			return
		}
	}
}

// resolve hands e to at most one waiter and removes it, so later events
// of the same name never reach a resolved request.
func (c *Client) resolve(event string, e bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := c.waiters[event]
	if len(ws) == 0 {
		return
	}

	idx := -1
	if corr := e.Header(HeaderCorrelationID); corr != "" {
		for i, w := range ws {
			if w.id == corr && w.accepts(e) {
				idx = i
				break
			}
		}
	} else {
		for i, w := range ws {
			if w.accepts(e) {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		// Someone else's response, or a broadcast no waiter wants.
		return
	}

	w := ws[idx]
	c.waiters[event] = append(ws[:idx:idx], ws[idx+1:]...)
	w.ch <- e
}
