// Package bus is the publish/subscribe façade over the broker connection.
//
// Inbound MESSAGE frames are routed to per-topic handlers, which translate
// them into named Events on a Hub. Components downstream (the request
// emulator, the session loop) listen on the Hub and never see frames.
package bus

import (
	"log/slog"
	"sync"
)

// Event names emitted on the Hub.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventDiagramData  = "diagramData"
	EventDiagramsData = "diagramsData"
	EventServerError  = "serverError"
)

// Event is one typed notification on the Hub.
type Event struct {
	Name string

	// Destination is the topic the frame arrived on; empty for
	// connection events.
	Destination string

	Headers map[string]string
	Body    []byte
}

// Header returns the value of key, or "" when absent.
func (e Event) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

type listener struct {
	id   uint64
	fn   func(Event)
	once bool
}

// Hub is an in-process event emitter.
//
// Listeners run synchronously on the emitting goroutine, in registration
// order. A panicking listener is logged and skipped; the rest still run.
type Hub struct {
	mu        sync.Mutex
	next      uint64
	listeners map[string][]listener
	logger    *slog.Logger
}

// NewHub creates an empty Hub. A nil logger uses slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		listeners: make(map[string][]listener),
		logger:    logger.With("component", "hub"),
	}
}

// On registers fn for every event named name. The returned function
// removes it.
func (h *Hub) On(name string, fn func(Event)) (cancel func()) {
	return h.add(name, fn, false)
}

// Once registers fn for the next event named name only.
func (h *Hub) Once(name string, fn func(Event)) (cancel func()) {
	return h.add(name, fn, true)
}

func (h *Hub) add(name string, fn func(Event), once bool) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	id := h.next
	h.listeners[name] = append(h.listeners[name], listener{id: id, fn: fn, once: once})
	return func() { h.remove(name, id) }
}

func (h *Hub) remove(name string, id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ls := h.listeners[name]
	for i, l := range ls {
		if l.id == id {
			h.listeners[name] = append(ls[:i:i], ls[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers e to its listeners.
func (h *Hub) Emit(e Event) {
	h.mu.Lock()
	ls := append([]listener(nil), h.listeners[e.Name]...)
	h.mu.Unlock()

	for _, l := range ls {
		// A once-listener fires only if this goroutine removed it first.
		if l.once && !h.remove(e.Name, l.id) {
			continue
		}
		h.call(e, l.fn)
	}
}

// Count returns the number of listeners registered for name.
func (h *Hub) Count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[name])
}

func (h *Hub) call(e Event, fn func(Event)) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event listener panicked", "event", e.Name, "panic", r)
		}
	}()
	fn(e)
}
