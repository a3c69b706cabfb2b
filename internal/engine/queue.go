package engine

import (
	"sync"

	"github.com/roach88/diagramsync/internal/document"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeFrame is an inbound diagramData payload.
	EventTypeFrame EventType = iota + 1
	// EventTypeEdit is a local mutation of the document.
	EventTypeEdit
	// EventTypeSave is a manual save request.
	EventTypeSave
	// EventTypeDebounce is a debounce timer firing.
	EventTypeDebounce
	// EventTypeLoaded carries a fetched snapshot to install.
	EventTypeLoaded
	// EventTypeLoadFailed reports a failed fetch.
	EventTypeLoadFailed
	// EventTypeServerError is a message on the error topic.
	EventTypeServerError
	// EventTypeBarrier replies with the session status once every earlier
	// event has been processed.
	EventTypeBarrier
)

func (t EventType) String() string {
	switch t {
	case EventTypeFrame:
		return "frame"
	case EventTypeEdit:
		return "edit"
	case EventTypeSave:
		return "save"
	case EventTypeDebounce:
		return "debounce"
	case EventTypeLoaded:
		return "loaded"
	case EventTypeLoadFailed:
		return "load_failed"
	case EventTypeServerError:
		return "server_error"
	case EventTypeBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the session loop.
type Event struct {
	Type EventType

	// Body is the raw payload of frames, snapshots and server errors.
	Body []byte

	// DocID is the document a load targeted.
	DocID int64

	// Edit mutates the document in place.
	Edit func(*document.Document)

	// Generation identifies the debounce timer that fired.
	Generation uint64

	// Err is the cause of a failed load.
	Err error

	// reply receives the session status after the event is processed.
	reply chan<- Status
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so the bus reader goroutine and timer callbacks
// never block on a busy loop.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front event without blocking.
// Returns (Event{}, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Release the payload and closures held by the slot.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
