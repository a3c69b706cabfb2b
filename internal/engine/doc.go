// Package engine implements the diagram session: the version-gated
// synchronizer and the save pipeline for one open document.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// A Session processes every event in one goroutine (Session.Run). Inbound
// frames, local edits, manual saves, debounce fires and load completions
// are enqueued to a FIFO queue and handled one at a time, so the version
// counter, the pending set and the save state need no lock.
//
// Event Processing Flow:
//  1. The bus hub, timers and callers enqueue events.
//  2. Session.Run dequeues them in order.
//  3. processEvent routes to the synchronizer or the save pipeline.
//  4. Saves are journaled to SQLite, then published on the bus.
//
// Blocking work stays outside the loop. Load fetches the snapshot in the
// caller's goroutine and only the install step runs inside. Publishing is
// non-blocking: a disconnected bus drops the message and returns an error.
//
// VERSION GATING:
//
// The counter is both the next save version and the last applied version.
// A local save advances it by one and records the version as pending. A
// committed foreign update moves it to that update's version. An inbound
// frame is discarded when it is the echo of a pending save or when its
// version is not above the counter, and that staleness check runs again
// when the debounce timer fires.
package engine
