// Package harness runs sync scenarios end to end against the real session
// stack.
//
// Each scenario gets its own in-memory broker, connection manager, bus,
// request client and session, plus an in-memory journal. Debounce timers
// run on a manual clock, so time only moves when a scenario says so.
//
// # Scenario Format
//
//	name: burst_coalesces
//	description: "Two updates inside one window commit only the last"
//	debounce: 50ms
//	steps:
//	  - deliver:
//	      topic: /topic/diagramData
//	      body: {version: 5, notes: ["a"]}
//	  - advance: 10ms
//	  - edit:
//	      field: tables
//	      value: [{id: 1}]
//	  - echo:
//	      id: 12
//	  - load:
//	      id: 12
//	      document: {id: 12, version: 4, tables: []}
//	  - server_error: "diagram too large"
//	  - drop: true
//	  - offline: true
//	assertions:
//	  - type: version
//	    value: 6
//	  - type: save_state
//	    state: SAVED
//
// # Steps
//
//   - deliver: the broker sends body (or raw text) on topic
//   - edit: replaces one document field; autosave publishes it
//   - save: requests a manual save
//   - advance: moves the debounce clock
//   - echo: the broker redelivers the newest save on the data topic,
//     optionally stamping an id on it
//   - load: the session fetches a document the broker serves
//   - server_error: the broker sends text on the error topic
//   - drop: every socket closes; the step returns once reconnected
//   - offline: true refuses new sockets and drops the live ones, false
//     lets the client back in
//
// Every step waits until the session has processed what it caused, so the
// trace is the same on every run.
//
// # Assertion Types
//
//   - version, doc_id: final counter value or document id
//   - save_state: final save state name
//   - pending: final pending versions, ascending
//   - field: final JSON value of one document field
//   - published: number of SEND frames to a destination
//   - applied: versions applied from outside, in order
//   - journal: number of journal rows in a save state
//
// # Golden Traces
//
// RunWithGolden stores the trace as canonical JSON under testdata/golden.
// Regenerate with:
//
//	go test ./internal/harness -update
package harness
