package harness

import "encoding/json"

// Trace event types.
const (
	TraceDeliver   = "deliver"
	TracePublish   = "publish"
	TraceSaveState = "save_state"
	TraceApply     = "apply"
)

// TraceEvent is one observable step of a run: a frame crossing the broker,
// a save state transition, or a document change from outside.
type TraceEvent struct {
	Seq         int64           `json:"seq"`
	Type        string          `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Text        string          `json:"text,omitempty"`
	State       string          `json:"state,omitempty"`
	Version     int64           `json:"version,omitempty"`
	Fields      []string        `json:"fields,omitempty"`
	Loaded      bool            `json:"loaded,omitempty"`
}

// FinalState is the session status after the last step.
type FinalState struct {
	SessionID string          `json:"session_id"`
	DocID     int64           `json:"doc_id"`
	Version   int64           `json:"version"`
	Pending   []int64         `json:"pending"`
	SaveState string          `json:"save_state"`
	Document  json.RawMessage `json:"document"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Final  FinalState   `json:"final"`
	Errors []string     `json:"errors,omitempty"`

	// journal holds row counts per save state, read after the last step.
	journal map[string]int
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		journal: make(map[string]int),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Applied returns the versions of apply events, in trace order.
func (r *Result) Applied() []int64 {
	var out []int64
	for _, e := range r.Trace {
		if e.Type == TraceApply {
			out = append(out, e.Version)
		}
	}
	return out
}

// Published returns the publish events sent to destination.
func (r *Result) Published(destination string) []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == TracePublish && e.Destination == destination {
			out = append(out, e)
		}
	}
	return out
}
