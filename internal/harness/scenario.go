package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/diagramsync/internal/document"
)

// Scenario is one scripted sync session.
type Scenario struct {
	// Name uniquely identifies this scenario; it also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Debounce is the apply window. Zero uses the engine default.
	Debounce time.Duration `yaml:"debounce,omitempty"`

	// Autosave toggles saving on every edit. Nil means on.
	Autosave *bool `yaml:"autosave,omitempty"`

	// Steps run in order; each waits for the session to settle.
	Steps []Step `yaml:"steps"`

	// Assertions are checked against the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Deliver     *Delivery     `yaml:"deliver,omitempty"`
	Edit        *EditStep     `yaml:"edit,omitempty"`
	Save        bool          `yaml:"save,omitempty"`
	Advance     time.Duration `yaml:"advance,omitempty"`
	Echo        *EchoStep     `yaml:"echo,omitempty"`
	Load        *LoadStep     `yaml:"load,omitempty"`
	ServerError string        `yaml:"server_error,omitempty"`
	Drop        bool          `yaml:"drop,omitempty"`
	Offline     *bool         `yaml:"offline,omitempty"`
}

// Delivery is a message the broker sends to the client.
type Delivery struct {
	Topic string `yaml:"topic"`

	// Body is encoded as JSON. Raw is sent verbatim and wins over Body.
	Body any    `yaml:"body,omitempty"`
	Raw  string `yaml:"raw,omitempty"`
}

// EditStep replaces one document field.
type EditStep struct {
	Field string `yaml:"field"`
	Value any    `yaml:"value"`
}

// EchoStep redelivers the newest save. A non-zero ID is stamped on the
// payload, as the server does for a creation.
type EchoStep struct {
	ID int64 `yaml:"id,omitempty"`
}

// LoadStep fetches document ID; the broker answers with Document.
type LoadStep struct {
	ID       int64 `yaml:"id"`
	Document any   `yaml:"document"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Value is the expected number (version, doc_id).
	Value int64 `yaml:"value,omitempty"`

	// State names a save state (save_state) or a journal state (journal).
	State string `yaml:"state,omitempty"`

	// Versions lists expected versions (pending, applied).
	Versions []int64 `yaml:"versions,omitempty"`

	// Field and Expect check a document field (field).
	Field  string `yaml:"field,omitempty"`
	Expect any    `yaml:"expect,omitempty"`

	// Destination and Count check published frames (published); Count is
	// also the row count for journal.
	Destination string `yaml:"destination,omitempty"`
	Count       int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertVersion   = "version"
	AssertDocID     = "doc_id"
	AssertSaveState = "save_state"
	AssertPending   = "pending"
	AssertField     = "field"
	AssertPublished = "published"
	AssertApplied   = "applied"
	AssertJournal   = "journal"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	set := 0
	for _, ok := range []bool{
		st.Deliver != nil,
		st.Edit != nil,
		st.Save,
		st.Advance != 0,
		st.Echo != nil,
		st.Load != nil,
		st.ServerError != "",
		st.Drop,
		st.Offline != nil,
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}

	switch {
	case st.Deliver != nil:
		if st.Deliver.Topic == "" {
			return fmt.Errorf("steps[%d]: deliver.topic is required", index)
		}
		if st.Deliver.Body == nil && st.Deliver.Raw == "" {
			return fmt.Errorf("steps[%d]: deliver needs body or raw", index)
		}
	case st.Edit != nil:
		if !knownField(st.Edit.Field) {
			return fmt.Errorf("steps[%d]: unknown document field %q", index, st.Edit.Field)
		}
	case st.Advance < 0:
		return fmt.Errorf("steps[%d]: advance must be positive", index)
	case st.Load != nil:
		if st.Load.ID <= 0 {
			return fmt.Errorf("steps[%d]: load.id must be positive", index)
		}
		if st.Load.Document == nil {
			return fmt.Errorf("steps[%d]: load.document is required", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertVersion, AssertDocID, AssertPending, AssertApplied:
	case AssertSaveState:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for save_state", index)
		}
	case AssertField:
		if !knownField(a.Field) {
			return fmt.Errorf("assertions[%d]: unknown document field %q", index, a.Field)
		}
	case AssertPublished:
		if a.Destination == "" {
			return fmt.Errorf("assertions[%d]: destination is required for published", index)
		}
	case AssertJournal:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for journal", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func knownField(name string) bool {
	for _, f := range document.Fields {
		if string(f) == name {
			return true
		}
	}
	return false
}
