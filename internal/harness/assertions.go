package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/roach88/diagramsync/internal/document"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Type)
		switch ev.Type {
		case TraceDeliver, TracePublish:
			fmt.Fprintf(&buf, " %s %s%s", ev.Destination, ev.Body, ev.Text)
		case TraceSaveState:
			fmt.Fprintf(&buf, " %s", ev.State)
		case TraceApply:
			fmt.Fprintf(&buf, " version=%d fields=%v loaded=%t", ev.Version, ev.Fields, ev.Loaded)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	fail := func(expected, actual any) error {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprint(expected),
			Actual:   fmt.Sprint(actual),
			Trace:    result.Trace,
		}
	}
	final := result.Final

	switch a.Type {
	case AssertVersion:
		if final.Version != a.Value {
			return fail(a.Value, final.Version)
		}
	case AssertDocID:
		if final.DocID != a.Value {
			return fail(a.Value, final.DocID)
		}
	case AssertSaveState:
		if final.SaveState != a.State {
			return fail(a.State, final.SaveState)
		}
	case AssertPending:
		if !sameVersions(final.Pending, a.Versions) {
			return fail(a.Versions, final.Pending)
		}
	case AssertApplied:
		if applied := result.Applied(); !sameVersions(applied, a.Versions) {
			return fail(a.Versions, applied)
		}
	case AssertPublished:
		if n := len(result.Published(a.Destination)); n != a.Count {
			return fail(fmt.Sprintf("%d frames to %s", a.Count, a.Destination), n)
		}
	case AssertJournal:
		if n := result.journal[a.State]; n != a.Count {
			return fail(fmt.Sprintf("%d %s saves", a.Count, a.State), n)
		}
	case AssertField:
		return assertField(final.Document, a, fail)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
	return nil
}

// assertField compares one document field to the expected value after
// canonicalizing both, so key order and spacing do not matter. An absent
// expect asserts the field is not set.
func assertField(doc json.RawMessage, a Assertion, fail func(expected, actual any) error) error {
	got := gjson.GetBytes(doc, a.Field)
	if a.Expect == nil {
		if got.Exists() {
			return fail("field "+a.Field+" absent", got.Raw)
		}
		return nil
	}
	if !got.Exists() {
		return fail(a.Expect, "field "+a.Field+" absent")
	}

	want, err := json.Marshal(a.Expect)
	if err != nil {
		return fmt.Errorf("encoding expected %s: %w", a.Field, err)
	}
	wantCanon, err := document.Canonicalize(want)
	if err != nil {
		return err
	}
	gotCanon, err := document.Canonicalize([]byte(got.Raw))
	if err != nil {
		return err
	}
	if !bytes.Equal(wantCanon, gotCanon) {
		return fail(string(wantCanon), string(gotCanon))
	}
	return nil
}

func sameVersions(a, b []int64) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return slices.Equal(a, b)
}
