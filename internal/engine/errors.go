package engine

import (
	"errors"
	"fmt"
)

// SyncError represents a failure detected by the session loop.
//
// Sync errors never unwind out of the loop. They are logged, and save and
// load failures additionally move the SaveState one step (ERROR or
// FAILED_TO_LOAD). The last one is kept in Status.LastError.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// Version is the envelope or save version involved, or 0.
	Version int64

	// Err is the underlying cause, if any.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeMalformedFrame indicates an inbound payload could not be decoded.
	ErrCodeMalformedFrame SyncErrorCode = "MALFORMED_FRAME"

	// ErrCodeJournalFailed indicates the local persistence step of a save failed.
	ErrCodeJournalFailed SyncErrorCode = "JOURNAL_FAILED"

	// ErrCodePublishFailed indicates a save could not be published, or the
	// server reported an error after it was.
	ErrCodePublishFailed SyncErrorCode = "PUBLISH_FAILED"

	// ErrCodeLoadFailed indicates a document fetch or parse failed.
	ErrCodeLoadFailed SyncErrorCode = "LOAD_FAILED"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Version != 0 {
		msg = fmt.Sprintf("%s (version=%d)", msg, e.Version)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsMalformed reports whether err is a malformed-frame error.
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformedFrame)
}

// IsJournalError reports whether err is a journal failure.
func IsJournalError(err error) bool {
	return hasCode(err, ErrCodeJournalFailed)
}

// IsPublishError reports whether err is a publish failure.
func IsPublishError(err error) bool {
	return hasCode(err, ErrCodePublishFailed)
}

// IsLoadError reports whether err is a load failure.
func IsLoadError(err error) bool {
	return hasCode(err, ErrCodeLoadFailed)
}

func newSyncError(code SyncErrorCode, version int64, err error, format string, args ...any) *SyncError {
	return &SyncError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Version: version,
		Err:     err,
	}
}
