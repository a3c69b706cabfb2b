package engine

import (
	"slices"
	"time"

	"github.com/roach88/diagramsync/internal/document"
)

// SaveState is the externally observable progress of the save pipeline.
type SaveState int

const (
	SaveIdle SaveState = iota
	SaveSaving
	SaveSaved
	SaveError
	SaveFailedToLoad
)

func (s SaveState) String() string {
	switch s {
	case SaveIdle:
		return "IDLE"
	case SaveSaving:
		return "SAVING"
	case SaveSaved:
		return "SAVED"
	case SaveError:
		return "ERROR"
	case SaveFailedToLoad:
		return "FAILED_TO_LOAD"
	default:
		return "UNKNOWN"
	}
}

// LastSavedLayout formats Status.LastSaved for display.
const LastSavedLayout = "Mon Jan 2 2006 15:04:05"

// SyncState is everything the session loop mutates. It is reset whenever
// a document is loaded.
type SyncState struct {
	sessionID string
	doc       *document.Document
	counter   *VersionCounter
	pending   map[int64]struct{}

	// held is the newest frame waiting for the debounce timer.
	held *document.Update

	save      SaveState
	lastSaved time.Time
	lastErr   error

	// savedHashes are the field hashes as of the last save or install;
	// the next save notifies only fields that differ.
	savedHashes map[document.Field]string

	// lastSaveVersion is the version of the most recent published save.
	lastSaveVersion int64

	// deferred marks a save requested while the creation was unconfirmed.
	deferred bool
}

func newSyncState(sessionID string, doc *document.Document) *SyncState {
	if doc == nil {
		doc = document.New()
	}
	hashes, err := document.FieldHashes(doc)
	if err != nil {
		hashes = nil
	}
	return &SyncState{
		sessionID:   sessionID,
		doc:         doc,
		counter:     NewVersionCounter(),
		pending:     make(map[int64]struct{}),
		save:        SaveIdle,
		savedHashes: hashes,
	}
}

// Status is a point-in-time copy of the session state.
type Status struct {
	SessionID string
	DocID     int64

	// Version is the version counter: the last issued or applied version.
	Version int64

	// Pending lists unechoed save versions in ascending order.
	Pending []int64

	SaveState SaveState
	LastSaved time.Time
	LastError error

	// Debouncing reports whether a foreign update is waiting to commit.
	Debouncing bool

	Document *document.Document
}

// LastSavedText is the human-readable last-saved time, or "" before the
// first save.
func (s Status) LastSavedText() string {
	if s.LastSaved.IsZero() {
		return ""
	}
	return s.LastSaved.Local().Format(LastSavedLayout)
}

// Applied describes a document change delivered to OnApply listeners.
type Applied struct {
	Version int64

	// Fields are the sections the change carried, in wire order.
	Fields []document.Field

	// Loaded is true when a whole snapshot was installed by a load.
	Loaded bool

	Document *document.Document
}

func (st *SyncState) status(debouncing bool) Status {
	pending := make([]int64, 0, len(st.pending))
	for v := range st.pending {
		pending = append(pending, v)
	}
	slices.Sort(pending)

	return Status{
		SessionID:  st.sessionID,
		DocID:      st.doc.ID,
		Version:    st.counter.Current(),
		Pending:    pending,
		SaveState:  st.save,
		LastSaved:  st.lastSaved,
		LastError:  st.lastErr,
		Debouncing: debouncing,
		Document:   st.doc.Clone(),
	}
}
