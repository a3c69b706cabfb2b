package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diagramsync/internal/bus"
	"github.com/roach88/diagramsync/internal/document"
	"github.com/roach88/diagramsync/internal/store"
)

func TestSave_SuccessfulSaveSequence(t *testing.T) {
	f := newFixture(t)

	var pendingDuringSaving []int64
	f.s.OnSaveState(func(s SaveState) {
		if s == SaveSaving {
			// Listeners run on the loop, so the state can be read directly.
			for v := range f.s.state.pending {
				pendingDuringSaving = append(pendingDuringSaving, v)
			}
		}
	})

	f.edit(document.FieldTables, []string{"users"})
	st := f.status()

	assert.Equal(t, []SaveState{SaveSaving, SaveSaved}, f.saveStates())
	assert.Equal(t, []int64{1}, pendingDuringSaving)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, []int64{1}, st.Pending, "pending until the echo arrives")
	assert.Equal(t, "Wed May 1 2024 12:00:00", st.LastSaved.Format(LastSavedLayout))
	assert.NotEmpty(t, st.LastSavedText())

	f.frame(`{"id":12,"version":1,"tables":["users"]}`)
	st = f.status()
	assert.Empty(t, st.Pending, "echo clears the pending entry")
	assert.Equal(t, int64(12), st.DocID, "creation echo assigns the id")
	assert.False(t, st.Debouncing, "echo is never scheduled for apply")
	assert.Empty(t, f.appliedVersions())
}

func TestSave_EchoSuppressedOnceThenStale(t *testing.T) {
	f := newFixture(t)
	f.edit(document.FieldNotes, []string{"n"})
	f.status()

	f.frame(`{"version":1,"notes":["echo"]}`)
	f.frame(`{"version":1,"notes":["duplicate"]}`)
	st := f.advance(window)

	assert.Empty(t, st.Pending, "duplicate delivery is not re-added")
	assert.False(t, st.Debouncing)
	assert.Empty(t, f.appliedVersions(), "neither echo nor duplicate is applied")
	assert.JSONEq(t, `["n"]`, string(st.Document.Get(document.FieldNotes)))
}

func TestSave_PublishesAddThenUpdate(t *testing.T) {
	f := newFixture(t)

	f.edit(document.FieldTables, []string{"a"})
	f.frame(`{"id":5,"version":1}`)
	f.edit(document.FieldTables, []string{"a", "b"})
	f.status()

	adds := f.pub.sent("/app/addDiagram")
	require.Len(t, adds, 1)
	assert.JSONEq(t, `{"version":1,"lastModified":"2024-05-01T12:00:00.000Z","title":"","database":"","tables":["a"]}`, adds[0])

	updates := f.pub.sent("/app/updateDiagram")
	require.Len(t, updates, 1)
	assert.JSONEq(t, `{"id":5,"version":2,"lastModified":"2024-05-01T12:00:00.000Z","title":"","database":"","tables":["a","b"]}`, updates[0])
}

func TestSave_EditsBeforeCreationEchoAreDeferred(t *testing.T) {
	f := newFixture(t)

	f.edit(document.FieldTables, []string{"a"})
	f.edit(document.FieldNotes, []string{"n"})
	f.s.Save()
	st := f.status()

	assert.Len(t, f.pub.sent("/app/addDiagram"), 1, "one record per document")
	assert.Empty(t, f.pub.sent("/app/updateDiagram"))
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, []int64{1}, st.Pending)

	f.frame(`{"id":5,"version":1}`)
	st = f.status()

	assert.Equal(t, int64(5), st.DocID)
	assert.Len(t, f.pub.sent("/app/addDiagram"), 1)
	updates := f.pub.sent("/app/updateDiagram")
	require.Len(t, updates, 1, "deferred edits go out once the id is known")
	assert.JSONEq(t,
		`{"id":5,"version":2,"lastModified":"2024-05-01T12:00:00.000Z","title":"","database":"","tables":["a"],"notes":["n"]}`,
		updates[0])
	assert.Equal(t, []int64{2}, st.Pending)
	assert.Equal(t, SaveSaved, st.SaveState)
}

func TestSave_RejectedCreationRetriesAsCreation(t *testing.T) {
	f := newFixture(t)

	f.edit(document.FieldTables, []string{"a"})
	f.edit(document.FieldTables, []string{"a", "b"})
	f.s.queue.Enqueue(Event{Type: EventTypeServerError, Body: []byte("rejected")})
	st := f.status()
	require.Equal(t, SaveError, st.SaveState)
	require.Empty(t, st.Pending)

	f.edit(document.FieldNotes, []string{"n"})
	st = f.status()
	assert.Len(t, f.pub.sent("/app/addDiagram"), 2)
	assert.Empty(t, f.pub.sent("/app/updateDiagram"))
	assert.Equal(t, []int64{2}, st.Pending)
}

func TestSave_NotifiesOnlyChangedFields(t *testing.T) {
	f := newFixture(t)

	f.edit(document.FieldTables, []string{"a"})
	f.frame(`{"id":5,"version":1}`)
	assert.Empty(t, f.pub.sent("/app/diagramUpdate"), "no id yet, nobody to notify")

	f.edit(document.FieldNotes, []string{"note"})
	f.status()
	f.edit(document.FieldNotes, []string{"note"}) // unchanged content
	f.status()

	notes := f.pub.sent("/app/diagramUpdate")
	require.Len(t, notes, 1)
	assert.JSONEq(t, `{"id":5,"version":2,"notes":["note"]}`, notes[0])
	assert.Len(t, f.pub.sent("/app/updateDiagram"), 2, "the full document is still saved")
}

func TestSave_AppliedForeignFieldsAreNotRenotified(t *testing.T) {
	f := newFixture(t)
	f.edit(document.FieldTables, []string{"a"})
	f.frame(`{"id":5,"version":1}`)

	f.frame(`{"id":5,"version":4,"areas":["foreign"]}`)
	f.advance(window)

	f.edit(document.FieldNotes, []string{"mine"})
	f.status()

	notes := f.pub.sent("/app/diagramUpdate")
	require.Len(t, notes, 1)
	assert.JSONEq(t, `{"id":5,"version":5,"notes":["mine"]}`, notes[0])
}

func TestSave_EmptyDocumentNotAutosaved(t *testing.T) {
	f := newFixture(t)

	f.edit(document.FieldTransform, map[string]int{"zoom": 2})
	f.edit(document.FieldTables, []string{})
	st := f.status()

	assert.Equal(t, SaveIdle, st.SaveState)
	assert.Equal(t, int64(0), st.Version)
	assert.Empty(t, f.pub.sent("/app/addDiagram"))

	require.True(t, f.s.Save(), "manual save ignores the empty check")
	st = f.status()
	assert.Equal(t, SaveSaved, st.SaveState)
	assert.Len(t, f.pub.sent("/app/addDiagram"), 1)
}

func TestSave_AutosaveDisabled(t *testing.T) {
	f := newFixture(t, WithAutosave(false))

	f.edit(document.FieldTables, []string{"a"})
	st := f.status()
	assert.Equal(t, SaveIdle, st.SaveState)
	assert.JSONEq(t, `["a"]`, string(st.Document.Get(document.FieldTables)), "edit still applied")

	f.s.Save()
	assert.Equal(t, SaveSaved, f.status().SaveState)
}

func TestSave_PublishFailureIsError(t *testing.T) {
	j := openJournal(t)
	f := newFixture(t, WithJournal(j))
	f.pub.fail(bus.ErrDisconnected)

	f.edit(document.FieldTables, []string{"a"})
	st := f.status()

	assert.Equal(t, []SaveState{SaveSaving, SaveError}, f.saveStates())
	assert.Equal(t, int64(1), st.Version, "the version stays consumed")
	assert.Empty(t, st.Pending, "no echo will come for a dropped publish")
	assert.True(t, IsPublishError(st.LastError))
	assert.ErrorIs(t, st.LastError, bus.ErrDisconnected)
	assert.JSONEq(t, `["a"]`, string(st.Document.Get(document.FieldTables)), "document unchanged")

	saves, err := j.Saves(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, saves, 1)
	assert.Equal(t, store.SaveFailed, saves[0].State)
	assert.Contains(t, saves[0].Error, "disconnected")

	// No retry until the next mutation, which uses a fresh version.
	f.pub.fail(nil)
	f.edit(document.FieldTables, []string{"a", "b"})
	st = f.status()
	assert.Equal(t, SaveSaved, st.SaveState)
	assert.Equal(t, []int64{2}, st.Pending)
	assert.Nil(t, st.LastError)
}

type failingJournal struct {
	Journal
}

func (failingJournal) RecordSave(context.Context, store.SaveRecord) (int64, error) {
	return 0, errors.New("disk I/O error")
}

func TestSave_JournalFailureIsError(t *testing.T) {
	f := newFixture(t, WithJournal(failingJournal{}))

	f.edit(document.FieldTables, []string{"a"})
	st := f.status()

	assert.Equal(t, SaveError, st.SaveState)
	assert.True(t, IsJournalError(st.LastError))
	assert.Empty(t, f.pub.sent("/app/addDiagram"), "nothing is published after a journal failure")
	assert.Empty(t, st.Pending)
}

func TestSave_ServerErrorRejectsOutstandingSave(t *testing.T) {
	j := openJournal(t)
	f := newFixture(t, WithJournal(j))

	f.edit(document.FieldTables, []string{"a"})
	f.status()
	f.s.queue.Enqueue(Event{Type: EventTypeServerError, Body: []byte("diagram too large\n")})
	st := f.status()

	assert.Equal(t, SaveError, st.SaveState)
	assert.True(t, IsPublishError(st.LastError))
	assert.Contains(t, st.LastError.Error(), "diagram too large")
	assert.Empty(t, st.Pending)

	saves, err := j.Saves(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, saves, 1)
	assert.Equal(t, store.SaveFailed, saves[0].State)
}

func TestSave_ServerErrorAfterEchoIgnored(t *testing.T) {
	f := newFixture(t)

	f.edit(document.FieldTables, []string{"a"})
	f.frame(`{"id":1,"version":1}`)
	f.s.queue.Enqueue(Event{Type: EventTypeServerError, Body: []byte("unrelated")})

	assert.Equal(t, SaveSaved, f.status().SaveState)
}

func TestSave_JournalLifecycle(t *testing.T) {
	j := openJournal(t)
	f := newFixture(t, WithJournal(j))
	ctx := context.Background()

	f.edit(document.FieldTables, []string{"a"})
	f.frame(`{"id":21,"version":1}`)
	f.edit(document.FieldTables, []string{"a", "b"})
	f.status()

	saves, err := j.Saves(ctx, 21)
	require.NoError(t, err)
	require.Len(t, saves, 2)

	assert.Equal(t, "session-1", saves[0].SessionID)
	assert.Equal(t, int64(1), saves[0].Version)
	assert.Equal(t, store.SaveEchoed, saves[0].State, "creation save learns its id from the echo")
	assert.Equal(t, int64(2), saves[1].Version)
	assert.Equal(t, store.SavePublished, saves[1].State)
	assert.NotEmpty(t, saves[1].ContentHash)
	assert.NotEqual(t, saves[0].ContentHash, saves[1].ContentHash)
	assert.JSONEq(t, `{"id":21,"version":2,"lastModified":"2024-05-01T12:00:00.000Z","title":"","database":"","tables":["a","b"]}`, string(saves[1].Payload))

	// Foreign updates refresh the snapshot cache.
	f.frame(`{"id":21,"version":9,"notes":["x"]}`)
	f.advance(window)
	snap, err := j.Snapshot(ctx, 21)
	require.NoError(t, err)
	assert.Equal(t, int64(9), snap.Version)
	assert.Contains(t, string(snap.Payload), `"notes":["x"]`)
}

func TestSave_ReloadStartsNewJournalSession(t *testing.T) {
	j := openJournal(t)
	f := newFixture(t, WithJournal(j))
	ctx := context.Background()

	require.NoError(t, f.s.Open(ctx, []byte(`{"id":30,"tables":["t"]}`)))
	f.edit(document.FieldNotes, []string{"1"})
	f.status()

	require.NoError(t, f.s.Open(ctx, []byte(`{"id":30,"tables":["t"]}`)))
	f.edit(document.FieldNotes, []string{"2"})
	f.status()

	saves, err := j.Saves(ctx, 30)
	require.NoError(t, err)
	require.Len(t, saves, 2, "version 1 reused across sessions without a conflict")
	assert.NotEqual(t, saves[0].SessionID, saves[1].SessionID)
	assert.Equal(t, saves[0].Version, saves[1].Version)
}
