package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diagramsync/internal/store"
)

func seedJournal(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, rec := range []store.SaveRecord{
		{SessionID: "s-1", DocID: 4, Version: 1, ContentHash: "aaaaaaaaaaaaaaaaaaaa", Payload: []byte(`{"version":1}`), State: store.SavePending, CreatedAt: at},
		{SessionID: "s-1", DocID: 4, Version: 2, ContentHash: "bbbb", Payload: []byte(`{"version":2}`), State: store.SavePending, CreatedAt: at.Add(time.Second)},
		{SessionID: "s-1", DocID: 5, Version: 3, ContentHash: "cccc", Payload: []byte(`{"version":3}`), State: store.SavePending, CreatedAt: at},
	} {
		_, err := st.RecordSave(ctx, rec)
		require.NoError(t, err)
	}
	require.NoError(t, st.MarkEchoed(ctx, "s-1", 1, 4))
	require.NoError(t, st.MarkSaveState(ctx, "s-1", 2, store.SaveFailed, "bus: transport disconnected"))
}

func TestJournal_Text(t *testing.T) {
	srv := newFakeServer()
	opts := testOptions(t, srv, t.TempDir())
	seedJournal(t, opts.Config.JournalPath)

	out, err := execute(NewJournalCommand(opts), "4")
	require.NoError(t, err)
	assert.Contains(t, out, "VERSION")
	assert.Regexp(t, `1\s+echoed\s+s-1\s+aaaaaaaaaaaa\s+2024-05-01T12:00:00Z`, out)
	assert.Regexp(t, `2\s+failed\s+s-1\s+bbbb\s+2024-05-01T12:00:01Z\s+bus: transport disconnected`, out)
	assert.NotContains(t, out, "cccc")
	assert.Equal(t, 0, srv.broker.Dials(), "journal is read locally")
}

func TestJournal_JSON(t *testing.T) {
	srv := newFakeServer()
	opts := testOptions(t, srv, t.TempDir())
	opts.Format = "json"
	seedJournal(t, opts.Config.JournalPath)

	out, err := execute(NewJournalCommand(opts), "4")
	require.NoError(t, err)

	var entries []JournalEntry
	decodeResponse(t, out, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Version)
	assert.Equal(t, "echoed", entries[0].State)
	assert.Empty(t, entries[0].Error)
	assert.Equal(t, "failed", entries[1].State)
	assert.Equal(t, "bus: transport disconnected", entries[1].Error)
}

func TestJournal_Empty(t *testing.T) {
	srv := newFakeServer()
	out, err := execute(NewJournalCommand(testOptions(t, srv, t.TempDir())), "12")
	require.NoError(t, err)
	assert.Contains(t, out, "No saves recorded for diagram 12.")
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "abc", shortHash("abc"))
	assert.Equal(t, "0123456789ab", shortHash("0123456789abcdef"))
}
