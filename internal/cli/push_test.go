package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diagramsync/internal/document"
	"github.com/roach88/diagramsync/internal/remote"
	"github.com/roach88/diagramsync/internal/store"
)

func TestPush_CreatesDiagram(t *testing.T) {
	srv := newFakeServer()
	dir := t.TempDir()
	docPath := filepath.Join(dir, "diagram.json")
	writeFile(t, docPath, `{"title":"Shop","tables":[{"id":0,"name":"orders"}]}`)

	opts := testOptions(t, srv, dir)
	opts.Format = "json"
	out, err := execute(NewPushCommand(opts), docPath)
	require.NoError(t, err)

	var res PushOutput
	decodeResponse(t, out, &res)
	assert.Equal(t, int64(7), res.ID)
	assert.Equal(t, int64(1), res.Version)
	assert.True(t, res.Echoed)
	assert.NotEmpty(t, res.SessionID)

	sent := srv.broker.Sent(remote.DestinationPrefix + remote.TypeAddDiagram)
	require.Len(t, sent, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(sent[0].Body, &body))
	modified, err := time.Parse(document.LastModifiedLayout, body["lastModified"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), modified, time.Minute)
	delete(body, "lastModified")
	assert.Equal(t, map[string]any{
		"version":  float64(1),
		"title":    "Shop",
		"database": "",
		"tables":   []any{map[string]any{"id": float64(0), "name": "orders"}},
	}, body)

	journal, err := store.Open(opts.Config.JournalPath)
	require.NoError(t, err)
	defer journal.Close()
	saves, err := journal.Saves(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, saves, 1)
	assert.Equal(t, store.SaveEchoed, saves[0].State)
}

func TestPush_UpdatesExistingDiagram(t *testing.T) {
	srv := newFakeServer()
	dir := t.TempDir()
	docPath := filepath.Join(dir, "diagram.json")
	writeFile(t, docPath, `{"id":3,"version":8,"title":"Shop","notes":["n"]}`)

	out, err := execute(NewPushCommand(testOptions(t, srv, dir)), docPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Saved diagram 3 at version 9.")

	require.Len(t, srv.broker.Sent(remote.DestinationPrefix+remote.TypeUpdateDiagram), 1)
	assert.Empty(t, srv.broker.Sent(remote.DestinationPrefix+remote.TypeAddDiagram))
}

func TestPush_NotEchoed(t *testing.T) {
	srv := newFakeServer()
	srv.echo = false
	dir := t.TempDir()
	docPath := filepath.Join(dir, "diagram.json")
	writeFile(t, docPath, `{"title":"Shop"}`)

	_, err := execute(NewPushCommand(testOptions(t, srv, dir)), docPath, "--wait", "30ms")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotEchoed)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestPush_NoWait(t *testing.T) {
	srv := newFakeServer()
	srv.echo = false
	dir := t.TempDir()
	docPath := filepath.Join(dir, "diagram.json")
	writeFile(t, docPath, `{"title":"Shop"}`)

	out, err := execute(NewPushCommand(testOptions(t, srv, dir)), docPath, "--wait", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Published version 1.")
}

func TestPush_InvalidDocument(t *testing.T) {
	srv := newFakeServer()
	dir := t.TempDir()
	docPath := filepath.Join(dir, "diagram.json")
	writeFile(t, docPath, `["not", "a", "diagram"]`)

	_, err := execute(NewPushCommand(testOptions(t, srv, dir)), docPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid document")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Empty(t, srv.broker.Sent(remote.DestinationPrefix+remote.TypeAddDiagram))
}

func TestPush_MissingFile(t *testing.T) {
	srv := newFakeServer()
	dir := t.TempDir()

	_, err := execute(NewPushCommand(testOptions(t, srv, dir)), filepath.Join(dir, "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read document")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, 0, srv.broker.Dials())
}

func TestAwaitEcho_ContextCancelled(t *testing.T) {
	srv := newFakeServer()
	srv.echo = false
	dir := t.TempDir()
	docPath := filepath.Join(dir, "diagram.json")
	writeFile(t, docPath, `{"title":"Shop"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cmd := NewPushCommand(testOptions(t, srv, dir))
	cmd.SetContext(ctx)

	_, err := execute(cmd, docPath, "--wait", "1m")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
