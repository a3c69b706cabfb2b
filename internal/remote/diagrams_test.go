package remote

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diagramsync/internal/bus"
	"github.com/roach88/diagramsync/internal/document"
)

func newDiagrams(t *testing.T, respond func(p published) (event, body string)) (*Diagrams, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(true)
	if respond != nil {
		ft.onPublish = func(p published) {
			if event, body := respond(p); event != "" {
				ft.respond(event, nil, body)
			}
		}
	}
	return NewDiagrams(NewClient(ft, Options{ResponseTimeout: time.Second})), ft
}

func TestDiagrams_GetDocument(t *testing.T) {
	d, ft := newDiagrams(t, func(published) (string, string) {
		return bus.EventDiagramData, `{"id":3,"version":4,"title":"Shop","tables":[{"id":0}]}`
	})

	doc, err := d.GetDocument(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.ID)
	assert.Equal(t, "Shop", doc.Title)
	assert.JSONEq(t, `[{"id":0}]`, string(doc.Get(document.FieldTables)))

	sent := ft.published("/app/getDiagram")
	require.Len(t, sent, 1)
	assert.Equal(t, "3", string(sent[0].body), "the id is the whole payload")
}

func TestDiagrams_GetIgnoresOtherDiagramsAndBroadcasts(t *testing.T) {
	ft := newFakeTransport(true)
	d := NewDiagrams(NewClient(ft, Options{ResponseTimeout: time.Second}))
	ft.onPublish = func(published) {
		ft.deliver(TopicDiagramsUpdate, bus.EventDiagramData, nil, `{"id":3,"version":41,"notes":[]}`)
		ft.respond(bus.EventDiagramData, nil, `{"id":9,"version":40,"tasks":[]}`)
		ft.respond(bus.EventDiagramData, nil, `{"id":3,"version":4,"title":"Shop","tables":[]}`)
	}

	doc, err := d.GetDocument(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.ID)
	assert.Equal(t, "Shop", doc.Title)
	assert.True(t, doc.Has(document.FieldTables))
}

func TestDiagrams_GetTimesOutOnForeignSnapshot(t *testing.T) {
	d, _ := newDiagrams(t, func(published) (string, string) {
		return bus.EventDiagramData, `{"id":9,"version":40,"tasks":[]}`
	})

	_, err := d.GetDocument(context.Background(), 3)
	assert.ErrorIs(t, err, ErrResponseTimeout)
}

func TestDiagrams_GetDocumentMalformed(t *testing.T) {
	d, _ := newDiagrams(t, func(published) (string, string) {
		return bus.EventDiagramData, `[1,2]`
	})

	_, err := d.GetDocument(context.Background(), 3)
	assert.ErrorIs(t, err, document.ErrMalformed)
}

func TestDiagrams_List(t *testing.T) {
	d, _ := newDiagrams(t, func(published) (string, string) {
		return bus.EventDiagramsData, `[
			{"id":1,"title":"a","lastModified":1700000000000},
			{"id":2,"title":"b","lastModified":"2024-01-02T03:04:05Z"}
		]`
	})

	list, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(1), list[0].ID)
	assert.Equal(t, time.UnixMilli(1700000000000), list[0].LastModified)
	assert.Equal(t, "b", list[1].Title)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), list[1].LastModified.UTC())
	assert.JSONEq(t, `{"id":2,"title":"b","lastModified":"2024-01-02T03:04:05Z"}`, string(list[1].Raw))
}

func TestDiagrams_ListNonArrayIsEmpty(t *testing.T) {
	d, _ := newDiagrams(t, func(published) (string, string) {
		return bus.EventDiagramsData, `{"error":"nope"}`
	})

	list, err := d.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDiagrams_Latest(t *testing.T) {
	d, _ := newDiagrams(t, func(published) (string, string) {
		return bus.EventDiagramsData, `[
			{"id":1,"lastModified":"2024-01-01T00:00:00Z"},
			{"id":2,"lastModified":"2024-03-01T00:00:00Z"},
			{"id":3,"lastModified":"2024-02-01T00:00:00Z"}
		]`
	})

	latest, err := d.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.ID)
}

func TestDiagrams_LatestEmpty(t *testing.T) {
	d, _ := newDiagrams(t, func(published) (string, string) {
		return bus.EventDiagramsData, `[]`
	})

	_, err := d.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNoDiagrams)
}

func TestDiagrams_WritesPublishWithoutWaiting(t *testing.T) {
	d, ft := newDiagrams(t, nil)
	ctx := context.Background()

	doc := document.New()
	doc.ID = 9
	doc.Title = "t"
	require.NoError(t, doc.SetValue(document.FieldNotes, []string{"n"}))

	require.NoError(t, d.Add(ctx, doc))
	require.NoError(t, d.Update(ctx, doc))
	require.NoError(t, d.Delete(ctx, 9))
	require.NoError(t, d.BulkAddTemplates(ctx, []map[string]string{{"title": "tpl"}}))

	assert.Len(t, ft.published("/app/addDiagram"), 1)
	update := ft.published("/app/updateDiagram")
	require.Len(t, update, 1)
	assert.JSONEq(t, `{"id":9,"title":"t","database":"","notes":["n"]}`, string(update[0].body))
	assert.Equal(t, "9", string(ft.published("/app/deleteDiagram")[0].body))
	assert.JSONEq(t, `[{"title":"tpl"}]`, string(ft.published("/app/bulkAddTemplates")[0].body))
}

func TestDiagrams_BulkAddTemplatesDoesNotWait(t *testing.T) {
	ft := newFakeTransport(false)
	d := NewDiagrams(NewClient(ft, Options{}))

	err := d.BulkAddTemplates(context.Background(), []string{})
	assert.ErrorIs(t, err, bus.ErrDisconnected)
}

func TestDiagrams_NotifyUpdate(t *testing.T) {
	d, ft := newDiagrams(t, nil)

	err := d.NotifyUpdate(context.Background(), Notification{
		ID:      5,
		Version: 12,
		Fields:  map[document.Field]json.RawMessage{document.FieldTables: json.RawMessage(`[]`)},
	})
	require.NoError(t, err)

	sent := ft.published("/app/diagramUpdate")
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"id":5,"version":12,"tables":[]}`, string(sent[0].body))
}

func TestDiagrams_NotifyUpdateDoesNotWait(t *testing.T) {
	ft := newFakeTransport(false)
	d := NewDiagrams(NewClient(ft, Options{}))

	err := d.NotifyUpdate(context.Background(), Notification{ID: 5, Version: 1})
	assert.ErrorIs(t, err, bus.ErrDisconnected)
	assert.Empty(t, ft.published("/app/diagramUpdate"))
}
