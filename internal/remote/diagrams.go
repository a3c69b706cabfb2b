package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roach88/diagramsync/internal/bus"
	"github.com/roach88/diagramsync/internal/document"
)

// Request types, published under DestinationPrefix.
const (
	TypeGetDiagram       = "getDiagram"
	TypeGetDiagrams      = "getDiagrams"
	TypeAddDiagram       = "addDiagram"
	TypeUpdateDiagram    = "updateDiagram"
	TypeDeleteDiagram    = "deleteDiagram"
	TypeBulkAddTemplates = "bulkAddTemplates"
	TypeDiagramUpdate    = "diagramUpdate"
)

// DeleteConnectTimeout bounds the connectivity wait of Delete. Deletes
// give up much sooner than other operations.
const DeleteConnectTimeout = 5 * time.Second

// ErrNoDiagrams is returned by Latest when the store is empty.
var ErrNoDiagrams = errors.New("remote: no diagrams")

// Summary is one entry of the diagram list.
type Summary struct {
	ID           int64
	Title        string
	LastModified time.Time
	Raw          json.RawMessage
}

// Notification is the diagramUpdate broadcast sent after a save. Fields
// holds only the sections that changed.
type Notification struct {
	ID      int64
	Version int64
	Fields  map[document.Field]json.RawMessage
}

// MarshalJSON flattens the changed fields next to id and version.
func (n Notification) MarshalJSON() ([]byte, error) {
	out := map[string]any{"id": n.ID, "version": n.Version}
	for f, raw := range n.Fields {
		out[string(f)] = raw
	}
	return json.Marshal(out)
}

// Diagrams is the remote diagram store.
type Diagrams struct {
	client *Client
}

// NewDiagrams wraps client.
func NewDiagrams(client *Client) *Diagrams {
	return &Diagrams{client: client}
}

// Get fetches the raw snapshot of diagram id. Partial updates broadcast
// on TopicDiagramsUpdate and snapshots of other diagrams share the
// response event, so only a TopicDiagramData frame for id answers it.
func (d *Diagrams) Get(ctx context.Context, id int64) (json.RawMessage, error) {
	e, err := d.client.RequestWhere(ctx, TypeGetDiagram, id, bus.EventDiagramData, snapshotOf(id))
	if err != nil {
		return nil, fmt.Errorf("get diagram %d: %w", id, err)
	}
	return json.RawMessage(e.Body), nil
}

// GetDocument fetches and parses diagram id.
func (d *Diagrams) GetDocument(ctx context.Context, id int64) (*document.Document, error) {
	raw, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, err := document.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("get diagram %d: %w", id, err)
	}
	return doc, nil
}

// List fetches all diagrams. A response that is not an array yields an
// empty list.
func (d *Diagrams) List(ctx context.Context) ([]Summary, error) {
	e, err := d.client.Request(ctx, TypeGetDiagrams, struct{}{}, bus.EventDiagramsData)
	if err != nil {
		return nil, fmt.Errorf("list diagrams: %w", err)
	}

	root := gjson.ParseBytes(e.Body)
	if !root.IsArray() {
		return nil, nil
	}
	var out []Summary
	root.ForEach(func(_, item gjson.Result) bool {
		out = append(out, Summary{
			ID:           item.Get("id").Int(),
			Title:        item.Get("title").String(),
			LastModified: parseTime(item.Get("lastModified")),
			Raw:          json.RawMessage(item.Raw),
		})
		return true
	})
	return out, nil
}

// Latest returns the most recently modified diagram.
func (d *Diagrams) Latest(ctx context.Context) (Summary, error) {
	list, err := d.List(ctx)
	if err != nil {
		return Summary{}, err
	}
	if len(list) == 0 {
		return Summary{}, ErrNoDiagrams
	}
	latest := list[0]
	for _, s := range list[1:] {
		if s.LastModified.After(latest.LastModified) {
			latest = s
		}
	}
	return latest, nil
}

// Add publishes a creation request. The new id arrives with the echo.
func (d *Diagrams) Add(ctx context.Context, doc *document.Document) error {
	return d.client.Send(ctx, TypeAddDiagram, doc)
}

// Update publishes the full document.
func (d *Diagrams) Update(ctx context.Context, doc *document.Document) error {
	return d.client.Send(ctx, TypeUpdateDiagram, doc)
}

// Delete removes diagram id, waiting at most DeleteConnectTimeout for
// connectivity.
func (d *Diagrams) Delete(ctx context.Context, id int64) error {
	return d.client.SendWithin(ctx, DeleteConnectTimeout, TypeDeleteDiagram, id)
}

// BulkAddTemplates publishes template diagrams immediately, without
// waiting for connectivity.
func (d *Diagrams) BulkAddTemplates(_ context.Context, items any) error {
	return d.client.transport.Publish(DestinationPrefix+TypeBulkAddTemplates, items)
}

// Publisher is the non-blocking publish of bus.Bus.
type Publisher interface {
	Publish(destination string, payload any) error
}

// NotifyUpdate broadcasts the fields changed by a save through p. Like the
// save it follows, it is published at once and dropped while disconnected.
func NotifyUpdate(p Publisher, n Notification) error {
	return p.Publish(DestinationPrefix+TypeDiagramUpdate, n)
}

// NotifyUpdate is the package NotifyUpdate over the client's transport.
func (d *Diagrams) NotifyUpdate(_ context.Context, n Notification) error {
	return NotifyUpdate(d.client.transport, n)
}

func snapshotOf(id int64) func(bus.Event) bool {
	return func(e bus.Event) bool {
		if e.Destination != TopicDiagramData {
			return false
		}
		got := gjson.GetBytes(e.Body, "id")
		return !got.Exists() || got.Int() == id
	}
}

// parseTime reads unix milliseconds or an RFC 3339 string.
func parseTime(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int())
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
			return t
		}
	}
	return time.Time{}
}
