// Package document models the diagram the sync engine carries.
//
// The engine does not interpret diagram contents. A Document is an id, a
// title, a database dialect and eight opaque JSON fields that are replaced
// wholesale when an update carries them. Everything else on the wire is
// ignored.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Field names one of the top-level diagram sections.
type Field string

const (
	FieldTables        Field = "tables"
	FieldRelationships Field = "relationships"
	FieldNotes         Field = "notes"
	FieldAreas         Field = "areas"
	FieldTasks         Field = "tasks"
	FieldTransform     Field = "transform"
	FieldTypes         Field = "types"
	FieldEnums         Field = "enums"
)

// Fields lists every mergeable field in wire order.
var Fields = []Field{
	FieldTables,
	FieldRelationships,
	FieldNotes,
	FieldAreas,
	FieldTasks,
	FieldTransform,
	FieldTypes,
	FieldEnums,
}

// emptyFields are the sections whose absence makes a document "empty" for
// autosave purposes.
var emptyFields = []Field{FieldTables, FieldAreas, FieldNotes, FieldTypes, FieldTasks}

// ErrMalformed is returned for payloads that are not JSON objects or carry
// an unusable version.
var ErrMalformed = errors.New("document: malformed payload")

// Document is one diagram. The zero value is an empty, unsaved document.
type Document struct {
	// ID is the remote record id; 0 until the first save is echoed.
	ID       int64
	Title    string
	Database string

	fields map[Field]json.RawMessage
}

// New returns an empty document.
func New() *Document {
	return &Document{}
}

// Parse reads a document from JSON. Legacy aliases are accepted: "name" for
// title, "references" for relationships, "todos" for tasks, and top-level
// "pan"/"zoom" for transform.
func Parse(data []byte) (*Document, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	d := &Document{fields: extractFields(root)}
	if id := root.Get("id"); id.Exists() {
		n, err := integer(id)
		if err != nil {
			return nil, fmt.Errorf("%w: id: %v", ErrMalformed, err)
		}
		d.ID = n
	}
	d.Title = firstString(root, "title", "name")
	d.Database = root.Get("database").String()
	return d, nil
}

// Get returns the raw JSON of f, or nil when unset.
func (d *Document) Get(f Field) json.RawMessage {
	if d.fields == nil {
		return nil
	}
	return d.fields[f]
}

// Has reports whether f is set.
func (d *Document) Has(f Field) bool {
	_, ok := d.fields[f]
	return ok
}

// Set replaces f with raw. A nil raw clears the field.
func (d *Document) Set(f Field, raw json.RawMessage) {
	if raw == nil {
		delete(d.fields, f)
		return
	}
	if d.fields == nil {
		d.fields = make(map[Field]json.RawMessage, len(Fields))
	}
	d.fields[f] = append(json.RawMessage(nil), raw...)
}

// SetValue JSON-encodes v into f.
func (d *Document) SetValue(f Field, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", f, err)
	}
	d.Set(f, raw)
	return nil
}

// Merge replaces every field present in u and leaves the rest untouched.
// It returns the fields whose content changed.
func (d *Document) Merge(u Update) []Field {
	var changed []Field
	for _, f := range Fields {
		raw, ok := u.Fields[f]
		if !ok {
			continue
		}
		if !bytes.Equal(d.Get(f), raw) {
			changed = append(changed, f)
		}
		d.Set(f, raw)
	}
	return changed
}

// Empty reports whether tables, areas, notes, types and tasks are all
// absent or empty. Empty documents are not autosaved.
func (d *Document) Empty() bool {
	for _, f := range emptyFields {
		if !isEmptyJSON(d.Get(f)) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := &Document{ID: d.ID, Title: d.Title, Database: d.Database}
	for f, raw := range d.fields {
		c.Set(f, raw)
	}
	return c
}

// MarshalJSON writes id (when set), title, database and the set fields in
// wire order.
func (d *Document) MarshalJSON() ([]byte, error) {
	return d.marshal(nil, time.Time{})
}

// Payload is the document plus its version.
func (d *Document) Payload(version int64) ([]byte, error) {
	return d.marshal(&version, time.Time{})
}

// SavePayload is the addDiagram/updateDiagram envelope: Payload stamped
// with lastModified, which orders diagrams in the list.
func (d *Document) SavePayload(version int64, modified time.Time) ([]byte, error) {
	return d.marshal(&version, modified)
}

// LastModifiedLayout is the millisecond ISO 8601 form of lastModified.
const LastModifiedLayout = "2006-01-02T15:04:05.000Z07:00"

func (d *Document) marshal(version *int64, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	sep := func() {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
	}
	writeKey := func(k string) {
		sep()
		buf.WriteString(strconv.Quote(k))
		buf.WriteByte(':')
	}

	if d.ID != 0 {
		writeKey("id")
		buf.WriteString(strconv.FormatInt(d.ID, 10))
	}
	if version != nil {
		writeKey("version")
		buf.WriteString(strconv.FormatInt(*version, 10))
	}
	if !modified.IsZero() {
		writeKey("lastModified")
		buf.WriteString(strconv.Quote(modified.UTC().Format(LastModifiedLayout)))
	}
	for _, kv := range []struct{ k, v string }{{"title", d.Title}, {"database", d.Database}} {
		writeKey(kv.k)
		s, err := json.Marshal(kv.v)
		if err != nil {
			return nil, err
		}
		buf.Write(s)
	}
	for _, f := range Fields {
		raw, ok := d.fields[f]
		if !ok {
			continue
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("field %s holds invalid JSON", f)
		}
		writeKey(string(f))
		buf.Write(raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler via Parse.
func (d *Document) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// Update is an inbound envelope reduced to what the engine acts on.
type Update struct {
	Version int64

	// ID is the record id carried by the envelope, or 0.
	ID int64

	// Fields holds only the sections present in the payload.
	Fields map[Field]json.RawMessage
}

// Present returns the fields carried by u in wire order.
func (u Update) Present() []Field {
	var present []Field
	for _, f := range Fields {
		if _, ok := u.Fields[f]; ok {
			present = append(present, f)
		}
	}
	return present
}

// ParseUpdate extracts the version, id and known fields from an envelope.
// The payload must be a JSON object with an integer version ≥ 0.
func ParseUpdate(data []byte) (Update, error) {
	if !gjson.ValidBytes(data) {
		return Update{}, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Update{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	v := root.Get("version")
	if !v.Exists() {
		return Update{}, fmt.Errorf("%w: missing version", ErrMalformed)
	}
	version, err := integer(v)
	if err != nil {
		return Update{}, fmt.Errorf("%w: version: %v", ErrMalformed, err)
	}
	if version < 0 {
		return Update{}, fmt.Errorf("%w: negative version %d", ErrMalformed, version)
	}

	u := Update{Version: version, Fields: extractFields(root)}
	if id := root.Get("id"); id.Exists() {
		if n, err := integer(id); err == nil {
			u.ID = n
		}
	}
	return u, nil
}

func extractFields(root gjson.Result) map[Field]json.RawMessage {
	fields := make(map[Field]json.RawMessage, len(Fields))
	for _, f := range Fields {
		if r := root.Get(string(f)); r.Exists() {
			fields[f] = json.RawMessage(r.Raw)
		}
	}
	if _, ok := fields[FieldRelationships]; !ok {
		if r := root.Get("references"); r.Exists() {
			fields[FieldRelationships] = json.RawMessage(r.Raw)
		}
	}
	if _, ok := fields[FieldTasks]; !ok {
		if r := root.Get("todos"); r.Exists() {
			fields[FieldTasks] = json.RawMessage(r.Raw)
		}
	}
	if _, ok := fields[FieldTransform]; !ok {
		pan, zoom := root.Get("pan"), root.Get("zoom")
		if pan.Exists() || zoom.Exists() {
			var buf bytes.Buffer
			buf.WriteByte('{')
			if pan.Exists() {
				buf.WriteString(`"pan":`)
				buf.WriteString(pan.Raw)
			}
			if zoom.Exists() {
				if pan.Exists() {
					buf.WriteByte(',')
				}
				buf.WriteString(`"zoom":`)
				buf.WriteString(zoom.Raw)
			}
			buf.WriteByte('}')
			fields[FieldTransform] = buf.Bytes()
		}
	}
	return fields
}

// integer accepts JSON numbers without a fractional part, and numeric
// strings.
func integer(r gjson.Result) (int64, error) {
	switch r.Type {
	case gjson.Number:
		n, err := strconv.ParseInt(r.Raw, 10, 64)
		if err != nil {
			if r.Num == float64(int64(r.Num)) {
				return int64(r.Num), nil
			}
			return 0, fmt.Errorf("not an integer: %s", r.Raw)
		}
		return n, nil
	case gjson.String:
		n, err := strconv.ParseInt(r.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", r.Str)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not an integer: %s", r.Raw)
	}
}

func firstString(root gjson.Result, keys ...string) string {
	for _, k := range keys {
		if r := root.Get(k); r.Exists() {
			return r.String()
		}
	}
	return ""
}

func isEmptyJSON(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	r := gjson.ParseBytes(raw)
	switch {
	case r.Type == gjson.Null:
		return true
	case r.IsArray():
		return len(r.Array()) == 0
	case r.IsObject():
		return len(r.Map()) == 0
	}
	return false
}
