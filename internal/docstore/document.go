package docstore

import (
	"maps"
	"time"
)

// System fields stamped by the store.
const (
	FieldID        = "id"
	FieldUID       = "uid"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// TimeLayout is the UTC millisecond layout used for createdAt and updatedAt.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Document is one record of a collection: a set of system fields plus
// whatever the caller stored.
type Document map[string]any

// ID returns the primary identifier, or "" when unset.
func (d Document) ID() string {
	return stringField(d, FieldID)
}

// UID returns the secondary identifier, or "" when unset.
func (d Document) UID() string {
	return stringField(d, FieldUID)
}

// CreatedAt returns the creation time, or the zero time when unset or
// malformed.
func (d Document) CreatedAt() time.Time {
	return timeField(d, FieldCreatedAt)
}

// UpdatedAt returns the last update time, or the zero time if the document
// was never updated.
func (d Document) UpdatedAt() time.Time {
	return timeField(d, FieldUpdatedAt)
}

// Extra returns the caller-defined fields, without the system ones.
func (d Document) Extra() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		if !isSystemField(k) {
			out[k] = v
		}
	}
	return out
}

// Matches reports whether key is the document id or uid.
func (d Document) Matches(key string) bool {
	if key == "" {
		return false
	}
	return matchesKey(d[FieldID], key) || matchesKey(d[FieldUID], key)
}

// Clone returns a deep copy. Nested maps and slices are copied too.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneMap(d))
}

// Project returns a copy restricted to fields.
func (d Document) Project(fields []string) Document {
	out := make(Document, len(fields))
	for _, f := range fields {
		if v, ok := d[f]; ok {
			out[f] = cloneValue(v)
		}
	}
	return out
}

// FormatTime formats t the way the store stamps timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func isSystemField(k string) bool {
	switch k {
	case FieldID, FieldUID, FieldCreatedAt, FieldUpdatedAt:
		return true
	}
	return false
}

// isImmutableField lists the fields an update can never change.
func isImmutableField(k string) bool {
	return k == FieldID || k == FieldUID || k == FieldCreatedAt
}

func stringField(d Document, k string) string {
	switch v := d[k].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return toString(v)
	}
}

func timeField(d Document, k string) time.Time {
	switch v := d[k].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return t
	case time.Time:
		return v
	}
	return time.Time{}
}

// matchesKey compares an id field with a lookup key. Bulk inserted ids are
// decimal strings but a hand-edited blob may hold them as numbers.
func matchesKey(v any, key string) bool {
	switch v := v.(type) {
	case nil:
		return false
	case string:
		return v == key
	default:
		return toString(v) == key
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case Document:
		return Document(cloneMap(v))
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = cloneValue(v[i])
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i := range v {
			out[i] = cloneMap(v[i])
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case map[string]string:
		return maps.Clone(v)
	default:
		return v
	}
}
