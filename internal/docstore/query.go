package docstore

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
)

// Predicate selects documents in a query.
type Predicate func(Document) bool

// Direction is a sort order.
type Direction int

// Sort directions.
const (
	Ascending Direction = iota
	Descending
)

// ParseDirection maps "desc"/"descending" to Descending and anything else to
// Ascending.
func ParseDirection(s string) Direction {
	switch strings.ToLower(s) {
	case "desc", "descending":
		return Descending
	}
	return Ascending
}

// Query is an immutable description of a read over one collection. Every
// method returns a new Query and leaves the receiver untouched, so a query
// can be branched after a shared prefix.
type Query struct {
	store      *Store
	collection string
	preds      []Predicate
	sortField  string
	sortDir    Direction
	fields     []string
}

// Query starts a query over collection.
func (s *Store) Query(collection string) Query {
	return Query{store: s, collection: collection}
}

// Where adds a predicate. All predicates must pass.
func (q Query) Where(p Predicate) Query {
	// Clip so that two branches appending to the same prefix never share the
	// backing array.
	q.preds = append(slices.Clip(q.preds), p)
	return q
}

// Sort sets the single sort key, replacing any earlier one.
func (q Query) Sort(field string, dir Direction) Query {
	q.sortField = field
	q.sortDir = dir
	return q
}

// Project restricts results to fields, replacing any earlier projection.
// No fields means no projection.
func (q Query) Project(fields ...string) Query {
	q.fields = slices.Clone(fields)
	return q
}

// Exec reads the collection once, then filters, sorts and projects.
func (q Query) Exec(ctx context.Context) ([]Document, error) {
	docs, err := q.store.Get(ctx, q.collection)
	if err != nil {
		return nil, err
	}
	return q.apply(docs), nil
}

// apply runs the query over an already loaded snapshot.
func (q Query) apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.matches(d) {
			out = append(out, d)
		}
	}
	if q.sortField != "" {
		f := q.sortField
		slices.SortStableFunc(out, func(a, b Document) int {
			c := compareValues(a[f], b[f])
			if q.sortDir == Descending {
				return -c
			}
			return c
		})
	}
	if len(q.fields) != 0 {
		for i, d := range out {
			out[i] = d.Project(q.fields)
		}
	}
	return out
}

func (q Query) matches(d Document) bool {
	for _, p := range q.preds {
		if !p(d) {
			return false
		}
	}
	return true
}

// Eq matches documents whose field equals v. Numbers compare by value
// regardless of their Go type.
func Eq(field string, v any) Predicate {
	return func(d Document) bool {
		val, ok := d[field]
		if !ok {
			return v == nil
		}
		if val == nil || v == nil {
			return val == v
		}
		return kindRank(val) == kindRank(v) && compareValues(val, v) == 0
	}
}

// EqText is Eq for values typed by a person, as in a URL or a command line.
// raw matches either as a string or as the JSON scalar it spells, so "5"
// finds both "5" and 5.
func EqText(field, raw string) Predicate {
	asString := Eq(field, raw)
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return asString
	}
	switch v.(type) {
	case float64, bool, nil:
	default:
		return asString
	}
	asScalar := Eq(field, v)
	return func(d Document) bool { return asString(d) || asScalar(d) }
}

// Ne is the negation of Eq.
func Ne(field string, v any) Predicate {
	eq := Eq(field, v)
	return func(d Document) bool { return !eq(d) }
}

// Gt matches documents whose field is comparable with v and greater.
func Gt(field string, v any) Predicate {
	return ordered(field, v, func(c int) bool { return c > 0 })
}

// Gte matches documents whose field is comparable with v and not smaller.
func Gte(field string, v any) Predicate {
	return ordered(field, v, func(c int) bool { return c >= 0 })
}

// Lt matches documents whose field is comparable with v and smaller.
func Lt(field string, v any) Predicate {
	return ordered(field, v, func(c int) bool { return c < 0 })
}

// Lte matches documents whose field is comparable with v and not greater.
func Lte(field string, v any) Predicate {
	return ordered(field, v, func(c int) bool { return c <= 0 })
}

func ordered(field string, v any, ok func(int) bool) Predicate {
	return func(d Document) bool {
		val := d[field]
		if val == nil || v == nil || kindRank(val) != kindRank(v) {
			return false
		}
		return ok(compareValues(val, v))
	}
}

// Contains matches documents whose field contains s, ignoring case. List
// fields match when any element does.
func Contains(field, s string) Predicate {
	needle := strings.ToLower(s)
	return func(d Document) bool {
		switch v := d[field].(type) {
		case nil:
			return false
		case []any:
			for _, e := range v {
				if strings.Contains(strings.ToLower(toString(e)), needle) {
					return true
				}
			}
			return false
		default:
			return strings.Contains(strings.ToLower(toString(v)), needle)
		}
	}
}

// Exists matches documents where field is present and not null.
func Exists(field string) Predicate {
	return func(d Document) bool { return d[field] != nil }
}
