// Tests for filtering, sorting and projection.

package docstore

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func seedProducts(t *testing.T) *Store {
	t.Helper()
	s, _ := newTestStore(t)
	_, err := s.BulkInsert(t.Context(), "products", []Document{
		{"name": "Mug", "price": 12, "tags": []any{"Kitchen"}, "active": true},
		{"name": "Lamp", "price": 45.5, "active": false},
		{"name": "Pen", "price": 2},
		{"name": "Desk", "price": 45.5, "active": true},
		{"name": "Chair", "price": 80, "tags": []any{"office", "Seat"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func names(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i], _ = d["name"].(string)
	}
	return out
}

func TestQueryDeterminism(t *testing.T) {
	s := seedProducts(t)
	ctx := t.Context()
	q := s.Query("products").
		Where(func(d Document) bool { f, _ := toFloat(d["price"]); return f > 10 }).
		Sort("price", Descending)
	first, err := q.Exec(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Stable: Lamp was stored before Desk.
	if want := []string{"Chair", "Lamp", "Desk", "Mug"}; !reflect.DeepEqual(names(first), want) {
		t.Fatalf("got %v, want %v", names(first), want)
	}
	second, err := q.Exec(ctx)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("re-running differs:\n%s\n%s", a, b)
	}
}

func TestQueryBranching(t *testing.T) {
	s := seedProducts(t)
	ctx := t.Context()
	base := s.Query("products").Where(Gt("price", 10))
	cheap := base.Where(Lt("price", 50))
	active := base.Where(Eq("active", true))

	got, err := cheap.Exec(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"Mug", "Lamp", "Desk"}; !reflect.DeepEqual(names(got), want) {
		t.Fatalf("cheap = %v, want %v", names(got), want)
	}
	got, err = active.Exec(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"Mug", "Desk"}; !reflect.DeepEqual(names(got), want) {
		t.Fatalf("active = %v, want %v", names(got), want)
	}
	got, err = base.Exec(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("base changed by its branches: %v", names(got))
	}
}

func TestQuerySortAndProjectReplace(t *testing.T) {
	s := seedProducts(t)
	q := s.Query("products").Sort("price", Descending).Sort("name", Ascending).
		Project("price").Project("name")
	got, err := q.Exec(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"Chair", "Desk", "Lamp", "Mug", "Pen"}; !reflect.DeepEqual(names(got), want) {
		t.Fatalf("got %v, want %v", names(got), want)
	}
	for _, d := range got {
		if len(d) != 1 {
			t.Fatalf("projection not replaced: %v", d)
		}
	}
}

func TestPredicates(t *testing.T) {
	s := seedProducts(t)
	tests := []struct {
		name string
		p    Predicate
		want []string
	}{
		{"eq number across kinds", Eq("price", int64(12)), []string{"Mug"}},
		{"eq string", Eq("name", "Pen"), []string{"Pen"}},
		{"ne", Ne("name", "Pen"), []string{"Mug", "Lamp", "Desk", "Chair"}},
		{"gte", Gte("price", 45.5), []string{"Lamp", "Desk", "Chair"}},
		{"lte", Lte("price", 12), []string{"Mug", "Pen"}},
		{"gt ignores other kinds", Gt("name", 1), []string{}},
		{"contains string", Contains("name", "am"), []string{"Lamp"}},
		{"contains list", Contains("tags", "seat"), []string{"Chair"}},
		{"exists", Exists("active"), []string{"Mug", "Lamp", "Desk"}},
		{"eq nil means absent", Eq("tags", nil), []string{"Lamp", "Pen", "Desk"}},
		{"eq text number", EqText("price", "45.5"), []string{"Lamp", "Desk"}},
		{"eq text string", EqText("name", "Pen"), []string{"Pen"}},
		{"eq text bool", EqText("active", "true"), []string{"Mug", "Desk"}},
		{"eq text not json", EqText("name", "{Mug"), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query("products").Where(tt.p).Exec(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(names(got), tt.want) {
				t.Errorf("got %v, want %v", names(got), tt.want)
			}
		})
	}
}

func TestCompareValues(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		a, b any
		want int
	}{
		{"nil first", nil, 1, -1},
		{"both nil", nil, nil, 0},
		{"int vs float", 3, 2.5, 1},
		{"uint64 vs int", uint64(2), 2, 0},
		{"int8 vs float32", int8(-1), float32(0.5), -1},
		{"strings", "a", "b", -1},
		{"bools", true, false, 1},
		{"times", t1, t1.Add(time.Hour), -1},
		{"mixed kinds by rank", "1", 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := compareValues(tt.a, tt.b); got != tt.want {
				t.Errorf("compareValues(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if got := compareValues(tt.b, tt.a); got != -tt.want {
				t.Errorf("compareValues not antisymmetric for %v, %v", tt.a, tt.b)
			}
		})
	}
}

func TestParseDirection(t *testing.T) {
	if ParseDirection("DESC") != Descending || ParseDirection("asc") != Ascending || ParseDirection("") != Ascending {
		t.Fatal("unexpected direction")
	}
}
