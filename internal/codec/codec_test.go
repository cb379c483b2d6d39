package codec

import (
	"errors"
	"strings"
	"testing"
)

func TestForFormat(t *testing.T) {
	for _, f := range []string{"", "json", "yaml", "yml", "msgpack"} {
		c, err := ForFormat(f)
		if err != nil {
			t.Fatalf("ForFormat(%q): %v", f, err)
		}
		want := f
		if want == "" {
			want = "json"
		}
		if c.Ext() != want {
			t.Errorf("ForFormat(%q).Ext() = %q", f, c.Ext())
		}
	}
	if _, err := ForFormat("xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestDocumentsSurviveEachFormat(t *testing.T) {
	docs := []map[string]any{
		{
			"id":        "1",
			"name":      "Mug",
			"price":     12.5,
			"stock":     3,
			"active":    true,
			"createdAt": "2024-05-01T10:00:00.000Z",
			"tags":      []any{"kitchen", "gift"},
			"dims":      map[string]any{"h": 10},
		},
	}
	for _, f := range Formats() {
		t.Run(f, func(t *testing.T) {
			c, err := ForFormat(f)
			if err != nil {
				t.Fatal(err)
			}
			raw, err := c.Marshal(docs)
			if err != nil {
				t.Fatal(err)
			}
			var got []map[string]any
			if err := c.Unmarshal(raw, &got); err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 {
				t.Fatalf("expected 1 document, got %d", len(got))
			}
			d := got[0]
			if d["name"] != "Mug" || d["active"] != true {
				t.Errorf("unexpected document %v", d)
			}
			// Timestamps stay strings in every format.
			if s, ok := d["createdAt"].(string); !ok || s != "2024-05-01T10:00:00.000Z" {
				t.Errorf("createdAt = %#v", d["createdAt"])
			}
			if _, ok := d["dims"].(map[string]any); !ok {
				t.Errorf("nested map decoded as %T", d["dims"])
			}
			if tags, ok := d["tags"].([]any); !ok || len(tags) != 2 {
				t.Errorf("tags = %#v", d["tags"])
			}
		})
	}
}

func TestJSONIsIndented(t *testing.T) {
	c, _ := ForFormat("json")
	raw, err := c.Marshal([]map[string]any{{"id": "1"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "\n    \"id\": \"1\"") {
		t.Fatalf("expected two space indentation, got:\n%s", raw)
	}
}
