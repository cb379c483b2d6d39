package docstore

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/maruel/blobdb/internal/blobrepo"
	"github.com/maruel/blobdb/internal/codec"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *blobrepo.MemoryRepository) {
	t.Helper()
	repo := blobrepo.NewMemoryRepository()
	return Open(repo, opts...), repo
}

func TestGetBootstrapsOnce(t *testing.T) {
	t.Run("sequential", func(t *testing.T) {
		s, repo := newTestStore(t)
		for range 5 {
			docs, err := s.Get(t.Context(), "products")
			if err != nil {
				t.Fatal(err)
			}
			if docs == nil || len(docs) != 0 {
				t.Fatalf("expected empty non-nil list, got %#v", docs)
			}
		}
		if n := repo.Writes("db/products.json"); n != 1 {
			t.Fatalf("expected exactly one create, got %d writes", n)
		}
	})

	t.Run("concurrent", func(t *testing.T) {
		s, repo := newTestStore(t)
		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				docs, err := s.Get(t.Context(), "orders")
				if err == nil && len(docs) != 0 {
					err = errors.New("expected empty collection")
				}
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}
		if w := repo.Writes("db/orders.json"); w != 1 {
			t.Fatalf("expected exactly one create, got %d writes", w)
		}
	})

	t.Run("another process created it first", func(t *testing.T) {
		repo := blobrepo.NewMemoryRepository()
		a := Open(repo)
		b := Open(repo)
		if _, err := a.Insert(t.Context(), "users", Document{"name": "A"}); err != nil {
			t.Fatal(err)
		}
		docs, err := b.Get(t.Context(), "users")
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 1 {
			t.Fatalf("expected 1 document, got %d", len(docs))
		}
	})
}

func TestBootstrapConflictRereads(t *testing.T) {
	repo := &createRace{MemoryRepository: blobrepo.NewMemoryRepository()}
	s := Open(repo)
	docs, err := s.Get(t.Context(), "users")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0]["name"] != "winner" {
		t.Fatalf("expected the concurrently created blob, got %v", docs)
	}
}

// createRace reports the path as missing on the first read and creates it
// just before the store's own create lands.
type createRace struct {
	*blobrepo.MemoryRepository
	raced bool
}

func (c *createRace) Write(ctx context.Context, p string, content []byte, rev blobrepo.Revision, msg string) (blobrepo.Revision, error) {
	if !c.raced && rev == "" {
		c.raced = true
		if _, err := c.MemoryRepository.Write(ctx, p, []byte(`[{"id":"1","name":"winner"}]`), "", "other"); err != nil {
			return "", err
		}
	}
	return c.MemoryRepository.Write(ctx, p, content, rev, msg)
}

func TestBootstrapOutlivesCaller(t *testing.T) {
	repo := &gatedCreate{
		MemoryRepository: blobrepo.NewMemoryRepository(),
		started:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	s := Open(repo)
	first, cancel := context.WithCancel(t.Context())
	go func() { _, _ = s.Get(first, "orders") }()
	<-repo.started

	errs := make(chan error, 1)
	go func() {
		_, err := s.Get(t.Context(), "orders")
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(repo.release)
	if err := <-errs; err != nil {
		t.Fatalf("waiter failed because the first caller went away: %v", err)
	}
	if w := repo.Writes("db/orders.json"); w != 1 {
		t.Fatalf("expected exactly one create, got %d writes", w)
	}
}

// gatedCreate holds creates until release is closed, then honors ctx.
type gatedCreate struct {
	*blobrepo.MemoryRepository
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedCreate) Write(ctx context.Context, p string, content []byte, rev blobrepo.Revision, msg string) (blobrepo.Revision, error) {
	if rev == "" {
		g.once.Do(func() { close(g.started) })
		<-g.release
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.MemoryRepository.Write(ctx, p, content, rev, msg)
}

func TestInsertStampsIdentity(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)
	s, _ := newTestStore(t, WithClock(func() time.Time { return now }))
	ctx := t.Context()
	seen := map[string]bool{}
	for i := range 10 {
		d, err := s.Insert(ctx, "products", Document{"n": i, "id": "forged", "uid": "forged", "updatedAt": "x"})
		if err != nil {
			t.Fatal(err)
		}
		if d.ID() == "" || d.UID() == "" || d.ID() == d.UID() {
			t.Fatalf("bad identity: %v", d)
		}
		if d.ID() == "forged" || d.UID() == "forged" {
			t.Fatal("caller supplied identity must be replaced")
		}
		if _, ok := d[FieldUpdatedAt]; ok {
			t.Fatal("insert must not carry updatedAt")
		}
		if got := d[FieldCreatedAt]; got != "2024-05-01T10:00:00.123Z" {
			t.Fatalf("createdAt = %v", got)
		}
		if !d.CreatedAt().Equal(now.Truncate(time.Millisecond)) {
			t.Fatalf("CreatedAt() = %v", d.CreatedAt())
		}
		for _, k := range []string{d.ID(), d.UID()} {
			if seen[k] {
				t.Fatalf("duplicate key %s", k)
			}
			seen[k] = true
		}
	}
	docs, err := s.Get(ctx, "products")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 10 {
		t.Fatalf("expected 10 documents, got %d", len(docs))
	}
}

func TestGetItem(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()
	d, err := s.Insert(ctx, "products", Document{"name": "Mug"})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{d.ID(), d.UID()} {
		got, err := s.GetItem(ctx, "products", key)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got["name"] != "Mug" {
			t.Fatalf("GetItem(%s) = %v", key, got)
		}
	}
	got, err := s.GetItem(ctx, "products", "nope")
	if err != nil || got != nil {
		t.Fatalf("GetItem(missing) = %v, %v", got, err)
	}
}

func TestBulkInsert(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := t.Context()
	if _, err := s.Get(ctx, "products"); err != nil {
		t.Fatal(err)
	}
	// Seed a blob with hand-written ids: out of order, non numeric, and a uid
	// that collides with a candidate id.
	content := []byte(`[{"id":"7","uid":"9"},{"id":"x1","uid":"b"},{"id":"3","uid":"c"}]`)
	_, rev, err := repo.Read(ctx, "db/products.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Write(ctx, "db/products.json", content, rev, "seed"); err != nil {
		t.Fatal(err)
	}
	before := repo.Writes("db/products.json")

	docs, err := s.BulkInsert(ctx, "products", []Document{{"name": "a"}, {"name": "b"}, {"name": "c"}})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID())
		if d.UID() == "" || d[FieldCreatedAt] == nil {
			t.Fatalf("missing system fields: %v", d)
		}
	}
	if want := []string{"8", "10", "11"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if w := repo.Writes("db/products.json") - before; w != 1 {
		t.Fatalf("expected one write, got %d", w)
	}

	t.Run("numeric ids exhausted", func(t *testing.T) {
		s, repo := newTestStore(t)
		if _, err := s.Get(ctx, "big"); err != nil {
			t.Fatal(err)
		}
		_, rev, err := repo.Read(ctx, "db/big.json")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := repo.Write(ctx, "db/big.json", []byte(`[{"id":"9223372036854775807","uid":"u"}]`), rev, "seed"); err != nil {
			t.Fatal(err)
		}
		before := repo.Writes("db/big.json")
		if _, err := s.BulkInsert(ctx, "big", []Document{{"name": "a"}}); err == nil {
			t.Fatal("expected an error instead of a wrapped id")
		}
		if repo.Writes("db/big.json") != before {
			t.Fatal("nothing may be written when ids are exhausted")
		}
	})

	t.Run("validates everything before writing", func(t *testing.T) {
		s, repo := newTestStore(t)
		s.RegisterSchema("users", SchemaDefinition{Required: []string{"email"}})
		_, err := s.BulkInsert(ctx, "users", []Document{{"email": "a@x.com"}, {"name": "B"}})
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != "email" || ve.Collection != "users" {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if repo.Writes("db/users.json") != 0 {
			t.Fatal("nothing may be written when validation fails")
		}
	})
}

func TestUpdatePreservesUntouchedFields(t *testing.T) {
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, _ := newTestStore(t, WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
	ctx := t.Context()
	d, err := s.Insert(ctx, "c", Document{"x": 0, "y": 9})
	if err != nil {
		t.Fatal(err)
	}
	u, err := s.Update(ctx, "c", d.UID(), Document{"x": 1, "id": "hijack", "createdAt": "never"})
	if err != nil {
		t.Fatal(err)
	}
	if u["x"] != 1 || compareValues(u["y"], 9) != 0 {
		t.Fatalf("unexpected fields: %v", u)
	}
	if u.ID() != d.ID() || u[FieldCreatedAt] != d[FieldCreatedAt] {
		t.Fatalf("immutable fields changed: %v", u)
	}
	if u.UpdatedAt().IsZero() || !u.UpdatedAt().After(d.CreatedAt()) {
		t.Fatalf("updatedAt not stamped: %v", u[FieldUpdatedAt])
	}
	got, err := s.GetItem(ctx, "c", d.ID())
	if err != nil {
		t.Fatal(err)
	}
	if compareValues(got["x"], 1) != 0 || compareValues(got["y"], 9) != 0 {
		t.Fatalf("stored document = %v", got)
	}

	if _, err := s.Update(ctx, "c", "missing", Document{"x": 2}); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()
	a, _ := s.Insert(ctx, "c", Document{"n": "a"})
	b, _ := s.Insert(ctx, "c", Document{"n": "b"})
	if err := s.Delete(ctx, "c", a.ID()); err != nil {
		t.Fatal(err)
	}
	docs, err := s.Get(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID() != b.ID() {
		t.Fatalf("unexpected documents %v", docs)
	}
	if err := s.Delete(ctx, "c", a.ID()); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestSchemaEnforcement(t *testing.T) {
	s, _ := newTestStore(t, WithSchemas(map[string]SchemaDefinition{
		"users": {Required: []string{"email"}, Defaults: map[string]any{"role": "user", "tags": []any{"new"}}},
	}))
	ctx := t.Context()
	_, err := s.Insert(ctx, "users", Document{"name": "A"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := s.Insert(ctx, "users", Document{"email": nil}); !errors.Is(err, ErrValidation) {
		t.Fatalf("null must fail validation, got %v", err)
	}
	d, err := s.Insert(ctx, "users", Document{"email": "a@x.com", "role": "admin"})
	if err != nil {
		t.Fatal(err)
	}
	if d["role"] != "admin" {
		t.Fatalf("caller value must win over default, got %v", d["role"])
	}
	if tags, ok := d["tags"].([]any); !ok || len(tags) != 1 {
		t.Fatalf("default not applied: %v", d)
	}
	// Update never re-validates.
	if _, err := s.Update(ctx, "users", d.ID(), Document{"email": nil}); err != nil {
		t.Fatal(err)
	}
	// Other collections are unconstrained.
	if _, err := s.Insert(ctx, "orders", Document{}); err != nil {
		t.Fatal(err)
	}
}

func TestSchemaFromType(t *testing.T) {
	type product struct {
		ID    string  `json:"id"`
		Name  string  `json:"name"`
		Price float64 `json:"price"`
		Notes string  `json:"notes,omitempty"`
	}
	def := SchemaFromType[product]()
	if want := []string{"name", "price"}; !reflect.DeepEqual(def.Required, want) {
		t.Fatalf("Required = %v, want %v", def.Required, want)
	}
}

func TestInsertUnique(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()
	if _, err := s.InsertUnique(ctx, "users", "email", Document{"email": "u@x.com"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertUnique(ctx, "users", "email", Document{"email": "u@x.com"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := s.InsertUnique(ctx, "users", "email", Document{"email": "v@x.com"}); err != nil {
		t.Fatal(err)
	}
}

func TestLostUpdateWithoutConditionalWrites(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := t.Context()
	d, err := s.Insert(ctx, "c", Document{"a": 0, "b": 0})
	if err != nil {
		t.Fatal(err)
	}
	repo.SetUnconditional(true)

	first, err := s.load(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.load(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	first.docs[0]["a"] = 1
	second.docs[0]["b"] = 2
	if err := s.save(ctx, first, "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.save(ctx, second, "second"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetItem(ctx, "c", d.ID())
	if err != nil {
		t.Fatal(err)
	}
	if compareValues(got["a"], 0) != 0 || compareValues(got["b"], 2) != 0 {
		t.Fatalf("expected only the second write to survive, got %v", got)
	}
}

func TestStaleWriteConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()
	if _, err := s.Insert(ctx, "c", Document{"a": 0}); err != nil {
		t.Fatal(err)
	}
	first, err := s.load(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.load(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.save(ctx, first, "first"); err != nil {
		t.Fatal(err)
	}
	err = s.save(ctx, second, "second")
	if !errors.Is(err, blobrepo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var ce *blobrepo.ConflictError
	if !errors.As(err, &ce) || ce.Path != "db/c.json" {
		t.Fatalf("expected ConflictError on db/c.json, got %v", err)
	}
}

func TestFormats(t *testing.T) {
	for _, f := range codec.Formats() {
		t.Run(f, func(t *testing.T) {
			c, err := codec.ForFormat(f)
			if err != nil {
				t.Fatal(err)
			}
			s, repo := newTestStore(t, WithCodec(c), WithBasePath("data"))
			ctx := t.Context()
			if _, err := s.Insert(ctx, "products", Document{"price": 12, "name": "Mug"}); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Insert(ctx, "products", Document{"price": 30.5, "name": "Lamp"}); err != nil {
				t.Fatal(err)
			}
			if _, _, err := repo.Read(ctx, "data/products."+f); err != nil {
				t.Fatalf("blob not at expected path: %v", err)
			}
			docs, err := s.Query("products").Where(Gt("price", 20)).Exec(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(docs) != 1 || docs[0]["name"] != "Lamp" {
				t.Fatalf("unexpected result %v", docs)
			}
		})
	}
}

func TestUploadMedia(t *testing.T) {
	s, repo := newTestStore(t, WithMediaPath("assets"))
	ctx := t.Context()
	p, err := s.UploadMedia(ctx, "products/mug.png", []byte{0x89, 'P', 'N', 'G'})
	if err != nil {
		t.Fatal(err)
	}
	if p != "assets/products/mug.png" {
		t.Fatalf("path = %q", p)
	}
	got, _, err := repo.Read(ctx, p)
	if err != nil || string(got) != "\x89PNG" {
		t.Fatalf("Read = %q, %v", got, err)
	}
	if _, err := s.UploadMedia(ctx, "products/mug.png", nil); !errors.Is(err, blobrepo.ErrConflict) {
		t.Fatalf("expected conflict on overwrite, got %v", err)
	}
	if _, err := s.UploadMedia(ctx, "../escape", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestAuditLog(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()
	d, _ := s.Insert(ctx, "c", Document{"a": 1})
	_, _ = s.BulkInsert(ctx, "c", []Document{{"b": 1}})
	_, _ = s.Update(ctx, "c", d.ID(), Document{"a": 2})
	_ = s.Delete(ctx, "c", d.ID())
	s.Record(ctx, "c", "export", map[string]any{"to": "csv"})

	var actions []string
	for _, e := range s.audit.list("c") {
		actions = append(actions, e.Action)
		if e.Timestamp.IsZero() {
			t.Fatal("missing timestamp")
		}
	}
	want := []string{ActionInsert, ActionBulkInsert, ActionUpdate, ActionDelete, "export"}
	if !reflect.DeepEqual(actions, want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	if len(s.audit.list("other")) != 0 {
		t.Fatal("audit is per collection")
	}
}

func TestInvalidCollectionName(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(t.Context(), "../etc"); err == nil {
		t.Fatal("expected error")
	}
}
