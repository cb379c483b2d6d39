package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/ksid"
	"golang.org/x/sync/singleflight"

	"github.com/maruel/blobdb/internal/blobrepo"
	"github.com/maruel/blobdb/internal/codec"
)

var (
	// ErrDocumentNotFound is returned by Update and Delete when no document
	// has the key as id or uid.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrDuplicate is returned by InsertUnique when the field value is taken.
	ErrDuplicate = errors.New("duplicate value")
)

// Store is a document store over one repository. It is safe for concurrent
// use, with the conflict semantics described in the package documentation.
type Store struct {
	repo      blobrepo.Repository
	codec     codec.Codec
	basePath  string
	mediaPath string
	log       *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	schemas map[string]SchemaDefinition

	boot  singleflight.Group
	audit auditLog
}

// Option configures a Store.
type Option func(*Store)

// WithBasePath sets the directory holding collection blobs. Default "db".
func WithBasePath(p string) Option {
	return func(s *Store) { s.basePath = p }
}

// WithMediaPath sets the directory UploadMedia writes to. Default "media".
func WithMediaPath(p string) Option {
	return func(s *Store) { s.mediaPath = p }
}

// WithCodec sets the blob encoding. Default JSON.
func WithCodec(c codec.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithSchemas registers schemas for several collections.
func WithSchemas(schemas map[string]SchemaDefinition) Option {
	return func(s *Store) {
		for c, def := range schemas {
			s.schemas[c] = def
		}
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open returns a Store persisting into repo. Nothing is read until the first
// operation.
func Open(repo blobrepo.Repository, opts ...Option) *Store {
	c, _ := codec.ForFormat(codec.JSON)
	s := &Store{
		repo:      repo,
		codec:     c,
		basePath:  "db",
		mediaPath: "media",
		log:       slog.Default(),
		now:       time.Now,
		schemas:   make(map[string]SchemaDefinition),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterSchema sets or replaces the schema of a collection.
func (s *Store) RegisterSchema(collection string, def SchemaDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[collection] = def
}

func (s *Store) schema(collection string) (SchemaDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.schemas[collection]
	return def, ok
}

// Validate applies the collection defaults to doc and checks the required
// fields. It returns the document that an insert would store, before system
// fields are stamped.
func (s *Store) Validate(collection string, doc Document) (Document, error) {
	if doc == nil {
		doc = Document{}
	}
	def, ok := s.schema(collection)
	if !ok {
		return doc.Clone(), nil
	}
	out := def.applyDefaults(doc)
	if err := def.Validate(collection, out); err != nil {
		return nil, err
	}
	return out, nil
}

// snapshot is one decoded read of a collection blob.
type snapshot struct {
	path string
	docs []Document
	rev  blobrepo.Revision
}

func (s *Store) path(collection string) (string, error) {
	return blobrepo.Path(s.basePath, collection, s.codec.Ext())
}

// load reads a collection, creating it when it does not exist yet.
func (s *Store) load(ctx context.Context, collection string) (*snapshot, error) {
	p, err := s.path(collection)
	if err != nil {
		return nil, err
	}
	content, rev, err := s.repo.Read(ctx, p)
	if blobrepo.IsMissing(err) {
		content, rev, err = s.bootstrap(ctx, collection, p)
	}
	if err != nil {
		return nil, err
	}
	docs, err := s.decode(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", p, err)
	}
	return &snapshot{path: p, docs: docs, rev: rev}, nil
}

type bootResult struct {
	content []byte
	rev     blobrepo.Revision
}

// bootstrap writes an empty collection. Concurrent calls for the same path
// share one write. If another process created the blob first, the blob is
// read again instead.
func (s *Store) bootstrap(ctx context.Context, collection, p string) ([]byte, blobrepo.Revision, error) {
	v, err, _ := s.boot.Do(p, func() (any, error) {
		// The write is shared with every waiter, so it must outlive this caller.
		ctx := context.WithoutCancel(ctx)
		empty, err := s.codec.Marshal([]Document{})
		if err != nil {
			return nil, err
		}
		rev, err := s.repo.Write(ctx, p, empty, "", "Initialize collection "+collection)
		if err == nil {
			s.log.DebugContext(ctx, "docstore: initialized collection", "collection", collection, "path", p)
			return bootResult{content: empty, rev: rev}, nil
		}
		if !errors.Is(err, blobrepo.ErrConflict) {
			return nil, err
		}
		s.log.DebugContext(ctx, "docstore: collection created concurrently", "collection", collection)
		content, rev, err := s.repo.Read(ctx, p)
		if err != nil {
			return nil, err
		}
		return bootResult{content: content, rev: rev}, nil
	})
	if err != nil {
		return nil, "", err
	}
	r := v.(bootResult)
	return r.content, r.rev, nil
}

func (s *Store) decode(content []byte) ([]Document, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return []Document{}, nil
	}
	var docs []Document
	if err := s.codec.Unmarshal(content, &docs); err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

// save writes docs back conditionally on the revision snap was read at.
func (s *Store) save(ctx context.Context, snap *snapshot, message string) error {
	content, err := s.codec.Marshal(snap.docs)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", snap.path, err)
	}
	rev, err := s.repo.Write(ctx, snap.path, content, snap.rev, message)
	if err != nil {
		if errors.Is(err, blobrepo.ErrConflict) {
			s.log.DebugContext(ctx, "docstore: write conflict", "path", snap.path, "err", err)
		}
		return err
	}
	snap.rev = rev
	return nil
}

// Get returns every document of a collection, creating the collection when
// needed.
func (s *Store) Get(ctx context.Context, collection string) ([]Document, error) {
	snap, err := s.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	return snap.docs, nil
}

// GetItem returns the document whose id or uid is key, or nil when there is
// none.
func (s *Store) GetItem(ctx context.Context, collection, key string) (Document, error) {
	snap, err := s.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	if i := indexOf(snap.docs, key); i >= 0 {
		return snap.docs[i], nil
	}
	return nil, nil
}

// Insert stamps id, uid and createdAt on partial and appends it. Caller
// supplied values for those fields are replaced.
func (s *Store) Insert(ctx context.Context, collection string, partial Document) (Document, error) {
	return s.insert(ctx, collection, partial, "")
}

// InsertUnique is Insert that first fails with ErrDuplicate when a document
// already holds the same value in field. The check and the write use the same
// snapshot, so a concurrent insert of the same value surfaces as a conflict.
func (s *Store) InsertUnique(ctx context.Context, collection, field string, partial Document) (Document, error) {
	if field == "" {
		return nil, errors.New("docstore: unique field name is empty")
	}
	return s.insert(ctx, collection, partial, field)
}

func (s *Store) insert(ctx context.Context, collection string, partial Document, unique string) (Document, error) {
	doc, err := s.Validate(collection, partial)
	if err != nil {
		return nil, err
	}
	snap, err := s.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	if unique != "" {
		for _, d := range snap.docs {
			if valuesEqual(d[unique], doc[unique]) {
				return nil, fmt.Errorf("%s.%s: %w", collection, unique, ErrDuplicate)
			}
		}
	}
	delete(doc, FieldUpdatedAt)
	used := usedKeys(snap.docs)
	id := ksid.NewID().String()
	for used[id] {
		id = ksid.NewID().String()
	}
	used[id] = true
	doc[FieldID] = id
	doc[FieldUID] = newUID(used)
	doc[FieldCreatedAt] = FormatTime(s.now())
	snap.docs = append(snap.docs, doc)
	if err := s.save(ctx, snap, "Insert into "+collection); err != nil {
		return nil, err
	}
	s.Record(ctx, collection, ActionInsert, doc.Clone())
	return doc, nil
}

// BulkInsert validates every item, then appends them all with one write.
//
// Ids are decimal strings counting up from the largest numeric id present in
// the collection, unlike Insert's random ids.
func (s *Store) BulkInsert(ctx context.Context, collection string, partials []Document) ([]Document, error) {
	docs := make([]Document, 0, len(partials))
	for _, p := range partials {
		d, err := s.Validate(collection, p)
		if err != nil {
			return nil, err
		}
		delete(d, FieldUpdatedAt)
		docs = append(docs, d)
	}
	snap, err := s.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	used := usedKeys(snap.docs)
	next := maxNumericID(snap.docs)
	now := FormatTime(s.now())
	for _, d := range docs {
		var id string
		for {
			if next == math.MaxInt64 {
				return nil, fmt.Errorf("%s: numeric ids exhausted", collection)
			}
			next++
			if id = strconv.FormatInt(next, 10); !used[id] {
				break
			}
		}
		used[id] = true
		d[FieldID] = id
		d[FieldUID] = newUID(used)
		d[FieldCreatedAt] = now
	}
	snap.docs = append(snap.docs, docs...)
	if err := s.save(ctx, snap, fmt.Sprintf("Bulk insert %d documents into %s", len(docs), collection)); err != nil {
		return nil, err
	}
	logged := make([]Document, len(docs))
	for i, d := range docs {
		logged[i] = d.Clone()
	}
	s.Record(ctx, collection, ActionBulkInsert, logged)
	return docs, nil
}

// Update shallow-merges patch over the document matching key and stamps
// updatedAt. id, uid and createdAt in patch are ignored.
func (s *Store) Update(ctx context.Context, collection, key string, patch Document) (Document, error) {
	snap, err := s.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	i := indexOf(snap.docs, key)
	if i < 0 {
		return nil, fmt.Errorf("%s/%s: %w", collection, key, ErrDocumentNotFound)
	}
	doc := snap.docs[i].Clone()
	changes := make(Document, len(patch))
	for k, v := range patch {
		if isImmutableField(k) {
			continue
		}
		doc[k] = cloneValue(v)
		changes[k] = cloneValue(v)
	}
	doc[FieldUpdatedAt] = FormatTime(s.now())
	snap.docs[i] = doc
	if err := s.save(ctx, snap, fmt.Sprintf("Update %s in %s", key, collection)); err != nil {
		return nil, err
	}
	s.Record(ctx, collection, ActionUpdate, map[string]any{"key": key, "changes": changes})
	return doc, nil
}

// Delete removes the document matching key.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	snap, err := s.load(ctx, collection)
	if err != nil {
		return err
	}
	i := indexOf(snap.docs, key)
	if i < 0 {
		return fmt.Errorf("%s/%s: %w", collection, key, ErrDocumentNotFound)
	}
	removed := snap.docs[i]
	snap.docs = slices.Delete(snap.docs, i, i+1)
	if err := s.save(ctx, snap, fmt.Sprintf("Delete %s from %s", key, collection)); err != nil {
		return err
	}
	s.Record(ctx, collection, ActionDelete, map[string]any{"key": key, "id": removed.ID()})
	return nil
}

// UploadMedia stores raw bytes at "{mediaPath}/{name}" and returns the path.
// It never overwrites: an existing name is a conflict.
func (s *Store) UploadMedia(ctx context.Context, name string, content []byte) (string, error) {
	p, err := blobrepo.JoinPath(s.mediaPath, name)
	if err != nil {
		return "", err
	}
	if _, err := s.repo.Write(ctx, p, content, "", "Upload media "+name); err != nil {
		return "", err
	}
	return p, nil
}

func indexOf(docs []Document, key string) int {
	return slices.IndexFunc(docs, func(d Document) bool { return d.Matches(key) })
}

// usedKeys returns every id and uid in docs.
func usedKeys(docs []Document) map[string]bool {
	used := make(map[string]bool, 2*len(docs))
	for _, d := range docs {
		if id := d.ID(); id != "" {
			used[id] = true
		}
		if uid := d.UID(); uid != "" {
			used[uid] = true
		}
	}
	return used
}

func newUID(used map[string]bool) string {
	u := uuid.NewString()
	for used[u] {
		u = uuid.NewString()
	}
	used[u] = true
	return u
}

// maxNumericID returns the largest id that parses as a base 10 integer, or 0.
func maxNumericID(docs []Document) int64 {
	var m int64
	for _, d := range docs {
		n, err := strconv.ParseInt(d.ID(), 10, 64)
		if err == nil && n > m {
			m = n
		}
	}
	return m
}
