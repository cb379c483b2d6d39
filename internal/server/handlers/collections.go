package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/maruel/blobdb/internal/docstore"
	"github.com/maruel/blobdb/internal/errors"
	"github.com/maruel/blobdb/internal/utils"
)

// Query parameters with a meaning of their own. Every other parameter of a
// list request is an equality filter.
const (
	paramSort   = "sort"
	paramOrder  = "order"
	paramFields = "fields"
)

// CollectionHandler serves CRUD over arbitrary collections.
type CollectionHandler struct {
	store *docstore.Store
	// hidden maps a collection to a field never returned nor written through
	// the generic endpoints, typically the users' password hash.
	hidden map[string]string
	// guarded collections only accept inserts through the auth endpoints.
	guarded map[string]bool
}

// NewCollectionHandler creates a collection handler.
func NewCollectionHandler(store *docstore.Store) *CollectionHandler {
	return &CollectionHandler{store: store, hidden: map[string]string{}, guarded: map[string]bool{}}
}

// Protect hides field of collection and refuses generic inserts into it.
func (h *CollectionHandler) Protect(collection, field string) {
	h.hidden[collection] = field
	h.guarded[collection] = true
}

// List returns the documents of a collection, filtered, sorted and projected
// per the query string.
func (h *CollectionHandler) List(w http.ResponseWriter, r *http.Request) {
	c := r.PathValue("collection")
	params := r.URL.Query()
	q := h.store.Query(c)
	for field, values := range params {
		switch field {
		case paramSort, paramOrder, paramFields:
			continue
		}
		for _, v := range values {
			q = q.Where(docstore.EqText(field, v))
		}
	}
	if f := params.Get(paramSort); f != "" {
		q = q.Sort(f, docstore.ParseDirection(params.Get(paramOrder)))
	}
	if f := params.Get(paramFields); f != "" {
		q = q.Project(strings.Split(f, ",")...)
	}
	docs, err := q.Exec(r.Context())
	if err != nil {
		utils.RespondError(w, r, err)
		return
	}
	out := make([]docstore.Document, len(docs))
	for i, d := range docs {
		out[i] = h.redact(c, d)
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

// Get returns one document by id or uid.
func (h *CollectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, id := r.PathValue("collection"), r.PathValue("id")
	d, err := h.store.GetItem(r.Context(), c, id)
	if err != nil {
		utils.RespondError(w, r, err)
		return
	}
	if d == nil {
		utils.RespondError(w, r, errors.NotFound(c+"/"+id))
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.redact(c, d))
}

// Create inserts the document in the body. A JSON array is a bulk insert.
func (h *CollectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	c := r.PathValue("collection")
	if h.guarded[c] {
		utils.RespondError(w, r, errors.NewAPIError(http.StatusForbidden, errors.ErrForbidden, "Use /api/auth/register"))
		return
	}
	var body any
	if err := utils.DecodeJSON(r, &body); err != nil {
		utils.RespondError(w, r, err)
		return
	}
	switch v := body.(type) {
	case map[string]any:
		out, err := h.store.Insert(r.Context(), c, v)
		if err != nil {
			utils.RespondError(w, r, err)
			return
		}
		utils.RespondJSON(w, http.StatusCreated, h.redact(c, out))
	case []any:
		docs := make([]docstore.Document, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				utils.RespondError(w, r, errors.BadRequest("Array items must be JSON objects"))
				return
			}
			docs[i] = m
		}
		out, err := h.store.BulkInsert(r.Context(), c, docs)
		if err != nil {
			utils.RespondError(w, r, err)
			return
		}
		utils.RespondJSON(w, http.StatusCreated, out)
	default:
		utils.RespondError(w, r, errors.BadRequest("Body must be a JSON object or array"))
	}
}

// Update merges the body into the document.
func (h *CollectionHandler) Update(w http.ResponseWriter, r *http.Request) {
	c, id := r.PathValue("collection"), r.PathValue("id")
	var patch docstore.Document
	if err := utils.DecodeJSON(r, &patch); err != nil {
		utils.RespondError(w, r, err)
		return
	}
	if patch == nil {
		utils.RespondError(w, r, errors.BadRequest("Body must be a JSON object"))
		return
	}
	if f, ok := h.hidden[c]; ok {
		delete(patch, f)
	}
	out, err := h.store.Update(r.Context(), c, id, patch)
	if err != nil {
		utils.RespondError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.redact(c, out))
}

// Delete removes the document.
func (h *CollectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	c, id := r.PathValue("collection"), r.PathValue("id")
	if err := h.store.Delete(r.Context(), c, id); err != nil {
		utils.RespondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MediaResponse is returned by UploadMedia.
type MediaResponse struct {
	Path string `json:"path"`
}

// UploadMedia stores the raw request body under the media path.
func (h *CollectionHandler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	content, err := io.ReadAll(io.LimitReader(r.Body, utils.MaxBodySize+1))
	if err != nil {
		utils.RespondError(w, r, errors.BadRequest("Failed to read request body").Wrap(err))
		return
	}
	if len(content) > utils.MaxBodySize {
		utils.RespondError(w, r, errors.NewAPIError(http.StatusRequestEntityTooLarge, errors.ErrInvalidFormat, "Request body too large"))
		return
	}
	p, err := h.store.UploadMedia(r.Context(), name, content)
	if err != nil {
		utils.RespondError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, MediaResponse{Path: p})
}

func (h *CollectionHandler) redact(c string, d docstore.Document) docstore.Document {
	f, ok := h.hidden[c]
	if !ok {
		return d
	}
	if _, ok := d[f]; !ok {
		return d
	}
	out := d.Clone()
	delete(out, f)
	return out
}
