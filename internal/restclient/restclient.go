// Package restclient talks to the blobdb REST facade.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/maruel/blobdb/internal/docstore"
)

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	StatusCode int
	// Code is the server's error code, when the body carried one.
	Code string
	Body string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Client is a REST client. The zero value is not usable; call New.
type Client struct {
	base string
	hc   *http.Client
	// Token, when set, is sent as a bearer token.
	Token string
}

// New returns a client for the server at baseURL. A nil httpClient uses
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: httpClient}
}

// Get lists a collection.
func (c *Client) Get(ctx context.Context, collection string) ([]docstore.Document, error) {
	return c.Query(ctx, collection, nil)
}

// Query lists a collection. query holds equality filters and the sort, order
// and fields parameters.
func (c *Client) Query(ctx context.Context, collection string, query url.Values) ([]docstore.Document, error) {
	u := "/api/" + url.PathEscape(collection)
	if len(query) != 0 {
		u += "?" + query.Encode()
	}
	var out []docstore.Document
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetByID returns one document by id or uid.
func (c *Client) GetByID(ctx context.Context, collection, id string) (docstore.Document, error) {
	var out docstore.Document
	if err := c.do(ctx, http.MethodGet, itemPath(collection, id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create inserts doc.
func (c *Client) Create(ctx context.Context, collection string, doc docstore.Document) (docstore.Document, error) {
	var out docstore.Document
	if err := c.do(ctx, http.MethodPost, "/api/"+url.PathEscape(collection), doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateMany bulk inserts docs.
func (c *Client) CreateMany(ctx context.Context, collection string, docs []docstore.Document) ([]docstore.Document, error) {
	var out []docstore.Document
	if err := c.do(ctx, http.MethodPost, "/api/"+url.PathEscape(collection), docs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update merges patch into the document.
func (c *Client) Update(ctx context.Context, collection, id string, patch docstore.Document) (docstore.Document, error) {
	var out docstore.Document
	if err := c.do(ctx, http.MethodPut, itemPath(collection, id), patch, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the document.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, itemPath(collection, id), nil, nil)
}

// Register creates a user through the auth endpoint.
func (c *Client) Register(ctx context.Context, user docstore.Document) (docstore.Document, error) {
	var out docstore.Document
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", user, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Login opens a session and keeps its token for later calls.
func (c *Client) Login(ctx context.Context, credentials docstore.Document) (docstore.Document, error) {
	var out struct {
		Token string            `json:"token"`
		User  docstore.Document `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", credentials, &out); err != nil {
		return nil, err
	}
	c.Token = out.Token
	return out.User, nil
}

func itemPath(collection, id string) string {
	return "/api/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, p string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+p, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		e := &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		var er struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &er) == nil && er.Code != "" {
			e.Code, e.Body = er.Code, er.Error
		}
		return e
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
