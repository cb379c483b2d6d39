// Implements Repository over the GitHub contents API.

package blobrepo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultGitHubAPI is the public GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// GitHubConfig configures a GitHubRepository.
type GitHubConfig struct {
	// APIURL defaults to DefaultGitHubAPI.
	APIURL string
	Owner  string
	Repo   string
	// Branch defaults to "main".
	Branch string
	// Token is sent as a bearer credential. Empty means anonymous, which only
	// works for reads of public repositories.
	Token string
	// RequestsPerSecond paces outgoing requests. 0 means unlimited.
	RequestsPerSecond float64
}

// GitHubRepository stores blobs as files in a GitHub repository branch.
// The revision is the git blob SHA GitHub reports for the file.
type GitHubRepository struct {
	base       string
	branch     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewGitHubRepository returns a repository backed by the GitHub contents API.
//
// The base HTTP client is taken from ctx via oauth2.HTTPClient when present,
// which is how tests point it at an httptest server.
func NewGitHubRepository(ctx context.Context, cfg GitHubConfig) (*GitHubRepository, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("github: owner and repo are required")
	}
	api := strings.TrimSuffix(cfg.APIURL, "/")
	if api == "" {
		api = DefaultGitHubAPI
	}
	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	var hc *http.Client
	if cfg.Token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}))
	} else if c, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok {
		cp := *c
		hc = &cp
	} else {
		hc = &http.Client{}
	}
	if hc.Timeout == 0 {
		hc.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	return &GitHubRepository{
		base:       fmt.Sprintf("%s/repos/%s/%s", api, url.PathEscape(cfg.Owner), url.PathEscape(cfg.Repo)),
		branch:     branch,
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

type contentResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Type     string `json:"type"`
}

// Read implements Repository.
func (g *GitHubRepository) Read(ctx context.Context, p string) ([]byte, Revision, error) {
	u := g.base + "/contents/" + escapePath(p) + "?ref=" + url.QueryEscape(g.branch)
	var c contentResponse
	status, body, err := g.do(ctx, http.MethodGet, u, nil, &c)
	if err != nil {
		return nil, "", &TransportError{Op: "read", Path: p, Err: err}
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		// GitHub reports an empty repository and a branch without commits as 404.
		msg := apiMessage(body)
		if strings.Contains(msg, "This repository is empty") || strings.Contains(msg, "No commit found for the ref") {
			return nil, "", ErrEmptyRepository
		}
		return nil, "", fmt.Errorf("%s: %w", p, ErrNotFound)
	case http.StatusConflict:
		return nil, "", ErrEmptyRepository
	default:
		return nil, "", &TransportError{Op: "read", Path: p, StatusCode: status, Err: errors.New(apiMessage(body))}
	}
	if c.Type != "" && c.Type != "file" {
		return nil, "", &TransportError{Op: "read", Path: p, Err: fmt.Errorf("not a file: %s", c.Type)}
	}
	if c.Encoding == "none" {
		// Files above 1 MiB come back without inline content.
		return g.readBlob(ctx, p, c.SHA)
	}
	data, err := decodeContent(c.Content)
	if err != nil {
		return nil, "", &TransportError{Op: "read", Path: p, Err: err}
	}
	return data, Revision(c.SHA), nil
}

func (g *GitHubRepository) readBlob(ctx context.Context, p, sha string) ([]byte, Revision, error) {
	var c contentResponse
	status, body, err := g.do(ctx, http.MethodGet, g.base+"/git/blobs/"+url.PathEscape(sha), nil, &c)
	if err != nil {
		return nil, "", &TransportError{Op: "read", Path: p, Err: err}
	}
	if status != http.StatusOK {
		return nil, "", &TransportError{Op: "read", Path: p, StatusCode: status, Err: errors.New(apiMessage(body))}
	}
	data, err := decodeContent(c.Content)
	if err != nil {
		return nil, "", &TransportError{Op: "read", Path: p, Err: err}
	}
	return data, Revision(sha), nil
}

// Write implements Repository.
func (g *GitHubRepository) Write(ctx context.Context, p string, content []byte, rev Revision, message string) (Revision, error) {
	req := struct {
		Message string `json:"message"`
		Content string `json:"content"`
		Branch  string `json:"branch"`
		SHA     string `json:"sha,omitempty"`
	}{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		Branch:  g.branch,
		SHA:     string(rev),
	}
	var resp struct {
		Content contentResponse `json:"content"`
	}
	status, body, err := g.do(ctx, http.MethodPut, g.base+"/contents/"+escapePath(p), &req, &resp)
	if err != nil {
		return "", &TransportError{Op: "write", Path: p, Err: err}
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
		return Revision(resp.Content.SHA), nil
	case http.StatusConflict:
		// sha does not match.
		return "", &ConflictError{Path: p, Expected: rev}
	case http.StatusUnprocessableEntity:
		// sha missing for an existing file. Other 422s are invalid requests.
		if msg := apiMessage(body); strings.Contains(msg, `"sha"`) {
			return "", &ConflictError{Path: p, Expected: rev}
		}
		return "", &TransportError{Op: "write", Path: p, StatusCode: status, Err: errors.New(apiMessage(body))}
	default:
		return "", &TransportError{Op: "write", Path: p, StatusCode: status, Err: errors.New(apiMessage(body))}
	}
}

// do sends a request and decodes a 2xx JSON body into out. Non-2xx bodies are
// returned raw for error classification.
func (g *GitHubRepository) do(ctx context.Context, method, u string, in, out any) (int, []byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode/100 == 2 && out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, raw, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, raw, nil
}

func apiMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(body))
}

func decodeContent(s string) ([]byte, error) {
	// GitHub wraps base64 content at 60 columns.
	return base64.StdEncoding.DecodeString(strings.ReplaceAll(s, "\n", ""))
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}
