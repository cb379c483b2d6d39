package handlers

import (
	"context"
	"time"

	"github.com/maruel/blobdb/internal/auth"
	"github.com/maruel/blobdb/internal/docstore"
	"github.com/maruel/blobdb/internal/errors"
	"github.com/maruel/blobdb/internal/server/reqctx"
)

// AuthHandler handles authentication requests.
type AuthHandler struct {
	svc *auth.Service
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(svc *auth.Service) *AuthHandler {
	return &AuthHandler{svc: svc}
}

// LoginResponse is a response from logging in.
type LoginResponse struct {
	Token   string            `json:"token"`
	User    docstore.Document `json:"user"`
	Created time.Time         `json:"created"`
}

// LogoutRequest is empty; the session comes from the Authorization header.
type LogoutRequest struct{}

// LogoutResponse confirms the logout.
type LogoutResponse struct {
	OK bool `json:"ok"`
}

// privilegedFields are set by the server, never by a registering client.
var privilegedFields = []string{"verified", "role", "balance"}

// Register creates a user. The body is the user document, identity and
// secret fields included.
func (h *AuthHandler) Register(ctx context.Context, req docstore.Document) (*docstore.Document, error) {
	for _, f := range privilegedFields {
		delete(req, f)
	}
	u, err := h.svc.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Login checks the credentials in the body and opens a session.
func (h *AuthHandler) Login(ctx context.Context, req docstore.Document) (*LoginResponse, error) {
	cfg := h.svc.Config()
	identity, _ := req[cfg.IdentityField].(string)
	secret, _ := req[cfg.SecretField].(string)
	if identity == "" || secret == "" {
		return nil, errors.MissingField(cfg.IdentityField + " or " + cfg.SecretField)
	}
	sess, err := h.svc.Login(ctx, identity, secret)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{Token: sess.Token, User: sess.User, Created: sess.Created}, nil
}

// Logout destroys the caller's session.
func (h *AuthHandler) Logout(ctx context.Context, _ LogoutRequest) (*LogoutResponse, error) {
	token := reqctx.Token(ctx)
	if token == "" {
		return nil, errors.Unauthorized()
	}
	if _, err := h.svc.Session(token); err != nil {
		return nil, err
	}
	h.svc.DestroySession(token)
	return &LogoutResponse{OK: true}, nil
}

// Verify consumes an email verification passcode sent at registration. The
// body holds the identity field and "code".
func (h *AuthHandler) Verify(ctx context.Context, req docstore.Document) (*docstore.Document, error) {
	cfg := h.svc.Config()
	identity, _ := req[cfg.IdentityField].(string)
	code, _ := req["code"].(string)
	if identity == "" || code == "" {
		return nil, errors.MissingField(cfg.IdentityField + " or code")
	}
	u, err := h.svc.VerifyEmail(ctx, identity, code)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
