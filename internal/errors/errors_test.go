package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/maruel/blobdb/internal/auth"
	"github.com/maruel/blobdb/internal/blobrepo"
	"github.com/maruel/blobdb/internal/docstore"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   ErrorCode
	}{
		{&docstore.ValidationError{Collection: "products", Field: "price"}, http.StatusBadRequest, ErrValidationFailed},
		{fmt.Errorf("email: %w", auth.ErrMissingField), http.StatusBadRequest, ErrMissingField},
		{fmt.Errorf("7: %w", docstore.ErrDocumentNotFound), http.StatusNotFound, ErrNotFound},
		{auth.ErrConflict, http.StatusConflict, ErrConflict},
		{&blobrepo.ConflictError{Path: "db/users.json"}, http.StatusConflict, ErrConflict},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized, ErrUnauthorized},
		{auth.ErrSessionNotFound, http.StatusUnauthorized, ErrUnauthorized},
		{auth.ErrOTPMismatch, http.StatusUnauthorized, ErrUnauthorized},
		{auth.ErrEmailNotVerified, http.StatusForbidden, ErrForbidden},
		{&blobrepo.TransportError{StatusCode: 500}, http.StatusBadGateway, ErrStorageError},
		{fmt.Errorf("%w: %q", blobrepo.ErrInvalidName, "../x"), http.StatusBadRequest, ErrInvalidFormat},
		{fmt.Errorf("boom"), http.StatusInternalServerError, ErrInternal},
		{TooManyRequests(), http.StatusTooManyRequests, ErrRateLimited},
	}
	for _, tt := range tests {
		got := FromError(tt.err)
		if got.StatusCode() != tt.status || got.Code() != tt.code {
			t.Errorf("FromError(%v) = %d %s, want %d %s", tt.err, got.StatusCode(), got.Code(), tt.status, tt.code)
		}
	}
}

func TestAPIError(t *testing.T) {
	e := NotFound("products/7")
	if e.Error() != "products/7 not found" {
		t.Fatal(e.Error())
	}
	inner := fmt.Errorf("inner")
	if w := BadRequest("bad body").Wrap(inner); w.Unwrap() != inner || w.Error() != "bad body: inner" {
		t.Fatal(w.Error())
	}
}
