// Package utils holds the JSON response helpers shared by the REST handlers.
package utils

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/maruel/blobdb/internal/errors"
)

// ErrorResponse wraps an error API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RespondJSON sends a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// The status line is already out, log only.
		slog.Debug("Failed to encode response", "err", err)
	}
}

// RespondError classifies err and sends it as an ErrorResponse. Server side
// failures are logged with their cause; the client only sees the category.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierrors.FromError(err)
	msg := e.Error()
	if e.StatusCode() >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Handler error", "err", err, "statusCode", e.StatusCode(), "code", e.Code())
		msg = http.StatusText(e.StatusCode())
	} else {
		slog.DebugContext(r.Context(), "Request rejected", "err", err, "statusCode", e.StatusCode(), "code", e.Code())
	}
	RespondJSON(w, e.StatusCode(), ErrorResponse{Error: msg, Code: string(e.Code())})
}

// MaxBodySize bounds request bodies, bulk inserts included.
const MaxBodySize = 8 << 20

// DecodeJSON decodes the JSON body of r into v. An empty body leaves v
// untouched.
func DecodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return apierrors.BadRequest("Failed to read request body").Wrap(err)
	}
	if len(body) > MaxBodySize {
		return apierrors.NewAPIError(http.StatusRequestEntityTooLarge, apierrors.ErrInvalidFormat, "Request body too large")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apierrors.BadRequest("Invalid request body").Wrap(err)
	}
	return nil
}
