package server

import (
	"context"
	"net/http"

	"github.com/maruel/blobdb/internal/utils"
)

// Wrap wraps a handler function to work as an http.Handler.
// The function must have signature: func(context.Context, In) (*Out, error)
// where In can be unmarshalled from JSON.
//
// Example:
//
//	func (h *AuthHandler) Login(ctx context.Context, req docstore.Document) (*LoginResponse, error)
func Wrap[In any, Out any](fn func(context.Context, In) (*Out, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var input In
		if err := utils.DecodeJSON(r, &input); err != nil {
			utils.RespondError(w, r, err)
			return
		}
		output, err := fn(r.Context(), input)
		if err != nil {
			utils.RespondError(w, r, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, output)
	})
}
