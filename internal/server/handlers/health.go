package handlers

import "context"

// HealthRequest is the request type for health check (empty).
type HealthRequest struct{}

// HealthResponse is the response for health check.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Health returns a health check reporting version.
func Health(version string) func(context.Context, HealthRequest) (*HealthResponse, error) {
	return func(context.Context, HealthRequest) (*HealthResponse, error) {
		return &HealthResponse{Status: "ok", Version: version}, nil
	}
}
