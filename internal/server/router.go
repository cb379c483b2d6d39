// Package server exposes a docstore.Store over a REST API.
package server

import (
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/maruel/blobdb/internal/auth"
	"github.com/maruel/blobdb/internal/docstore"
	"github.com/maruel/blobdb/internal/server/handlers"
	"github.com/maruel/blobdb/internal/server/ratelimit"
)

// Config tunes the REST facade.
type Config struct {
	// WriteRatePerMin limits POST, PUT and DELETE per client IP. 0 means
	// unlimited.
	WriteRatePerMin int
	// RequireSession makes collection writes require a bearer session token.
	RequireSession bool
	// Version is reported by /api/health.
	Version string
}

// Server is the REST facade. It must be closed to stop the rate limiter.
type Server struct {
	handler http.Handler
	limiter *ratelimit.Limiter
}

// New creates the router. svc may be nil, which disables the auth endpoints
// and RequireSession.
func New(store *docstore.Store, svc *auth.Service, cfg Config) *Server {
	s := &Server{}
	if cfg.WriteRatePerMin > 0 {
		s.limiter = ratelimit.NewLimiter(cfg.WriteRatePerMin, time.Minute)
	}
	mux := http.NewServeMux()

	mux.Handle("GET /api/health", Wrap(handlers.Health(cfg.Version)))
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	ch := handlers.NewCollectionHandler(store)
	write := func(h http.HandlerFunc) http.Handler {
		var out http.Handler = h
		if cfg.RequireSession && svc != nil {
			out = requireSession(svc, out)
		}
		return s.limit(out)
	}

	if svc != nil {
		ac := svc.Config()
		ch.Protect(ac.Collection, ac.SecretField)
		ah := handlers.NewAuthHandler(svc)
		mux.Handle("POST /api/auth/register", s.limit(Wrap(ah.Register)))
		mux.Handle("POST /api/auth/login", s.limit(Wrap(ah.Login)))
		mux.Handle("POST /api/auth/logout", Wrap(ah.Logout))
		mux.Handle("POST /api/auth/verify", s.limit(Wrap(ah.Verify)))
	}

	mux.HandleFunc("GET /api/{collection}", ch.List)
	mux.HandleFunc("GET /api/{collection}/{id}", ch.Get)
	mux.Handle("POST /api/{collection}", write(ch.Create))
	mux.Handle("PUT /api/{collection}/{id}", write(ch.Update))
	mux.Handle("DELETE /api/{collection}/{id}", write(ch.Delete))
	mux.Handle("POST /api/media/{name}", write(ch.UploadMedia))

	s.handler = withRequestContext(mux)
	return s
}

func (s *Server) limit(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return limitWrites(s.limiter, h)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close releases the rate limiter.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}
