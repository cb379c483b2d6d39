package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/maruel/blobdb/internal/auth"
	"github.com/maruel/blobdb/internal/errors"
	"github.com/maruel/blobdb/internal/server/ratelimit"
	"github.com/maruel/blobdb/internal/server/reqctx"
	"github.com/maruel/blobdb/internal/utils"
)

var httpDuration = metrics.NewHistogram("blobdb_http_request_duration_seconds")

// statusRecorder remembers the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// withRequestContext stores the client IP and bearer token in the request
// context, then logs and counts the request.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ip := reqctx.GetClientIP(r)
		ctx := reqctx.WithToken(reqctx.WithClientIP(r.Context(), ip), reqctx.BearerToken(r))
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		d := time.Since(start)
		httpDuration.Update(d.Seconds())
		metrics.GetOrCreateCounter(fmt.Sprintf(`blobdb_http_requests_total{method=%q,code="%s"}`, r.Method, strconv.Itoa(rec.status))).Inc()
		slog.DebugContext(ctx, "http", "method", r.Method, "path", r.URL.Path, "status", rec.status, "dur", d, "ip", ip)
	})
}

// requireSession rejects requests without a live session and stores the
// session in the context otherwise.
func requireSession(svc *auth.Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := reqctx.Token(r.Context())
		if token == "" {
			utils.RespondError(w, r, errors.Unauthorized())
			return
		}
		sess, err := svc.Session(token)
		if err != nil {
			utils.RespondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(reqctx.WithSession(r.Context(), sess)))
	})
}

// limitWrites applies l per client IP.
func limitWrites(l *ratelimit.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := l.Allow(reqctx.ClientIP(r.Context()))
		ratelimit.WriteHeaders(w, res)
		if !res.Allowed {
			utils.RespondError(w, r, errors.TooManyRequests())
			return
		}
		next.ServeHTTP(w, r)
	})
}
