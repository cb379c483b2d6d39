package blobrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Instrument wraps repo so every call updates VictoriaMetrics counters and a
// latency histogram labelled with backend. Metrics land in the default set
// and are exposed by metrics.WritePrometheus.
func Instrument(backend string, repo Repository) Repository {
	label := func(name, op string) string {
		return fmt.Sprintf(`%s{backend=%q,op=%q}`, name, backend, op)
	}
	return &instrumented{
		repo:      repo,
		reads:     metrics.GetOrCreateCounter(label("blobdb_repo_requests_total", "read")),
		writes:    metrics.GetOrCreateCounter(label("blobdb_repo_requests_total", "write")),
		readErrs:  metrics.GetOrCreateCounter(label("blobdb_repo_errors_total", "read")),
		writeErrs: metrics.GetOrCreateCounter(label("blobdb_repo_errors_total", "write")),
		notFound:  metrics.GetOrCreateCounter(label("blobdb_repo_not_found_total", "read")),
		conflicts: metrics.GetOrCreateCounter(label("blobdb_repo_conflicts_total", "write")),
		readDur:   metrics.GetOrCreateHistogram(label("blobdb_repo_duration_seconds", "read")),
		writeDur:  metrics.GetOrCreateHistogram(label("blobdb_repo_duration_seconds", "write")),
	}
}

type instrumented struct {
	repo      Repository
	reads     *metrics.Counter
	writes    *metrics.Counter
	readErrs  *metrics.Counter
	writeErrs *metrics.Counter
	notFound  *metrics.Counter
	conflicts *metrics.Counter
	readDur   *metrics.Histogram
	writeDur  *metrics.Histogram
}

func (i *instrumented) Read(ctx context.Context, path string) ([]byte, Revision, error) {
	start := time.Now()
	content, rev, err := i.repo.Read(ctx, path)
	i.readDur.UpdateDuration(start)
	i.reads.Inc()
	switch {
	case err == nil:
	case IsMissing(err):
		i.notFound.Inc()
	default:
		i.readErrs.Inc()
	}
	return content, rev, err
}

func (i *instrumented) Write(ctx context.Context, path string, content []byte, rev Revision, message string) (Revision, error) {
	start := time.Now()
	next, err := i.repo.Write(ctx, path, content, rev, message)
	i.writeDur.UpdateDuration(start)
	i.writes.Inc()
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		i.conflicts.Inc()
	default:
		i.writeErrs.Inc()
	}
	return next, err
}
