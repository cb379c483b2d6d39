package docstore

import (
	"context"
	"sync"
	"time"
)

// Audit actions recorded by the store's own mutations.
const (
	ActionInsert     = "insert"
	ActionBulkInsert = "bulkInsert"
	ActionUpdate     = "update"
	ActionDelete     = "delete"
)

// AuditEntry is one mutation record.
type AuditEntry struct {
	Action    string
	Data      any
	Timestamp time.Time
}

// auditLog keeps per-collection entries for the life of the process. It never
// drops entries: memory grows with the number of mutations.
type auditLog struct {
	mu      sync.Mutex
	entries map[string][]AuditEntry
}

func (a *auditLog) record(collection string, e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.entries == nil {
		a.entries = make(map[string][]AuditEntry)
	}
	a.entries[collection] = append(a.entries[collection], e)
}

// list returns a copy of the entries of one collection, oldest first.
func (a *auditLog) list(collection string) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditEntry(nil), a.entries[collection]...)
}

// Record appends an audit entry for collection. Mutations made through the
// store are recorded automatically; Record is for callers that want to log
// their own actions next to them.
func (s *Store) Record(ctx context.Context, collection, action string, data any) {
	e := AuditEntry{Action: action, Data: data, Timestamp: s.now()}
	s.audit.record(collection, e)
	s.log.DebugContext(ctx, "docstore: audit", "collection", collection, "action", action)
}
