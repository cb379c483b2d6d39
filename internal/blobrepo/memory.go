// Implements Repository in process memory.

package blobrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// MemoryRepository keeps blobs in a map. It is safe for concurrent use.
//
// By default it enforces conditional writes exactly like the remote backends.
// [MemoryRepository.SetUnconditional] turns the revision check off, which
// models an adapter that does not enforce conditional writes end to end.
type MemoryRepository struct {
	mu            sync.Mutex
	blobs         map[string]memBlob
	writes        map[string]int
	seq           uint64
	unconditional bool
}

type memBlob struct {
	content []byte
	rev     Revision
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		blobs:  make(map[string]memBlob),
		writes: make(map[string]int),
	}
}

// SetUnconditional disables revision checks on Write when true.
func (m *MemoryRepository) SetUnconditional(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unconditional = v
}

// Writes returns how many writes to path were accepted.
func (m *MemoryRepository) Writes(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[path]
}

// Read implements Repository.
func (m *MemoryRepository) Read(_ context.Context, path string) ([]byte, Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blobs) == 0 {
		return nil, "", ErrEmptyRepository
	}
	b, ok := m.blobs[path]
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return append([]byte(nil), b.content...), b.rev, nil
}

// Write implements Repository.
func (m *MemoryRepository) Write(_ context.Context, path string, content []byte, rev Revision, _ string) (Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.blobs[path]
	if !m.unconditional {
		if rev == "" && exists {
			return "", &ConflictError{Path: path, Current: cur.rev}
		}
		if rev != "" && (!exists || cur.rev != rev) {
			return "", &ConflictError{Path: path, Expected: rev, Current: cur.rev}
		}
	}
	m.seq++
	sum := sha256.Sum256(content)
	next := Revision(fmt.Sprintf("%d-%s", m.seq, hex.EncodeToString(sum[:6])))
	m.blobs[path] = memBlob{content: append([]byte(nil), content...), rev: next}
	m.writes[path]++
	return next, nil
}
