// Package blobrepo reads and writes named blobs in a version-controlled
// content store.
//
// Every blob carries an opaque [Revision]. A write must present the revision
// it last read; the backend rejects the write with a [*ConflictError] when the
// blob moved on in the meantime. An empty revision means "create".
//
// Backends: [GitHubRepository] (contents API), [GitRepository] (go-git working
// copy), [BoltRepository] (embedded bbolt file) and [MemoryRepository].
package blobrepo

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Revision identifies the stored version of a blob. The zero value means the
// blob does not exist yet.
type Revision string

// Repository is the interface all blob backends implement.
type Repository interface {
	// Read returns the content and current revision of the blob at path.
	//
	// It returns ErrNotFound when the path does not exist and
	// ErrEmptyRepository when the branch or namespace has no entries at all.
	Read(ctx context.Context, path string) ([]byte, Revision, error)
	// Write stores content at path if rev matches the current revision.
	//
	// An empty rev creates the blob and fails if it already exists. message is
	// recorded as the commit message by backends that keep history.
	Write(ctx context.Context, path string, content []byte, rev Revision, message string) (Revision, error)
}

var (
	// ErrNotFound is returned by Read when the blob does not exist.
	ErrNotFound = errors.New("blob not found")
	// ErrEmptyRepository is returned by Read when the repository has no entries yet.
	ErrEmptyRepository = errors.New("repository is empty")
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("revision conflict")
	// ErrInvalidName is returned for names that are not a single path element.
	ErrInvalidName = errors.New("invalid blob name")
)

// ConflictError is returned by Write when the presented revision is stale.
type ConflictError struct {
	Path     string
	Expected Revision
	// Current is the revision found in the store, when the backend reports it.
	Current Revision
}

func (e *ConflictError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("revision conflict on %s: blob already exists", e.Path)
	}
	if e.Current == "" {
		return fmt.Sprintf("revision conflict on %s: revision %s is stale", e.Path, e.Expected)
	}
	return fmt.Sprintf("revision conflict on %s: expected %s, current %s", e.Path, e.Expected, e.Current)
}

// Is makes errors.Is(err, ErrConflict) true.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransportError reports any other backend failure: authentication, network,
// quota, unexpected status.
type TransportError struct {
	Op         string
	Path       string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsMissing reports whether err means "nothing stored here yet".
func IsMissing(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrEmptyRepository)
}

// Path returns "{base}/{name}.{ext}".
//
// name must be a single path element.
func Path(base, name, ext string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	return path.Join(base, name+"."+ext), nil
}

// JoinPath returns "{base}/{name}" where name may contain sub directories but
// never escapes base.
func JoinPath(base, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for elem := range strings.SplitSeq(name, "/") {
		if err := checkName(elem); err != nil {
			return "", err
		}
	}
	return path.Join(base, name), nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
