// Implements Repository on a local git repository using go-git (pure Go, no
// git binary dependency).

package blobrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitRepository stores blobs as files committed on one branch of a local git
// repository. The revision is the git blob hash of the file.
type GitRepository struct {
	dir    string
	branch plumbing.ReferenceName
	name   string
	email  string
	repo   *gogit.Repository
	// mu serializes commits. It does not replace the revision check: a
	// writer holding a stale revision is still rejected.
	mu sync.Mutex
}

// OpenGitRepository opens the repository at dir, initializing it when needed.
// name and email sign the commits.
func OpenGitRepository(dir, branch, name, email string) (*GitRepository, error) {
	if branch == "" {
		branch = "main"
	}
	if name == "" {
		name = "blobdb"
	}
	if email == "" {
		email = "blobdb@localhost"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}
	ref := plumbing.NewBranchReferenceName(branch)
	repo, err := gogit.PlainOpen(dir)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		repo, err = gogit.PlainInitWithOptions(dir, &gogit.PlainInitOptions{
			InitOptions: gogit.InitOptions{DefaultBranch: ref},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize git repo: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to open git repo: %w", err)
	}
	r := &GitRepository{dir: dir, branch: ref, name: name, email: email, repo: repo}
	if err := r.checkoutBranch(); err != nil {
		return nil, err
	}
	return r, nil
}

// checkoutBranch points the worktree at the configured branch so commits land
// on it.
func (r *GitRepository) checkoutBranch() error {
	head, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// No commit yet: make HEAD a symbolic ref to the branch.
		return r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, r.branch))
	}
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if head.Name() == r.branch {
		return nil
	}
	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	_, err = r.repo.Reference(r.branch, false)
	create := errors.Is(err, plumbing.ErrReferenceNotFound)
	if err := w.Checkout(&gogit.CheckoutOptions{Branch: r.branch, Create: create, Keep: true}); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", r.branch.Short(), err)
	}
	return nil
}

// Read implements Repository.
func (r *GitRepository) Read(_ context.Context, p string) ([]byte, Revision, error) {
	f, err := r.file(p)
	if err != nil {
		return nil, "", err
	}
	content, err := f.Contents()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", p, err)
	}
	return []byte(content), Revision(f.Hash.String()), nil
}

func (r *GitRepository) file(p string) (*object.File, error) {
	ref, err := r.repo.Reference(r.branch, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrEmptyRepository
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", r.branch.Short(), err)
	}
	c, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}
	f, err := c.File(p)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", p, err)
	}
	return f, nil
}

// Write implements Repository.
func (r *GitRepository) Write(_ context.Context, p string, content []byte, rev Revision, message string) (Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var current Revision
	f, err := r.file(p)
	switch {
	case err == nil:
		current = Revision(f.Hash.String())
	case IsMissing(err):
	default:
		return "", err
	}
	if rev != current {
		return "", &ConflictError{Path: p, Expected: rev, Current: current}
	}
	next := Revision(plumbing.ComputeHash(plumbing.BlobObject, content).String())
	if next == current {
		return current, nil
	}

	w, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := w.Filesystem.MkdirAll(path.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", p, err)
	}
	out, err := w.Filesystem.Create(p)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", p, err)
	}
	if _, err := out.Write(content); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", p, err)
	}
	if _, err := w.Add(p); err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", p, err)
	}
	sig := &object.Signature{Name: r.name, Email: r.email, When: time.Now()}
	if _, err := w.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return next, nil
}

// History returns up to n commit subjects touching p, newest first.
func (r *GitRepository) History(_ context.Context, p string, n int) ([]string, error) {
	if n <= 0 || n > 1000 {
		n = 1000
	}
	iter, err := r.repo.Log(&gogit.LogOptions{FileName: &p})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// No commits yet.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", p, err)
	}
	defer iter.Close()
	var out []string
	for range n {
		c, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read history of %s: %w", p, err)
		}
		out = append(out, c.Message)
	}
	return out, nil
}
