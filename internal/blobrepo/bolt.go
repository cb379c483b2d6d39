// Implements Repository on an embedded bbolt file.

package blobrepo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

// BoltRepository stores blobs in one bbolt bucket per branch. Each value is an
// 8 byte big endian revision followed by the content.
type BoltRepository struct {
	db     *bbolt.DB
	bucket []byte
}

// OpenBoltRepository opens or creates the bbolt file at path.
func OpenBoltRepository(path, branch string) (*BoltRepository, error) {
	if branch == "" {
		branch = "main"
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &BoltRepository{db: db, bucket: []byte(branch)}, nil
}

// Close releases the file lock.
func (b *BoltRepository) Close() error {
	return b.db.Close()
}

// Read implements Repository.
func (b *BoltRepository) Read(_ context.Context, p string) ([]byte, Revision, error) {
	var content []byte
	var rev Revision
	err := b.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		if bk == nil {
			return ErrEmptyRepository
		}
		v := bk.Get([]byte(p))
		if v == nil {
			return fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		seq, data, err := splitBoltValue(v)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		// v is only valid for the life of the transaction.
		content = append([]byte(nil), data...)
		rev = boltRevision(seq)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return content, rev, nil
}

// Write implements Repository.
func (b *BoltRepository) Write(_ context.Context, p string, content []byte, rev Revision, _ string) (Revision, error) {
	var next Revision
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(b.bucket)
		if err != nil {
			return err
		}
		var current Revision
		if v := bk.Get([]byte(p)); v != nil {
			seq, _, err := splitBoltValue(v)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			current = boltRevision(seq)
		}
		if rev != current {
			return &ConflictError{Path: p, Expected: rev, Current: current}
		}
		seq, err := bk.NextSequence()
		if err != nil {
			return err
		}
		v := make([]byte, 8+len(content))
		binary.BigEndian.PutUint64(v, seq)
		copy(v[8:], content)
		if err := bk.Put([]byte(p), v); err != nil {
			return err
		}
		next = boltRevision(seq)
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

var errCorruptValue = errors.New("corrupt value")

func splitBoltValue(v []byte) (uint64, []byte, error) {
	if len(v) < 8 {
		return 0, nil, errCorruptValue
	}
	return binary.BigEndian.Uint64(v), v[8:], nil
}

func boltRevision(seq uint64) Revision {
	return Revision(strconv.FormatUint(seq, 10))
}
