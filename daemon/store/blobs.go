package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/rhizomemesh/rhizome/internal/crypto"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

var bucketBlobs = []byte("blobs")

// blobStore keeps payloads as files named by their hash. A BoltDB index
// records each blob's size and last access time for GC.
type blobStore struct {
	dir string
	db  *bolt.DB
	now func() time.Time
}

func openBlobStore(dir string, now func() time.Time) (*blobStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open blob index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error { _, e := tx.CreateBucketIfNotExists(bucketBlobs); return e })
	if err != nil {
		db.Close()
		return nil, err
	}
	return &blobStore{dir: dir, db: db, now: now}, nil
}

func (b *blobStore) Close() error { return b.db.Close() }

func (b *blobStore) path(h rhizome.FileHash) string {
	s := h.String()
	return filepath.Join(b.dir, s[:2], s)
}

func encodeBlobEntry(size int64, accessed time.Time) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(size))
	binary.BigEndian.PutUint64(buf[8:], uint64(accessed.Unix()))
	return buf
}

func decodeBlobEntry(v []byte) (size int64, accessed int64, ok bool) {
	if len(v) < 16 {
		return 0, 0, false
	}
	return int64(binary.BigEndian.Uint64(v[:8])), int64(binary.BigEndian.Uint64(v[8:])), true
}

// has reports whether the index lists h and its file exists.
func (b *blobStore) has(h rhizome.FileHash) bool {
	var ok bool
	_ = b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBlobs)
		if bk == nil {
			return nil
		}
		ok = bk.Get(h[:]) != nil
		return nil
	})
	if !ok {
		return false
	}
	_, err := os.Stat(b.path(h))
	return err == nil
}

// put streams r into the blob store, checking its length and hash.
func (b *blobStore) put(r io.Reader, size int64, want rhizome.FileHash) error {
	tmp, err := os.CreateTemp(filepath.Join(b.dir, "tmp"), uuid.NewString()+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hr := crypto.NewHashingReader(io.LimitReader(r, size+1))
	if _, err := io.Copy(tmp, hr); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if hr.N() != size {
		return fmt.Errorf("%w: got %d bytes, manifest says %d", ErrPayloadMismatch, hr.N(), size)
	}
	if got := hr.Sum(); got != want {
		return fmt.Errorf("%w: hash %s, manifest says %s", ErrPayloadMismatch, got, want)
	}

	final := b.path(want)
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return b.touch(want, size)
}

func (b *blobStore) touch(h rhizome.FileHash, size int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBlobs)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		if size < 0 {
			s, _, ok := decodeBlobEntry(bk.Get(h[:]))
			if !ok {
				return nil
			}
			size = s
		}
		return bk.Put(h[:], encodeBlobEntry(size, b.now()))
	})
}

func (b *blobStore) open(h rhizome.FileHash) (*os.File, error) {
	f, err := os.Open(b.path(h))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrPayloadMissing
	}
	if err != nil {
		return nil, err
	}
	_ = b.touch(h, -1)
	return f, nil
}

// gc removes blobs idle for longer than maxAge that inUse does not claim.
func (b *blobStore) gc(maxAge time.Duration, inUse func(rhizome.FileHash) (bool, error)) (int, error) {
	cutoff := b.now().Add(-maxAge).Unix()

	var candidates []rhizome.FileHash
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBlobs)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.ForEach(func(k, v []byte) error {
			_, accessed, ok := decodeBlobEntry(v)
			if ok && accessed < cutoff && len(k) == rhizome.FileHashBytes {
				var h rhizome.FileHash
				copy(h[:], k)
				candidates = append(candidates, h)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, h := range candidates {
		used, err := inUse(h)
		if err != nil {
			return removed, err
		}
		if used {
			continue
		}
		if err := os.Remove(b.path(h)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		err = b.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketBlobs).Delete(h[:])
		})
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
