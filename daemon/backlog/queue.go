// Package backlog persists adverts that could not be queued for fetching
// so that they are retried once the fetch queues drain.
package backlog

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"go.dedis.ch/protobuf"

	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

var (
	bucketBacklog = []byte("backlog")
	bucketMeta    = []byte("meta")
	// keyCursor is the last key handed out by DequeueBatch.
	keyCursor = []byte("cursor")
)

// Item is one deferred advert.
type Item struct {
	Manifest *rhizome.Manifest
	Peer     string
	Priority int
	ExpireAt time.Time
}

// record is the stored form of an Item.
type record struct {
	Manifest []byte
	Peer     string
	Priority int64
	ExpireAt int64
}

// Queue is a BoltDB-backed backlog holding at most one advert per bundle.
type Queue struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the backlog database at path.
func Open(path string, now func() time.Time) (*Queue, error) {
	if now == nil {
		now = time.Now
	}
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open backlog: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBacklog, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Queue{db: db, now: now}, nil
}

func decode(v []byte) (*record, *rhizome.Manifest, error) {
	var r record
	if err := protobuf.Decode(v, &r); err != nil {
		return nil, nil, err
	}
	m, err := rhizome.ParseManifest(r.Manifest)
	if err != nil {
		return nil, nil, err
	}
	return &r, m, nil
}

// Enqueue stores item unless an advert for a same-or-newer version of the
// bundle is already waiting.
func (q *Queue) Enqueue(item Item) error {
	if item.Manifest == nil {
		return errors.New("backlog item has no manifest")
	}
	val, err := protobuf.Encode(&record{
		Manifest: item.Manifest.Bytes(),
		Peer:     item.Peer,
		Priority: int64(item.Priority),
		ExpireAt: item.ExpireAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode backlog item: %w", err)
	}
	key := item.Manifest.ID[:]

	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBacklog)
		if old := b.Get(key); old != nil {
			if _, m, err := decode(old); err == nil && m.Version >= item.Manifest.Version {
				return nil
			}
		}
		return b.Put(key, val)
	})
}

// DequeueBatch removes and returns up to n live items. Each call resumes
// after the last key the previous one handed out and wraps around, so
// entries that keep being requeued cannot starve the rest. Expired or
// corrupt entries met on the way are deleted and counted in dropped.
func (q *Queue) DequeueBatch(n int) (items []Item, dropped int, err error) {
	now := q.now().Unix()
	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBacklog)
		meta := tx.Bucket(bucketMeta)
		cursor := append([]byte(nil), meta.Get(keyCursor)...)

		var done [][]byte
		visit := func(k, v []byte) {
			done = append(done, append([]byte(nil), k...))
			r, m, derr := decode(v)
			if derr != nil || r.ExpireAt <= now {
				dropped++
				return
			}
			items = append(items, Item{
				Manifest: m,
				Peer:     r.Peer,
				Priority: int(r.Priority),
				ExpireAt: time.Unix(r.ExpireAt, 0),
			})
		}

		c := b.Cursor()
		var k, v []byte
		if len(cursor) == 0 {
			k, v = c.First()
		} else if k, v = c.Seek(cursor); k != nil && bytes.Equal(k, cursor) {
			k, v = c.Next()
		}
		for ; k != nil && len(items) < n; k, v = c.Next() {
			visit(k, v)
		}
		if len(cursor) > 0 {
			for k, v = c.First(); k != nil && bytes.Compare(k, cursor) <= 0 && len(items) < n; k, v = c.Next() {
				visit(k, v)
			}
		}

		for _, k := range done {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		if len(done) > 0 {
			return meta.Put(keyCursor, done[len(done)-1])
		}
		return nil
	})
	return items, dropped, err
}

// Prune deletes every expired or unreadable entry and returns how many
// went.
func (q *Queue) Prune() (int, error) {
	now := q.now().Unix()
	var stale [][]byte
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBacklog)
		err := b.ForEach(func(k, v []byte) error {
			var r record
			if protobuf.Decode(v, &r) != nil || r.ExpireAt <= now {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Len returns the number of waiting items that have not expired.
func (q *Queue) Len() int {
	now := q.now().Unix()
	var n int
	_ = q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBacklog).ForEach(func(_, v []byte) error {
			var r record
			if protobuf.Decode(v, &r) == nil && r.ExpireAt > now {
				n++
			}
			return nil
		})
	})
	return n
}

func (q *Queue) Close() error { return q.db.Close() }
