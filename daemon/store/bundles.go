package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// Entry is a stored manifest together with its local bookkeeping.
type Entry struct {
	RowID      int64
	InsertTime int64 // milliseconds since epoch
	Author     *rhizome.SubscriberID
	Manifest   *rhizome.Manifest
	HasSecret  bool
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Service    string
	Name       string
	Sender     *rhizome.SubscriberID
	Recipient  *rhizome.SubscriberID
	SinceRowID int64
	Limit      int
	// Ascending returns oldest first, for incremental scans.
	Ascending bool
}

func nullableHex(s fmt.Stringer, present bool) sql.NullString {
	if !present {
		return sql.NullString{}
	}
	return sql.NullString{String: s.String(), Valid: true}
}

// ImportBundle stores a verified manifest and its payload. Only the newest
// version of each bundle is kept. payload may be nil when the manifest has
// no payload or the payload is already stored.
func (s *Store) ImportBundle(ctx context.Context, m *rhizome.Manifest, payload io.Reader,
	author *rhizome.SubscriberID, secret *rhizome.BundleSecret) (*Entry, error) {

	if err := m.Verify(); err != nil {
		return nil, err
	}
	if secret != nil && secret.BundleID() != m.ID {
		return nil, rhizome.ErrSecretMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok, err := s.storedVersion(ctx, s.db, m.ID); err != nil {
		return nil, err
	} else if ok {
		if stored == m.Version {
			return nil, ErrSameVersion
		}
		if stored > m.Version {
			return nil, ErrOlderVersion
		}
	}

	if m.FileSize > 0 && !s.blobs.has(m.FileHash) {
		if payload == nil {
			return nil, ErrPayloadMissing
		}
		if err := s.blobs.put(payload, m.FileSize, m.FileHash); err != nil {
			return nil, err
		}
	}

	var sealed []byte
	if secret != nil && s.box != nil {
		var err error
		if sealed, err = s.box.Seal(m.ID, *secret); err != nil {
			return nil, fmt.Errorf("failed to seal bundle secret: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := m.ID.String()
	if _, err := tx.ExecContext(ctx, "DELETE FROM manifests WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to replace manifest: %w", err)
	}

	insertTime := s.now().UnixMilli()
	var sender, recipient, authorHex sql.NullString
	if m.Sender != nil {
		sender = nullableHex(*m.Sender, true)
	}
	if m.Recipient != nil {
		recipient = nullableHex(*m.Recipient, true)
	}
	if author != nil {
		authorHex = nullableHex(*author, true)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO manifests
		(id, version, inserttime, author, filesize, filehash, service, name, sender, recipient, manifest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, m.Version, insertTime, authorHex, m.FileSize,
		nullableHex(m.FileHash, m.FileSize > 0), m.Service, m.Name, sender, recipient, m.Bytes(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert manifest: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if sealed != nil {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO bundle_secrets (id, sealed) VALUES (?, ?)", id, sealed); err != nil {
			return nil, fmt.Errorf("failed to store bundle secret: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &Entry{
		RowID:      rowID,
		InsertTime: insertTime,
		Author:     author,
		Manifest:   m,
		HasSecret:  sealed != nil || s.hasSecret(ctx, id),
	}, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) storedVersion(ctx context.Context, q querier, id rhizome.BundleID) (int64, bool, error) {
	var version int64
	err := q.QueryRowContext(ctx, "SELECT version FROM manifests WHERE id = ?", id.String()).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query version: %w", err)
	}
	return version, true, nil
}

// StoredVersion returns the version held for id, if any.
func (s *Store) StoredVersion(ctx context.Context, id rhizome.BundleID) (int64, bool, error) {
	return s.storedVersion(ctx, s.db, id)
}

// HasPayload reports whether a payload with this hash is stored.
func (s *Store) HasPayload(h rhizome.FileHash) bool {
	return s.blobs.has(h)
}

// OpenPayload opens a stored payload for reading.
func (s *Store) OpenPayload(h rhizome.FileHash) (io.ReadCloser, error) {
	return s.blobs.open(h)
}

func (s *Store) hasSecret(ctx context.Context, id string) bool {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM bundle_secrets WHERE id = ?", id).Scan(&one)
	return err == nil
}

const entryColumns = `m.rowid, m.inserttime, m.author, m.manifest,
	EXISTS(SELECT 1 FROM bundle_secrets s WHERE s.id = m.id)`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e      Entry
		author sql.NullString
		raw    []byte
	)
	if err := row.Scan(&e.RowID, &e.InsertTime, &author, &raw, &e.HasSecret); err != nil {
		return nil, err
	}
	if author.Valid {
		sid, err := rhizome.ParseSubscriberID(author.String)
		if err != nil {
			return nil, fmt.Errorf("%w: author for row %d: %w", ErrCorruptEntry, e.RowID, err)
		}
		e.Author = &sid
	}
	m, err := rhizome.ParseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest for row %d: %w", ErrCorruptEntry, e.RowID, err)
	}
	e.Manifest = m
	return &e, nil
}

// Lookup returns the stored entry for id.
func (s *Store) Lookup(ctx context.Context, id rhizome.BundleID) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM manifests m WHERE m.id = ?", id.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Manifest returns the stored manifest for id.
func (s *Store) Manifest(ctx context.Context, id rhizome.BundleID) (*rhizome.Manifest, error) {
	e, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Manifest, nil
}

// ManifestByPrefix returns the manifest whose id starts with prefix. When
// several match, the most recently stored one wins.
func (s *Store) ManifestByPrefix(ctx context.Context, prefix []byte) (*rhizome.Manifest, error) {
	if len(prefix) == 0 || len(prefix) > rhizome.BundleIDBytes {
		return nil, ErrInvalidPrefix
	}
	pattern := strings.ToUpper(hex.EncodeToString(prefix)) + "%"
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT manifest FROM manifests WHERE id LIKE ? ORDER BY rowid DESC LIMIT 1", pattern).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query manifest: %w", err)
	}
	return rhizome.ParseManifest(raw)
}

// RawBundle returns the manifest and an open raw payload stream for id,
// together with the row id, insert time, author and, when this node holds
// it, the bundle secret. The caller must close the payload stream.
func (s *Store) RawBundle(ctx context.Context, id rhizome.BundleID) (*rhizome.PayloadRawBundle, error) {
	e, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	var secret *rhizome.BundleSecret
	if e.HasSecret && s.box != nil {
		var sealed []byte
		err := s.db.QueryRowContext(ctx, "SELECT sealed FROM bundle_secrets WHERE id = ?", id.String()).Scan(&sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to load bundle secret: %w", err)
		}
		// sealed under another identity: report the secret as absent
		if bs, err := s.box.Open(id, sealed); err == nil {
			secret = &bs
		}
	}

	var payload io.ReadCloser
	if e.Manifest.FileSize == 0 {
		payload = io.NopCloser(bytes.NewReader(nil))
	} else {
		f, err := s.blobs.open(e.Manifest.FileHash)
		if err != nil {
			return nil, err
		}
		payload = f
	}

	rowID, insertTime := e.RowID, e.InsertTime
	return rhizome.NewPayloadRawBundle(e.Manifest, payload, &rowID, &insertTime, e.Author, secret), nil
}

// List returns stored entries, newest first unless f.Ascending is set.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Service != "" {
		where = append(where, "m.service = ?")
		args = append(args, f.Service)
	}
	if f.Name != "" {
		where = append(where, "m.name = ?")
		args = append(args, f.Name)
	}
	if f.Sender != nil {
		where = append(where, "m.sender = ?")
		args = append(args, f.Sender.String())
	}
	if f.Recipient != nil {
		where = append(where, "m.recipient = ?")
		args = append(args, f.Recipient.String())
	}
	if f.SinceRowID > 0 {
		where = append(where, "m.rowid > ?")
		args = append(args, f.SinceRowID)
	}

	query := "SELECT " + entryColumns + " FROM manifests m"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Ascending {
		query += " ORDER BY m.rowid ASC"
	} else {
		query += " ORDER BY m.rowid DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query manifests: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if errors.Is(err, ErrCorruptEntry) {
			s.logger.Error(err, "skipping unreadable bundle")
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats returns the number of stored bundles and their total payload size.
func (s *Store) Stats(ctx context.Context) (count int, size int64, err error) {
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(filesize), 0) FROM manifests").Scan(&count, &size)
	return count, size, err
}

// Delete removes a bundle's manifest and secret. Its payload is left for GC.
func (s *Store) Delete(ctx context.Context, id rhizome.BundleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM manifests WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM bundle_secrets WHERE id = ?", id.String()); err != nil {
		return fmt.Errorf("failed to delete bundle secret: %w", err)
	}
	return tx.Commit()
}

// GC removes payload blobs that no stored manifest references and that
// have not been accessed for maxAge.
func (s *Store) GC(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blobs.gc(maxAge, func(h rhizome.FileHash) (bool, error) {
		var one int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM manifests WHERE filehash = ? LIMIT 1", h.String()).Scan(&one)
		if err == sql.ErrNoRows {
			return false, nil
		}
		return err == nil, err
	})
}
