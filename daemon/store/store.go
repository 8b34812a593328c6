// Package store is the local bundle store: manifests and sealed bundle
// secrets in SQLite, payload blobs on disk indexed in BoltDB.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rhizomemesh/rhizome/internal/crypto"
	"github.com/rhizomemesh/rhizome/internal/observability"
)

var (
	ErrNotFound        = errors.New("bundle not found")
	ErrOlderVersion    = errors.New("a newer version of the bundle is already stored")
	ErrSameVersion     = errors.New("this version of the bundle is already stored")
	ErrPayloadMismatch = errors.New("payload does not match manifest")
	ErrPayloadMissing  = errors.New("payload not stored")
	ErrInvalidPrefix   = errors.New("invalid bundle id prefix")
	ErrCorruptEntry    = errors.New("corrupt stored entry")
)

const schemaVersion = 1

// Store holds bundles on local disk.
type Store struct {
	db     *sql.DB
	blobs  *blobStore
	box    *crypto.SecretBox
	dir    string
	now    func() time.Time
	logger *observability.Logger

	// serialises writers; sqlite handles concurrent readers
	mu sync.Mutex
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets where unreadable rows are reported.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Store) { s.logger = logger.WithComponent("store") }
}

// Open opens or creates a store rooted at dir. Bundle secrets passed to
// ImportBundle are sealed with box; a nil box disables secret storage.
func Open(dir string, box *crypto.SecretBox, opts ...Option) (*Store, error) {
	s := &Store{box: box, dir: dir, now: time.Now, logger: observability.NewNopLogger()}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := filepath.Join(dir, "rhizome.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	s.db = db

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	blobs, err := openBlobStore(filepath.Join(dir, "blobs"), func() time.Time { return s.now() })
	if err != nil {
		db.Close()
		return nil, err
	}
	s.blobs = blobs
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS manifests (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			version INTEGER NOT NULL,
			inserttime INTEGER NOT NULL,
			author TEXT,
			filesize INTEGER NOT NULL,
			filehash TEXT,
			service TEXT,
			name TEXT,
			sender TEXT,
			recipient TEXT,
			manifest BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bundle_secrets (
			id TEXT PRIMARY KEY,
			sealed BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_manifests_filehash ON manifests(filehash);
		CREATE INDEX IF NOT EXISTS idx_manifests_service ON manifests(service);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	} else if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}
	return nil
}

// Ping checks that the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Dir is the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Close closes the database and the blob index.
func (s *Store) Close() error {
	var errs []error
	if s.blobs != nil {
		errs = append(errs, s.blobs.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}
