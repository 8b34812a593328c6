// Package bundle creates new bundles from local content: it spools the
// payload, computes its file hash and produces a signed manifest.
package bundle

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rhizomemesh/rhizome/internal/crypto"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// Options configures a new bundle or a new version of an existing one.
type Options struct {
	Name      string
	Service   string
	Sender    *rhizome.SubscriberID
	Recipient *rhizome.SubscriberID
	Extra     map[string]string

	// Secret selects the bundle to update. Nil creates a new bundle.
	Secret *rhizome.BundleSecret
	// Version defaults to the current time in milliseconds.
	Version int64
	// SpoolDir holds the payload copy; defaults to os.TempDir().
	SpoolDir string

	Now func() time.Time
}

// DefaultService is used when Options.Service is empty.
const DefaultService = "file"

// Build is the result of Create. The spool file belongs to the caller, who
// must call Cleanup when done with it.
type Build struct {
	Manifest  *rhizome.Manifest
	Secret    rhizome.BundleSecret
	SpoolPath string
}

// Open opens the spooled payload for reading.
func (b *Build) Open() (*os.File, error) {
	return os.Open(b.SpoolPath)
}

// Cleanup removes the spool file.
func (b *Build) Cleanup() error {
	if b.SpoolPath == "" {
		return nil
	}
	err := os.Remove(b.SpoolPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Create spools payload, hashes it and returns a signed manifest.
func Create(payload io.Reader, opts Options) (*Build, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	if !rhizome.ValidFieldValue(opts.Name) || !rhizome.ValidFieldValue(opts.Service) {
		return nil, fmt.Errorf("%w: name and service must not contain newlines or NUL", rhizome.ErrInvalidManifest)
	}

	var secret rhizome.BundleSecret
	if opts.Secret != nil {
		secret = *opts.Secret
	} else {
		s, err := crypto.GenerateBundleSecret()
		if err != nil {
			return nil, err
		}
		secret = s
	}

	spool, err := os.CreateTemp(opts.SpoolDir, "bundle-*.payload")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	b := &Build{Secret: secret, SpoolPath: spool.Name()}

	hr := crypto.NewHashingReader(payload)
	if _, err := io.Copy(spool, hr); err != nil {
		spool.Close()
		b.Cleanup()
		return nil, fmt.Errorf("failed to spool payload: %w", err)
	}
	if err := spool.Close(); err != nil {
		b.Cleanup()
		return nil, fmt.Errorf("failed to close spool file: %w", err)
	}

	ts := now()
	version := opts.Version
	if version == 0 {
		version = ts.UnixMilli()
	}
	service := opts.Service
	if service == "" {
		service = DefaultService
	}

	m := &rhizome.Manifest{
		ID:        secret.BundleID(),
		Version:   version,
		FileSize:  hr.N(),
		Service:   service,
		Name:      opts.Name,
		Date:      ts.UnixMilli(),
		Sender:    opts.Sender,
		Recipient: opts.Recipient,
		Extra:     make(map[string]string, len(opts.Extra)),
	}
	for k, v := range opts.Extra {
		m.Extra[k] = v
	}
	if m.FileSize > 0 {
		m.FileHash = hr.Sum()
	}
	if err := m.Sign(secret); err != nil {
		b.Cleanup()
		return nil, err
	}
	b.Manifest = m
	return b, nil
}
