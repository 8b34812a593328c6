package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rhizomemesh/rhizome/daemon/backlog"
	"github.com/rhizomemesh/rhizome/daemon/fetch"
	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/bundle"
	"github.com/rhizomemesh/rhizome/internal/crypto"
	"github.com/rhizomemesh/rhizome/internal/observability"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

var (
	ErrMissingPayload = errors.New("payload is required")
	ErrSecretRequired = errors.New("bundle secret is required to update an existing bundle")
)

// Config holds the service tunables.
type Config struct {
	// SpoolDir holds payloads while they are being added or fetched.
	SpoolDir string
	// BacklogPath is the BoltDB file of deferred adverts.
	BacklogPath string
	// AdvertTTL bounds how long a deferred advert is retried.
	AdvertTTL   time.Duration
	Fetch       fetch.Config
	GCInterval  time.Duration
	GCRetention time.Duration
	// StatsInterval refreshes the store size gauges.
	StatsInterval time.Duration
	// ImportDir, when set, is watched for files to add as bundles.
	ImportDir string
}

func DefaultConfig(dataDir string) Config {
	return Config{
		SpoolDir:      filepath.Join(dataDir, "spool"),
		BacklogPath:   filepath.Join(dataDir, "backlog.db"),
		AdvertTTL:     time.Hour,
		Fetch:         fetch.DefaultConfig(),
		GCInterval:    time.Hour,
		GCRetention:   24 * time.Hour,
		StatsInterval: 30 * time.Second,
	}
}

// RhizomeService ties the store, the fetch queues, the advert backlog and
// the event stream together.
type RhizomeService struct {
	cfg      Config
	store    *store.Store
	identity *crypto.Identity
	events   *EventPublisher
	logger   *observability.Logger
	metrics  *observability.Metrics

	fetcher *fetch.Fetcher
	backlog *backlog.Queue
	worker  *backlog.Worker

	// fetch start times by bundle, for durations
	mu       sync.Mutex
	inflight map[rhizome.BundleID]time.Time

	onAdded []func(*store.Entry)
}

// NewRhizomeService builds the service. A nil metrics gets a private
// registry.
func NewRhizomeService(
	cfg Config,
	st *store.Store,
	identity *crypto.Identity,
	events *EventPublisher,
	logger *observability.Logger,
	metrics *observability.Metrics,
) (*RhizomeService, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if events == nil {
		events = NewEventPublisher(64)
	}
	if cfg.AdvertTTL <= 0 {
		cfg.AdvertTTL = time.Hour
	}
	if err := ensureDir(cfg.SpoolDir); err != nil {
		return nil, err
	}
	if cfg.Fetch.TempDir == "" {
		cfg.Fetch.TempDir = cfg.SpoolDir
	}

	s := &RhizomeService{
		cfg:      cfg,
		store:    st,
		identity: identity,
		events:   events,
		logger:   logger.WithComponent("rhizome"),
		metrics:  metrics,
		inflight: make(map[rhizome.BundleID]time.Time),
	}

	q, err := backlog.Open(cfg.BacklogPath, cfg.Fetch.Now)
	if err != nil {
		return nil, err
	}
	s.backlog = q
	s.fetcher = fetch.New(cfg.Fetch, st, (*fetchObserver)(s), logger.WithComponent("fetch"))
	s.worker = backlog.NewWorker(q, s.retryDeferred, cfg.Fetch.Interval, logger.WithComponent("backlog"))
	s.worker.OnDepth = func(n int) { metrics.BacklogDepth.Set(float64(n)) }
	return s, nil
}

func (s *RhizomeService) Store() *store.Store             { return s.store }
func (s *RhizomeService) Fetcher() *fetch.Fetcher         { return s.fetcher }
func (s *RhizomeService) Events() *EventPublisher         { return s.events }
func (s *RhizomeService) Identity() *crypto.Identity      { return s.identity }
func (s *RhizomeService) Metrics() *observability.Metrics { return s.metrics }

// OnBundleAdded registers fn to run after every locally added bundle.
// Must be called before Run.
func (s *RhizomeService) OnBundleAdded(fn func(*store.Entry)) {
	s.onAdded = append(s.onAdded, fn)
}

// AddBundle creates a bundle (or a new version when opts.Secret is set)
// from payload, authored by the daemon identity.
func (s *RhizomeService) AddBundle(ctx context.Context, payload io.Reader, opts bundle.Options) (*store.Entry, error) {
	if payload == nil {
		return nil, ErrMissingPayload
	}
	opts.SpoolDir = s.cfg.SpoolDir
	if opts.Secret != nil && opts.Version == 0 {
		// a new version must sort after the stored one even within the same millisecond
		stored, ok, err := s.store.StoredVersion(ctx, opts.Secret.BundleID())
		if err != nil {
			return nil, err
		}
		if ok && s.now().UnixMilli() <= stored {
			opts.Version = stored + 1
		}
	}

	b, err := bundle.Create(payload, opts)
	if err != nil {
		return nil, err
	}
	defer b.Cleanup()

	f, err := b.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	author := s.identity.SID()
	e, err := s.store.ImportBundle(ctx, b.Manifest, f, &author, &b.Secret)
	if err != nil {
		s.metrics.RecordImportRejected(rejectReason(err))
		return nil, err
	}
	s.bundleAdded(e)
	return e, nil
}

// ImportSigned stores a complete, signed manifest with its payload, as
// produced elsewhere. secret may be nil.
func (s *RhizomeService) ImportSigned(ctx context.Context, m *rhizome.Manifest, payload io.Reader, secret *rhizome.BundleSecret) (*store.Entry, error) {
	e, err := s.store.ImportBundle(ctx, m, payload, nil, secret)
	if err != nil {
		s.metrics.RecordImportRejected(rejectReason(err))
		return nil, err
	}
	s.bundleAdded(e)
	return e, nil
}

func (s *RhizomeService) bundleAdded(e *store.Entry) {
	m := e.Manifest
	s.logger.BundleAdded(m.ID.String(), m.Version, m.FileSize, m.Name)
	s.metrics.RecordImport("local")
	s.events.PublishAdded(e)
	for _, fn := range s.onAdded {
		fn(e)
	}
}

// InsertRequest is an upload through the REST API.
type InsertRequest struct {
	// Manifest is optional: a complete signed manifest, or a partial one
	// whose fields seed the new bundle.
	Manifest []byte
	Payload  io.Reader
	Secret   *rhizome.BundleSecret
}

// Insert handles a REST upload. A complete signed manifest is stored as
// is. Otherwise its fields are taken as options for a new bundle, or a new
// version of the bundle named by id when the secret matches.
func (s *RhizomeService) Insert(ctx context.Context, req InsertRequest) (*store.Entry, error) {
	if req.Payload == nil {
		return nil, ErrMissingPayload
	}
	if len(req.Manifest) > 0 {
		if m, err := rhizome.ParseManifest(req.Manifest); err == nil && len(m.Signature) > 0 {
			return s.ImportSigned(ctx, m, req.Payload, req.Secret)
		}
	}

	opts, err := partialOptions(req.Manifest)
	if err != nil {
		return nil, err
	}
	if id, ok := opts.Extra["id"]; ok {
		delete(opts.Extra, "id")
		bid, err := rhizome.ParseBundleID(id)
		if err != nil {
			return nil, err
		}
		if req.Secret == nil {
			return nil, ErrSecretRequired
		}
		if req.Secret.BundleID() != bid {
			return nil, rhizome.ErrSecretMismatch
		}
	}
	opts.Secret = req.Secret
	return s.AddBundle(ctx, req.Payload, opts)
}

// fields a partial manifest may not dictate
var derivedFields = map[string]bool{
	"version": true, "filesize": true, "filehash": true, "date": true, "crypt": true, "tail": true,
}

func partialOptions(raw []byte) (bundle.Options, error) {
	var opts bundle.Options
	if len(raw) == 0 {
		return opts, nil
	}
	fields, err := rhizome.ParsePartialManifest(raw)
	if err != nil {
		return opts, err
	}
	opts.Extra = make(map[string]string)
	for k, v := range fields {
		switch {
		case k == "name":
			opts.Name = v
		case k == "service":
			opts.Service = v
		case k == "sender" || k == "recipient":
			sid, err := rhizome.ParseSubscriberID(v)
			if err != nil {
				return opts, fmt.Errorf("%w: %s: %v", rhizome.ErrInvalidManifest, k, err)
			}
			if k == "sender" {
				opts.Sender = &sid
			} else {
				opts.Recipient = &sid
			}
		case derivedFields[k]:
		default:
			opts.Extra[k] = v
		}
	}
	return opts, nil
}

// Delete removes a bundle from the store.
func (s *RhizomeService) Delete(ctx context.Context, id rhizome.BundleID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.events.PublishDeleted(id)
	return nil
}

// HandleAdvert offers a manifest advertised by peer to the fetch queues.
// Adverts that find the queues full are kept in the backlog.
func (s *RhizomeService) HandleAdvert(ctx context.Context, m *rhizome.Manifest, peer string) {
	s.suggest(ctx, m, peer, fetch.DefaultPriority, true)
}

func (s *RhizomeService) suggest(ctx context.Context, m *rhizome.Manifest, peer string, priority int, deferOnFull bool) fetch.Outcome {
	out := s.fetcher.SuggestPriority(ctx, m, peer, priority)
	s.metrics.RecordSuggestion(out.String())
	if out == fetch.SuggestQueueFull && deferOnFull {
		err := s.backlog.Enqueue(backlog.Item{
			Manifest: m,
			Peer:     peer,
			Priority: priority,
			ExpireAt: s.now().Add(s.cfg.AdvertTTL),
		})
		if err != nil {
			s.logger.WithBundle(m.ID.String()).Error(err, "failed to defer advert")
		}
	}
	return out
}

func (s *RhizomeService) retryDeferred(ctx context.Context, it backlog.Item) bool {
	return s.suggest(ctx, it.Manifest, it.Peer, it.Priority, false) == fetch.SuggestQueueFull
}

// FetchByPrefix asks peer over HTTP for the manifest matching prefix.
func (s *RhizomeService) FetchByPrefix(prefix []byte, peer string) fetch.StartResult {
	return s.fetcher.FetchManifestByPrefix(prefix, peer)
}

// BacklogLen returns the number of deferred adverts.
func (s *RhizomeService) BacklogLen() int { return s.backlog.Len() }

func (s *RhizomeService) now() time.Time {
	if s.cfg.Fetch.Now != nil {
		return s.cfg.Fetch.Now()
	}
	return time.Now()
}

// Run drives the fetch queues, the backlog, payload GC and, when
// configured, the import directory until ctx is done.
func (s *RhizomeService) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(s.fetcher.Run)
	run(s.worker.Run)
	run(s.gcLoop)
	run(s.statsLoop)

	if s.cfg.ImportDir != "" {
		w, err := NewImportWatcher(s.cfg.ImportDir, s, s.logger)
		if err != nil {
			s.logger.Error(err, "import directory disabled")
		} else {
			run(func(ctx context.Context) {
				if err := w.Run(ctx); err != nil {
					s.logger.Error(err, "import watcher stopped")
				}
			})
		}
	}

	wg.Wait()
	return ctx.Err()
}

func (s *RhizomeService) gcLoop(ctx context.Context) {
	if s.cfg.GCInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CollectGarbage(ctx)
		}
	}
}

// CollectGarbage removes payload blobs no bundle refers to that have not
// been touched within GCRetention.
func (s *RhizomeService) CollectGarbage(ctx context.Context) int {
	n, err := s.store.GC(ctx, s.cfg.GCRetention)
	if err != nil {
		s.logger.Error(err, "payload GC failed")
		return 0
	}
	if n > 0 {
		s.metrics.BlobsCollectedTotal.Add(float64(n))
		s.logger.Info(fmt.Sprintf("collected %d unreferenced payloads", n))
	}
	return n
}

func (s *RhizomeService) statsLoop(ctx context.Context) {
	if s.cfg.StatsInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		s.refreshStats(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *RhizomeService) refreshStats(ctx context.Context) {
	count, size, err := s.store.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error(err, "store stats failed")
		}
		return
	}
	s.metrics.SetStoreSize(count, size)
}

// Close stops in-flight fetches and closes the backlog. The store belongs
// to the caller.
func (s *RhizomeService) Close() error {
	s.fetcher.Close()
	return s.backlog.Close()
}

func ensureDir(dir string) error {
	if dir == "" {
		return errors.New("spool directory is not set")
	}
	return os.MkdirAll(dir, 0o700)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, store.ErrSameVersion):
		return "same_version"
	case errors.Is(err, store.ErrOlderVersion):
		return "older_version"
	case errors.Is(err, store.ErrPayloadMismatch):
		return "payload_mismatch"
	case errors.Is(err, rhizome.ErrInvalidSignature):
		return "bad_signature"
	case errors.Is(err, rhizome.ErrSecretMismatch):
		return "secret_mismatch"
	default:
		return "error"
	}
}

// fetchObserver receives fetcher callbacks. It must never call back into
// the fetcher.
type fetchObserver RhizomeService

func (o *fetchObserver) FetchStarted(m *rhizome.Manifest, peer string) {
	s := (*RhizomeService)(o)
	s.mu.Lock()
	s.inflight[m.ID] = s.now()
	s.mu.Unlock()
	s.metrics.RecordFetchStart()
	s.events.PublishFetchStarted(m, peer)
}

func (o *fetchObserver) FetchFailed(m *rhizome.Manifest, peer string, err error) {
	s := (*RhizomeService)(o)
	elapsed, ok := s.finish(m.ID)
	if ok {
		s.metrics.RecordFetchComplete(false, 0, elapsed)
	}
	s.metrics.RecordImportRejected(rejectReason(err))
	s.events.PublishFetchFailed(m, peer, err)
}

func (o *fetchObserver) BundleImported(e *store.Entry, peer string) {
	s := (*RhizomeService)(o)
	m := e.Manifest
	if elapsed, ok := s.finish(m.ID); ok {
		s.metrics.RecordFetchComplete(true, m.FileSize, elapsed)
		s.events.PublishFetchCompleted(e, peer, elapsed)
	}
	s.logger.BundleImported(m.ID.String(), m.Version, m.FileSize, peer)
	s.metrics.RecordImport("peer")
	s.events.PublishImported(e, peer)
}

func (s *RhizomeService) finish(id rhizome.BundleID) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	started, ok := s.inflight[id]
	if !ok {
		return 0, false
	}
	delete(s.inflight, id)
	return s.now().Sub(started), true
}
