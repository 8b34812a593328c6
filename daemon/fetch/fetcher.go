// Package fetch decides which advertised bundles to fetch and fetches their
// payloads from peers over plain HTTP/1.0. Fetches are spread over five
// queues by payload size; each queue has a single active slot.
package fetch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/observability"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// Outcome is the result of Suggest.
type Outcome int

const (
	SuggestRejected Outcome = iota
	SuggestImported
	SuggestQueued
	SuggestAlreadyQueued
	SuggestQueueFull
)

func (o Outcome) String() string {
	switch o {
	case SuggestRejected:
		return "rejected"
	case SuggestImported:
		return "imported"
	case SuggestQueued:
		return "queued"
	case SuggestAlreadyQueued:
		return "already_queued"
	case SuggestQueueFull:
		return "queue_full"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StartResult is the result of trying to start a fetch.
type StartResult int

const (
	Started StartResult = iota
	SlotBusy
	SameBundle
	SamePayload
	Superseded
	OlderBundle
	NewerBundle
	Imported
	StartFailed
)

func (r StartResult) String() string {
	return [...]string{
		"started", "slot_busy", "same_bundle", "same_payload", "superseded",
		"older_bundle", "newer_bundle", "imported", "failed",
	}[r]
}

var (
	ErrBadStatus     = errors.New("peer returned a non-200 status")
	ErrNoLength      = errors.New("peer response has no Content-Length")
	ErrShortResponse = errors.New("peer closed the connection early")
)

// Store is the part of the bundle store the fetcher needs.
type Store interface {
	StoredVersion(ctx context.Context, id rhizome.BundleID) (int64, bool, error)
	HasPayload(h rhizome.FileHash) bool
	ImportBundle(ctx context.Context, m *rhizome.Manifest, payload io.Reader,
		author *rhizome.SubscriberID, secret *rhizome.BundleSecret) (*store.Entry, error)
}

// Observer is told about fetch progress.
type Observer interface {
	FetchStarted(m *rhizome.Manifest, peer string)
	FetchFailed(m *rhizome.Manifest, peer string, err error)
	BundleImported(e *store.Entry, peer string)
}

type nopObserver struct{}

func (nopObserver) FetchStarted(*rhizome.Manifest, string)       {}
func (nopObserver) FetchFailed(*rhizome.Manifest, string, error) {}
func (nopObserver) BundleImported(*store.Entry, string)          {}

// Config tunes a Fetcher.
type Config struct {
	// IdleTimeout closes a fetch when the peer stays silent this long.
	IdleTimeout time.Duration
	// Interval between attempts to start queued fetches.
	Interval time.Duration
	// IgnoreTimeout is how long a manifest that failed verification is ignored.
	IgnoreTimeout time.Duration
	// TempDir receives payloads while they download.
	TempDir string

	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	Now  func() time.Time
	Seed int64
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   10 * time.Second,
		Interval:      2 * time.Second,
		IgnoreTimeout: DefaultIgnoreTimeout,
	}
}

// Fetcher owns the fetch queues.
type Fetcher struct {
	cfg      Config
	store    Store
	observer Observer
	logger   *observability.Logger

	versions *versionCache
	ignored  *ignoreCache

	mu     sync.Mutex
	queues []*queue

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Fetcher. A nil observer or logger is allowed.
func New(cfg Config, st Store, observer Observer, logger *observability.Logger) *Fetcher {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.IgnoreTimeout <= 0 {
		cfg.IgnoreTimeout = def.IgnoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.IdleTimeout}
		cfg.Dial = d.DialContext
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fetcher{
		cfg:      cfg,
		store:    st,
		observer: observer,
		logger:   logger,
		versions: newVersionCache(cfg.Seed),
		ignored:  newIgnoreCache(cfg.Seed + 1),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i, qs := range queueSpec {
		f.queues = append(f.queues, &queue{index: i, threshold: qs.threshold, capacity: qs.capacity})
	}
	return f
}

// Run starts queued fetches every Interval, and whenever Suggest queues
// something, until ctx is done.
func (f *Fetcher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.ctx.Done():
			return
		case <-ticker.C:
		case <-f.kick:
		}
		f.StartQueued()
	}
}

// Close aborts active fetches and waits for them to finish.
func (f *Fetcher) Close() {
	f.cancel()
	f.wg.Wait()
}

func (f *Fetcher) findQueue(size int64) *queue {
	for _, q := range f.queues {
		if q.accepts(size) {
			return q
		}
	}
	return nil
}

// findSlot returns the first free slot of any queue that accepts size.
func (f *Fetcher) findSlot(size int64) *queue {
	for _, q := range f.queues {
		if q.accepts(size) && !q.slot.active {
			return q
		}
	}
	return nil
}

// haveVersion reports whether the store holds m's version or a newer one.
func (f *Fetcher) haveVersion(ctx context.Context, m *rhizome.Manifest) (bool, error) {
	if v, ok := f.versions.lookup(m.ID); ok && v >= m.Version {
		return true, nil
	}
	stored, ok, err := f.store.StoredVersion(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	f.versions.store(m.ID, stored)
	return stored >= m.Version, nil
}

func (f *Fetcher) verify(m *rhizome.Manifest, peer string) error {
	if err := m.Verify(); err != nil {
		f.ignored.ignore(m.ID, peer, f.cfg.Now().Add(f.cfg.IgnoreTimeout))
		return err
	}
	return nil
}

func (f *Fetcher) importLocal(ctx context.Context, m *rhizome.Manifest, peer string) error {
	e, err := f.store.ImportBundle(ctx, m, nil, nil, nil)
	if err != nil {
		return err
	}
	f.versions.store(m.ID, m.Version)
	f.observer.BundleImported(e, peer)
	return nil
}

// Suggest considers an advertised manifest for fetching from peer, the
// host:port of the peer's HTTP server.
func (f *Fetcher) Suggest(ctx context.Context, m *rhizome.Manifest, peer string) Outcome {
	return f.SuggestPriority(ctx, m, peer, DefaultPriority)
}

// SuggestPriority is Suggest with an explicit priority; higher runs first.
func (f *Fetcher) SuggestPriority(ctx context.Context, m *rhizome.Manifest, peer string, priority int) Outcome {
	out := f.suggest(ctx, m, peer, priority)
	f.logger.FetchSuggested(m.ID.String(), m.Version, m.FileSize, peer, out.String())
	if out == SuggestQueued {
		select {
		case f.kick <- struct{}{}:
		default:
		}
	}
	return out
}

func (f *Fetcher) suggest(ctx context.Context, m *rhizome.Manifest, peer string, priority int) Outcome {
	if f.ignored.ignored(m.ID, f.cfg.Now()) {
		return SuggestRejected
	}

	have, err := f.haveVersion(ctx, m)
	if err != nil {
		f.logger.Error(err, "version lookup failed")
		return SuggestRejected
	}
	if have {
		return SuggestRejected
	}

	if m.FileSize == 0 || f.store.HasPayload(m.FileHash) {
		if err := f.verify(m, peer); err != nil {
			return SuggestRejected
		}
		if err := f.importLocal(ctx, m, peer); err != nil {
			f.logger.WithBundle(m.ID.String()).Error(err, "import failed")
			return SuggestRejected
		}
		return SuggestImported
	}

	qi := f.findQueue(m.FileSize)
	if qi == nil {
		return SuggestRejected
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// The same bundle may sit in any queue since its size can change
	// between versions. A queued same-or-newer version wins; older ones
	// are dropped.
	verified := false
	for _, q := range f.queues {
		for j := 0; j < len(q.candidates); {
			c := q.candidates[j]
			if c.manifest.ID != m.ID {
				j++
				continue
			}
			if c.manifest.Version >= m.Version {
				return SuggestAlreadyQueued
			}
			if !verified {
				if err := f.verify(m, peer); err != nil {
					return SuggestRejected
				}
				verified = true
			}
			q.unqueue(j)
		}
	}

	ci := -1
	for j, c := range qi.candidates {
		if c.priority < priority {
			ci = j
			break
		}
	}
	if ci < 0 && len(qi.candidates) < qi.capacity {
		ci = len(qi.candidates)
	}
	if ci < 0 {
		return SuggestQueueFull
	}

	if !verified {
		if err := f.verify(m, peer); err != nil {
			return SuggestRejected
		}
	}
	qi.insert(ci, candidate{manifest: m, peer: peer, priority: priority, queued: f.cfg.Now()})
	return SuggestQueued
}

// StartQueued tries to start the head of every queue.
func (f *Fetcher) StartQueued() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queues {
		f.startNextQueued(q)
	}
}

// startNextQueued starts candidates from the head of q until one is left
// waiting for a slot. Called with f.mu held.
func (f *Fetcher) startNextQueued(q *queue) {
	for len(q.candidates) > 0 {
		c := q.candidates[0]
		if f.tryStart(c.manifest, c.peer) == SlotBusy {
			return
		}
		q.unqueue(0)
	}
}

// tryStart starts fetching m's payload from peer. Called with f.mu held.
func (f *Fetcher) tryStart(m *rhizome.Manifest, peer string) StartResult {
	ctx := f.ctx

	if m.FileSize == 0 {
		if err := f.importLocal(ctx, m, peer); err != nil {
			return StartFailed
		}
		return Imported
	}

	q := f.findSlot(m.FileSize)
	if q == nil {
		return SlotBusy
	}

	have, err := f.haveVersion(ctx, m)
	if err != nil {
		return StartFailed
	}
	if have {
		return Superseded
	}

	// An active fetch of another version runs to completion before the
	// next one starts, so a fast publisher cannot starve the fetch.
	for _, other := range f.queues {
		am := other.slot.manifest
		if !other.slot.active || am == nil || am.ID != m.ID {
			continue
		}
		switch {
		case am.Version < m.Version:
			return OlderBundle
		case am.Version > m.Version:
			return NewerBundle
		default:
			return SameBundle
		}
	}

	if f.store.HasPayload(m.FileHash) {
		if err := f.importLocal(ctx, m, peer); err != nil {
			return StartFailed
		}
		return Imported
	}

	for _, other := range f.queues {
		am := other.slot.manifest
		if other.slot.active && am != nil && am.FileHash == m.FileHash {
			return SamePayload
		}
	}

	f.activate(q, m, nil, peer)
	return Started
}

// FetchManifestByPrefix asks peer for the manifest whose id starts with
// prefix. The manifest received is passed to Suggest.
func (f *Fetcher) FetchManifestByPrefix(prefix []byte, peer string) StartResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.findSlot(rhizome.MaxManifestBytes)
	if q == nil {
		return SlotBusy
	}
	f.activate(q, nil, append([]byte(nil), prefix...), peer)
	return Started
}

// activate claims q's slot and starts the transfer. Called with f.mu held.
func (f *Fetcher) activate(q *queue, m *rhizome.Manifest, prefix []byte, peer string) {
	ctx, cancel := context.WithCancel(f.ctx)
	q.slot = slot{
		active:   true,
		manifest: m,
		prefix:   prefix,
		peer:     peer,
		started:  f.cfg.Now(),
	}
	if m != nil {
		f.logger.FetchStarted(m.ID.String(), m.FileSize, peer, q.index)
		f.observer.FetchStarted(m, peer)
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()
		if m != nil {
			f.runPayloadFetch(ctx, q, m, peer)
		} else {
			f.runManifestFetch(ctx, q, prefix, peer)
		}
	}()
}

// release frees q's slot and hands it to the next eligible candidate from
// queues with the same or smaller thresholds. Nothing new starts once the
// Fetcher is closed.
func (f *Fetcher) release(q *queue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q.slot = slot{}
	if f.ctx.Err() != nil {
		return
	}
	for i := q.index; i >= 0 && !q.slot.active; i-- {
		f.startNextQueued(f.queues[i])
	}
}

func (f *Fetcher) runPayloadFetch(ctx context.Context, q *queue, m *rhizome.Manifest, peer string) {
	started := f.cfg.Now()
	err := f.fetchPayload(ctx, m, peer)
	if err != nil {
		f.logger.FetchFailed(m.ID.String(), peer, err)
		f.observer.FetchFailed(m, peer, err)
	} else {
		f.logger.FetchCompleted(m.ID.String(), m.FileSize, f.cfg.Now().Sub(started))
	}
	f.release(q)
}

func (f *Fetcher) fetchPayload(ctx context.Context, m *rhizome.Manifest, peer string) error {
	tmp, err := os.CreateTemp(f.cfg.TempDir, "payload."+m.ID.String()+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	path := "/rhizome/file/" + m.FileHash.String()
	if err := f.get(ctx, peer, path, m.FileSize, tmp); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	e, err := f.store.ImportBundle(ctx, m, tmp, nil, nil)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	f.versions.store(m.ID, m.Version)
	f.observer.BundleImported(e, peer)
	return nil
}

func (f *Fetcher) runManifestFetch(ctx context.Context, q *queue, prefix []byte, peer string) {
	var buf strings.Builder
	path := "/rhizome/manifestbyprefix/" + strings.ToUpper(hex.EncodeToString(prefix))
	err := f.get(ctx, peer, path, rhizome.MaxManifestBytes, &buf)
	f.release(q)
	if err != nil {
		f.logger.WithPeer(peer).Error(err, "manifest fetch failed")
		return
	}
	m, err := rhizome.ParseManifest([]byte(buf.String()))
	if err != nil {
		f.logger.WithPeer(peer).Error(err, "peer sent an unparseable manifest")
		return
	}
	if !m.ID.HasPrefix(prefix) {
		f.logger.WithPeer(peer).Warn("peer sent a manifest that does not match the requested prefix")
		return
	}
	f.Suggest(ctx, m, peer)
}

// get performs one HTTP/1.0 GET against peer and copies the body into w.
// Every read resets the idle timeout. Bodies longer than limit are refused.
func (f *Fetcher) get(ctx context.Context, peer, path string, limit int64, w io.Writer) error {
	conn, err := f.cfg.Dial(ctx, "tcp", peer)
	if err != nil {
		return fmt.Errorf("connect %s: %w", peer, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	ic := &idleConn{Conn: conn, timeout: f.cfg.IdleTimeout}
	if _, err := io.WriteString(ic, "GET "+path+" HTTP/1.0\r\n\r\n"); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	buf := make([]byte, maxHeaderBytes)
	n := 0
	for headerEnd(buf[:n]) < 0 {
		if n == len(buf) {
			return ErrHeaderTooLarge
		}
		r, err := ic.Read(buf[n:])
		n += r
		if err != nil {
			if headerEnd(buf[:n]) >= 0 {
				break
			}
			return fmt.Errorf("read response header: %w", err)
		}
	}

	parts, err := UnpackHTTPResponse(buf[:n])
	if err != nil {
		return err
	}
	if parts.Code != 200 {
		return fmt.Errorf("%w: %d %s", ErrBadStatus, parts.Code, parts.Reason)
	}
	if parts.ContentLength < 0 {
		return ErrNoLength
	}
	if parts.ContentLength > limit {
		return fmt.Errorf("%w: body of %d bytes exceeds %d", ErrMalformedResponse, parts.ContentLength, limit)
	}

	body := parts.Body
	if int64(len(body)) > parts.ContentLength {
		body = body[:parts.ContentLength]
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	remaining := parts.ContentLength - int64(len(body))
	copied, err := io.CopyN(w, ic, remaining)
	if err == io.EOF {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortResponse, int64(len(body))+copied, parts.ContentLength)
	}
	return err
}

type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// AnyActive reports whether any fetch slot is in use.
func (f *Fetcher) AnyActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queues {
		if q.slot.active {
			return true
		}
	}
	return false
}

// Snapshot returns the state of every queue.
func (f *Fetcher) Snapshot() []QueueStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]QueueStatus, 0, len(f.queues))
	for _, q := range f.queues {
		st := QueueStatus{Threshold: q.threshold, Capacity: q.capacity, Candidates: []CandidateStatus{}}
		for _, c := range q.candidates {
			st.Candidates = append(st.Candidates, CandidateStatus{
				BundleID: c.manifest.ID,
				Version:  c.manifest.Version,
				FileSize: c.manifest.FileSize,
				Peer:     c.peer,
				Priority: c.priority,
			})
		}
		if q.slot.active {
			ss := &SlotStatus{Peer: q.slot.peer, Started: q.slot.started}
			if m := q.slot.manifest; m != nil {
				id := m.ID
				ss.BundleID = &id
				ss.FileSize = m.FileSize
			} else {
				ss.Prefix = strings.ToUpper(hex.EncodeToString(q.slot.prefix))
			}
			st.Active = ss
		}
		out = append(out, st)
	}
	return out
}
