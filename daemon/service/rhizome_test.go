package service

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhizomemesh/rhizome/daemon/fetch"
	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/bundle"
	"github.com/rhizomemesh/rhizome/internal/crypto"
	"github.com/rhizomemesh/rhizome/internal/observability"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

type fixture struct {
	svc     *RhizomeService
	store   *store.Store
	id      *crypto.Identity
	metrics *observability.Metrics
	events  *EventSubscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	box, err := crypto.NewSecretBox(id)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(dir, "store"), box)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	events := NewEventPublisher(32)
	cfg := DefaultConfig(dir)
	cfg.Fetch.Seed = 1
	svc, err := NewRhizomeService(cfg, st, id, events, nil, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return &fixture{svc: svc, store: st, id: id, metrics: metrics, events: events.Subscribe("")}
}

func (f *fixture) nextEvent(t *testing.T) *BundleEvent {
	t.Helper()
	select {
	case ev := <-f.events.Channel:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func signed(t *testing.T, secret rhizome.BundleSecret, version int64, payload []byte) *rhizome.Manifest {
	t.Helper()
	m := &rhizome.Manifest{ID: secret.BundleID(), Version: version, FileSize: int64(len(payload)), Service: "file"}
	if len(payload) > 0 {
		h, _, err := crypto.HashPayload(bytes.NewReader(payload))
		require.NoError(t, err)
		m.FileHash = h
	}
	require.NoError(t, m.Sign(secret))
	return m
}

func TestAddBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var hooked []*store.Entry
	f.svc.OnBundleAdded(func(e *store.Entry) { hooked = append(hooked, e) })

	e, err := f.svc.AddBundle(ctx, bytes.NewReader([]byte("hello rhizome")), bundle.Options{Name: "hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", e.Manifest.Name)
	assert.Equal(t, f.id.SID(), *e.Author)
	assert.True(t, e.HasSecret)
	assert.Len(t, hooked, 1)

	ev := f.nextEvent(t)
	assert.Equal(t, EventBundleAdded, ev.Type)
	assert.Equal(t, e.Manifest.ID.String(), ev.BundleID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BundlesImportedTotal.WithLabelValues("local")))

	raw, err := f.store.RawBundle(ctx, e.Manifest.ID)
	require.NoError(t, err)
	defer raw.RawPayload().Close()
	body, err := io.ReadAll(raw.RawPayload())
	require.NoError(t, err)
	assert.Equal(t, "hello rhizome", string(body))
	secret, ok := raw.Secret()
	require.True(t, ok)
	assert.Equal(t, e.Manifest.ID, secret.BundleID())
}

func TestAddBundleRequiresPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AddBundle(context.Background(), nil, bundle.Options{})
	assert.ErrorIs(t, err, ErrMissingPayload)
}

func TestInsertPartialManifest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.Insert(ctx, InsertRequest{
		Manifest: []byte("name=report.pdf\nservice=MeshMS2\nversion=1\nflavour=sweet\n"),
		Payload:  bytes.NewReader([]byte("pdf bytes")),
	})
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", e.Manifest.Name)
	assert.Equal(t, "MeshMS2", e.Manifest.Service)
	assert.Equal(t, "sweet", e.Manifest.Extra["flavour"])
	assert.NotEqual(t, int64(1), e.Manifest.Version, "version is always computed")

	// A new version of the same bundle needs its secret.
	update := []byte("id=" + e.Manifest.ID.String() + "\nname=report-v2.pdf\n")
	_, err = f.svc.Insert(ctx, InsertRequest{Manifest: update, Payload: bytes.NewReader([]byte("v2"))})
	assert.ErrorIs(t, err, ErrSecretRequired)

	other, err := crypto.GenerateBundleSecret()
	require.NoError(t, err)
	_, err = f.svc.Insert(ctx, InsertRequest{Manifest: update, Payload: bytes.NewReader([]byte("v2")), Secret: &other})
	assert.ErrorIs(t, err, rhizome.ErrSecretMismatch)

	raw, err := f.store.RawBundle(ctx, e.Manifest.ID)
	require.NoError(t, err)
	raw.RawPayload().Close()
	secret, _ := raw.Secret()
	time.Sleep(2 * time.Millisecond) // versions are millisecond timestamps
	e2, err := f.svc.Insert(ctx, InsertRequest{Manifest: update, Payload: bytes.NewReader([]byte("v2")), Secret: &secret})
	require.NoError(t, err)
	assert.Equal(t, e.Manifest.ID, e2.Manifest.ID)
	assert.Equal(t, "report-v2.pdf", e2.Manifest.Name)
	assert.Greater(t, e2.Manifest.Version, e.Manifest.Version)
}

func TestInsertSignedManifest(t *testing.T) {
	f := newFixture(t)
	secret, err := crypto.GenerateBundleSecret()
	require.NoError(t, err)
	payload := []byte("signed elsewhere")
	m := signed(t, secret, 77, payload)

	e, err := f.svc.Insert(context.Background(), InsertRequest{Manifest: m.Bytes(), Payload: bytes.NewReader(payload)})
	require.NoError(t, err)
	assert.Equal(t, int64(77), e.Manifest.Version)
	assert.Nil(t, e.Author)
	assert.False(t, e.HasSecret)

	_, err = f.svc.Insert(context.Background(), InsertRequest{Manifest: m.Bytes(), Payload: bytes.NewReader(payload)})
	assert.ErrorIs(t, err, store.ErrSameVersion)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ImportsRejectedTotal.WithLabelValues("same_version")))
}

func TestHandleAdvertDefersWhenQueueFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		secret, err := crypto.GenerateBundleSecret()
		require.NoError(t, err)
		f.svc.HandleAdvert(ctx, signed(t, secret, 1, []byte("small "+strconv.Itoa(i))), "127.0.0.1:1")
	}
	assert.Equal(t, 1, f.svc.BacklogLen())
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.SuggestionsTotal.WithLabelValues(fetch.SuggestQueued.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SuggestionsTotal.WithLabelValues(fetch.SuggestQueueFull.String())))

	// Still full: the retry puts it back.
	f.svc.worker.RunOnce(ctx)
	assert.Equal(t, 1, f.svc.BacklogLen())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BacklogDepth))
}

func TestHandleAdvertEmptyPayloadImports(t *testing.T) {
	f := newFixture(t)
	secret, err := crypto.GenerateBundleSecret()
	require.NoError(t, err)
	m := signed(t, secret, 3, nil)

	f.svc.HandleAdvert(context.Background(), m, "10.0.0.9:4110")

	ev := f.nextEvent(t)
	assert.Equal(t, EventBundleImported, ev.Type)
	assert.Equal(t, "10.0.0.9:4110", ev.Peer)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BundlesImportedTotal.WithLabelValues("peer")))

	v, ok, err := f.store.StoredVersion(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), v)
}

func TestDeletePublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.AddBundle(ctx, bytes.NewReader([]byte("x")), bundle.Options{})
	require.NoError(t, err)
	f.nextEvent(t)

	require.NoError(t, f.svc.Delete(ctx, e.Manifest.ID))
	ev := f.nextEvent(t)
	assert.Equal(t, EventBundleDeleted, ev.Type)

	assert.ErrorIs(t, f.svc.Delete(ctx, e.Manifest.ID), store.ErrNotFound)
}

func TestFetchObserverRecordsCompletion(t *testing.T) {
	f := newFixture(t)
	secret, err := crypto.GenerateBundleSecret()
	require.NoError(t, err)
	m := signed(t, secret, 1, nil)

	obs := (*fetchObserver)(f.svc)
	obs.FetchStarted(m, "peer:1")
	assert.Equal(t, EventFetchStarted, f.nextEvent(t).Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FetchesActive))

	e, err := f.store.ImportBundle(context.Background(), m, nil, nil, nil)
	require.NoError(t, err)
	obs.BundleImported(e, "peer:1")

	assert.Equal(t, EventFetchCompleted, f.nextEvent(t).Type)
	assert.Equal(t, EventBundleImported, f.nextEvent(t).Type)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.FetchesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FetchesTotal.WithLabelValues("completed")))
}
