package rhizomeclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhizomemesh/rhizome/daemon/api/server"
	"github.com/rhizomemesh/rhizome/daemon/service"
	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/crypto"
	"github.com/rhizomemesh/rhizome/internal/observability"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

func newDaemon(t *testing.T, auth server.Auth) (*httptest.Server, *service.RhizomeService, *crypto.Identity) {
	t.Helper()
	dir := t.TempDir()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	box, err := crypto.NewSecretBox(id)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(dir, "store"), box)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc, err := service.NewRhizomeService(service.DefaultConfig(dir), st, id, nil, nil,
		observability.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	srv := httptest.NewServer(server.NewDaemonAPIServer(svc, auth, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, svc, id
}

// countingTransport counts Close calls on response bodies.
type countingTransport struct {
	closes atomic.Int32
}

type countingBody struct {
	io.ReadCloser
	t *countingTransport
}

func (b *countingBody) Close() error {
	b.t.closes.Add(1)
	return b.ReadCloser.Close()
}

func (ct *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &countingBody{ReadCloser: resp.Body, t: ct}
	return resp, nil
}

func TestInsertThenPayloadRaw(t *testing.T) {
	srv, _, id := newDaemon(t, server.Auth{})
	c := New(srv.URL)
	ctx := context.Background()

	res, err := c.Insert(ctx, InsertRequest{
		Manifest: []byte("name=notes.txt\n"),
		Payload:  bytes.NewReader([]byte("some notes")),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Secret)
	assert.Equal(t, res.Manifest.ID, res.Secret.BundleID())

	b, err := c.PayloadRaw(ctx, res.Manifest.ID)
	require.NoError(t, err)
	defer b.RawPayload().Close()

	assert.Equal(t, res.Manifest.Bytes(), b.Manifest().Bytes())
	assert.Equal(t, "notes.txt", b.Manifest().Name)
	data, err := io.ReadAll(b.RawPayload())
	require.NoError(t, err)
	assert.Equal(t, "some notes", string(data))

	_, ok := b.RowID()
	assert.True(t, ok)
	_, ok = b.InsertTime()
	assert.True(t, ok)
	author, ok := b.Author()
	require.True(t, ok)
	assert.Equal(t, id.SID(), author)
	secret, ok := b.Secret()
	require.True(t, ok)
	assert.Equal(t, *res.Secret, secret)
}

func TestPayloadRawNotFound(t *testing.T) {
	srv, _, _ := newDaemon(t, server.Auth{})
	c := New(srv.URL)

	var missing rhizome.BundleID
	missing[0] = 0xAB
	_, err := c.PayloadRaw(context.Background(), missing)
	assert.ErrorIs(t, err, ErrBundleNotFound)

	err = c.WithPayloadRaw(context.Background(), missing, func(*rhizome.PayloadRawBundle) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrBundleNotFound)
}

func TestStatusError(t *testing.T) {
	srv, _, _ := newDaemon(t, server.Auth{Token: "right"})
	c := New(srv.URL, WithToken("wrong"))

	_, err := c.List(context.Background(), ListOptions{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", se.Code)

	ok := New(srv.URL, WithToken("right"))
	_, err = ok.List(context.Background(), ListOptions{})
	assert.NoError(t, err)
}

func TestPayloadRawAbsentOptionalHeaders(t *testing.T) {
	secret, err := crypto.GenerateBundleSecret()
	require.NoError(t, err)
	m := &rhizome.Manifest{ID: secret.BundleID(), Version: 7, Service: "file"}
	require.NoError(t, m.Sign(secret))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(rhizome.HeaderBundleManifest, base64.StdEncoding.EncodeToString(m.Bytes()))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := New(srv.URL).PayloadRaw(context.Background(), m.ID)
	require.NoError(t, err)
	defer b.RawPayload().Close()

	_, ok := b.RowID()
	assert.False(t, ok)
	_, ok = b.InsertTime()
	assert.False(t, ok)
	_, ok = b.Author()
	assert.False(t, ok)
	_, ok = b.Secret()
	assert.False(t, ok)
	data, err := io.ReadAll(b.RawPayload())
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestPayloadRawMalformedHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(rhizome.HeaderBundleManifest, "%%%")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ct := &countingTransport{}
	c := New(srv.URL, WithHTTPClient(&http.Client{Transport: ct}))
	_, err := c.PayloadRaw(context.Background(), rhizome.BundleID{1})
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, int32(1), ct.closes.Load(), "body closed on the error path")
}

func TestWithPayloadRawClosesOnce(t *testing.T) {
	srv, svc, _ := newDaemon(t, server.Auth{})
	e, err := svc.Insert(context.Background(), service.InsertRequest{Payload: bytes.NewReader([]byte("scoped"))})
	require.NoError(t, err)

	ct := &countingTransport{}
	c := New(srv.URL, WithHTTPClient(&http.Client{Transport: ct}))
	boom := errors.New("boom")

	err = c.WithPayloadRaw(context.Background(), e.Manifest.ID, func(b *rhizome.PayloadRawBundle) error {
		data, err := io.ReadAll(b.RawPayload())
		require.NoError(t, err)
		assert.Equal(t, "scoped", string(data))
		// closing early is allowed and must not close twice
		b.RawPayload().Close()
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), ct.closes.Load())
}

func TestManifestListDelete(t *testing.T) {
	srv, _, _ := newDaemon(t, server.Auth{Username: "u", Password: "p"})
	c := New(srv.URL, WithBasicAuth("u", "p"))
	ctx := context.Background()

	a, err := c.Insert(ctx, InsertRequest{Manifest: []byte("service=file\n"), Payload: bytes.NewReader([]byte("a"))})
	require.NoError(t, err)
	_, err = c.Insert(ctx, InsertRequest{Manifest: []byte("service=chat\n"), Payload: bytes.NewReader([]byte("bb"))})
	require.NoError(t, err)

	m, err := c.Manifest(ctx, a.Manifest.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Manifest.Version, m.Version)

	all, err := c.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	files, err := c.List(ctx, ListOptions{Service: "file"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, a.Manifest.ID, files[0].ID)
	assert.Equal(t, int64(1), files[0].FileSize)
	assert.True(t, files[0].FromHere)
	assert.NotZero(t, files[0].RowID)

	ident, err := c.Identity(ctx)
	require.NoError(t, err)
	assert.Len(t, ident.SID, 2*rhizome.SubscriberIDBytes)

	require.NoError(t, c.Delete(ctx, a.Manifest.ID))
	_, err = c.Manifest(ctx, a.Manifest.ID)
	assert.ErrorIs(t, err, ErrBundleNotFound)
	assert.ErrorIs(t, c.Delete(ctx, a.Manifest.ID), ErrBundleNotFound)
}
