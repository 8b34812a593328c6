package server

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhizomemesh/rhizome/daemon/service"
	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/crypto"
	"github.com/rhizomemesh/rhizome/internal/observability"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

type testAPI struct {
	srv     *httptest.Server
	svc     *service.RhizomeService
	id      *crypto.Identity
	metrics *observability.Metrics
}

func newTestAPI(t *testing.T, auth Auth) *testAPI {
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
	svc, err := service.NewRhizomeService(service.DefaultConfig(dir), st, id, nil, nil, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	srv := httptest.NewServer(NewDaemonAPIServer(svc, auth, nil).Handler())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, svc: svc, id: id, metrics: metrics}
}

type part struct{ name, body string }

func (a *testAPI) insert(t *testing.T, parts ...part) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		w, err := mw.CreateFormFile(p.name, p.name)
		require.NoError(t, err)
		_, err = io.WriteString(w, p.body)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(a.srv.URL+"/restful/rhizome/insert", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (a *testAPI) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(a.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) JSONError {
	t.Helper()
	var e JSONError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func TestInsertAndFetchRaw(t *testing.T) {
	a := newTestAPI(t, Auth{})

	resp := a.insert(t, part{"manifest", "service=file\nname=Grüße.txt\n"}, part{"payload", "hello rhizome"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	m, err := rhizome.ParseManifest(body)
	require.NoError(t, err)
	require.NoError(t, m.Verify())
	assert.Equal(t, "Grüße.txt", m.Name)
	assert.Equal(t, int64(13), m.FileSize)
	assert.Equal(t, m.ID.String(), resp.Header.Get(rhizome.HeaderBundleID))
	assert.NotEmpty(t, resp.Header.Get(rhizome.HeaderBundleSecret))
	assert.Equal(t, a.id.SID().String(), resp.Header.Get(rhizome.HeaderBundleAuthor))

	raw := a.get(t, "/restful/rhizome/"+m.ID.String()+"/raw.bin")
	require.Equal(t, http.StatusOK, raw.StatusCode)
	payload, err := io.ReadAll(raw.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello rhizome", string(payload))
	assert.Equal(t, "13", raw.Header.Get("Content-Length"))

	name, err := new(mime.WordDecoder).DecodeHeader(raw.Header.Get(rhizome.HeaderBundleName))
	require.NoError(t, err)
	assert.Equal(t, "Grüße.txt", name)

	wire, err := base64.StdEncoding.DecodeString(raw.Header.Get(rhizome.HeaderBundleManifest))
	require.NoError(t, err)
	assert.Equal(t, body, wire)
}

func TestInsertWithoutPayload(t *testing.T) {
	a := newTestAPI(t, Auth{})

	resp := a.insert(t, part{"manifest", "service=file\n"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", decodeError(t, resp).Code)
}

func TestInsertUpdateRequiresSecret(t *testing.T) {
	a := newTestAPI(t, Auth{})

	first := a.insert(t, part{"payload", "v1"})
	require.Equal(t, http.StatusCreated, first.StatusCode)
	bid := first.Header.Get(rhizome.HeaderBundleID)
	secret := first.Header.Get(rhizome.HeaderBundleSecret)

	resp := a.insert(t, part{"manifest", "id=" + bid + "\n"}, part{"payload", "v2"})
	assert.Equal(t, "FAILED_PRECONDITION", decodeError(t, resp).Code)

	resp = a.insert(t, part{"bundle-secret", secret}, part{"manifest", "id=" + bid + "\n"}, part{"payload", "v2"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, bid, resp.Header.Get(rhizome.HeaderBundleID))
	assert.Equal(t, "2", resp.Header.Get(rhizome.HeaderBundleFilesize))
}

func TestManifestRoute(t *testing.T) {
	a := newTestAPI(t, Auth{})
	resp := a.insert(t, part{"payload", "abc"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bid := resp.Header.Get(rhizome.HeaderBundleID)

	got := a.get(t, "/restful/rhizome/"+bid+".rhm")
	require.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "application/vnd.rhizome.manifest", got.Header.Get("Content-Type"))
	assert.NotEmpty(t, got.Header.Get(rhizome.HeaderBundleRowID))

	assert.Equal(t, http.StatusNotFound, a.get(t, "/restful/rhizome/"+bid+".txt").StatusCode)

	bad := a.get(t, "/restful/rhizome/ZZ.rhm")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestBundleListFilters(t *testing.T) {
	a := newTestAPI(t, Auth{})
	require.Equal(t, http.StatusCreated, a.insert(t, part{"manifest", "service=file\n"}, part{"payload", "one"}).StatusCode)
	require.Equal(t, http.StatusCreated, a.insert(t, part{"manifest", "service=chat\n"}, part{"payload", "two"}).StatusCode)

	var all BundleListJSON
	require.NoError(t, json.NewDecoder(a.get(t, "/restful/rhizome/bundlelist.json").Body).Decode(&all))
	assert.Equal(t, BundleListHeader, all.Header)
	assert.Len(t, all.Rows, 2)

	var files BundleListJSON
	require.NoError(t, json.NewDecoder(a.get(t, "/restful/rhizome/bundlelist.json?service=file").Body).Decode(&files))
	require.Len(t, files.Rows, 1)
	assert.Equal(t, "file", files.Rows[0][1])
	assert.Equal(t, float64(1), files.Rows[0][7], "authored here")

	resp := a.get(t, "/restful/rhizome/bundlelist.json?limit=x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteBundle(t *testing.T) {
	a := newTestAPI(t, Auth{})
	bid := a.insert(t, part{"payload", "gone soon"}).Header.Get(rhizome.HeaderBundleID)

	req, err := http.NewRequest(http.MethodDelete, a.srv.URL+"/restful/rhizome/"+bid, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got := a.get(t, "/restful/rhizome/"+bid+".rhm")
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeError(t, got).Code)
}

func TestPeerRoutes(t *testing.T) {
	a := newTestAPI(t, Auth{Token: "sekrit"})
	e, err := a.svc.Insert(t.Context(), service.InsertRequest{Payload: bytes.NewReader([]byte("peer data"))})
	require.NoError(t, err)

	file := a.get(t, "/rhizome/file/"+e.Manifest.FileHash.String())
	require.Equal(t, http.StatusOK, file.StatusCode)
	assert.Equal(t, "9", file.Header.Get("Content-Length"))
	data, err := io.ReadAll(file.Body)
	require.NoError(t, err)
	assert.Equal(t, "peer data", string(data))

	byPrefix := a.get(t, "/rhizome/manifestbyprefix/"+hex.EncodeToString(e.Manifest.ID[:4]))
	require.Equal(t, http.StatusOK, byPrefix.StatusCode)
	wire, err := io.ReadAll(byPrefix.Body)
	require.NoError(t, err)
	assert.Equal(t, e.Manifest.Bytes(), wire)

	assert.Equal(t, http.StatusNotFound, a.get(t, "/rhizome/manifestbyprefix/00000000").StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.get(t, "/rhizome/file/nothex").StatusCode)
}

func TestAuth(t *testing.T) {
	a := newTestAPI(t, Auth{Username: "user", Password: "pass", Token: "sekrit"})

	resp := a.get(t, "/restful/keyring/identity")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	req, err := http.NewRequest(http.MethodGet, a.srv.URL+"/restful/keyring/identity", nil)
	require.NoError(t, err)
	req.SetBasicAuth("user", "pass")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ident IdentityJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ident))
	assert.Equal(t, a.id.SID().String(), ident.SID)

	req.Header.Del("Authorization")
	req.Header.Set("X-Auth-Token", "sekrit")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestStatusAndMetrics(t *testing.T) {
	a := newTestAPI(t, Auth{})
	require.Equal(t, http.StatusCreated, a.insert(t, part{"payload", "12345"}).StatusCode)
	sub := a.svc.Events().Subscribe("")
	defer a.svc.Events().Unsubscribe(sub.ID)

	resp := a.get(t, "/restful/rhizome/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st StatusJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 1, st.Bundles)
	assert.Equal(t, int64(5), st.Bytes)
	assert.Len(t, st.Queues, 5)
	assert.False(t, st.AnyActive)
	assert.Equal(t, 1, st.Subscribers)

	// counted after the handler returns, which may trail the client
	counted := func(route, code string) func() bool {
		return func() bool {
			return testutil.ToFloat64(a.metrics.HTTPRequestsTotal.WithLabelValues(route, code)) == 1
		}
	}
	assert.Eventually(t, counted("POST /restful/rhizome/insert", "201"), time.Second, 10*time.Millisecond)
	assert.Eventually(t, counted("GET /restful/rhizome/status", "200"), time.Second, 10*time.Millisecond)
}

func TestEventStream(t *testing.T) {
	a := newTestAPI(t, Auth{})

	resp := a.get(t, "/restful/rhizome/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	e, err := a.svc.Insert(t.Context(), service.InsertRequest{Payload: bytes.NewReader([]byte("event"))})
	require.NoError(t, err)

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev BundleEventJSON
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		assert.Equal(t, "BUNDLE_ADDED", ev.EventType)
		assert.Equal(t, e.Manifest.ID.String(), ev.BundleID)
		return
	}
	t.Fatalf("stream ended: %v", sc.Err())
}
