package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealthChecker(t *testing.T) {
	keystore := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(keystore+".insecure", []byte("k"), 0o600))

	hc := NewHealthChecker("1.2.3")
	hc.RegisterCheck("database", DatabaseCheck(fakePinger{}))
	hc.RegisterCheck("backlog", BacklogCheck(func() int { return 3 }, 10))

	report := hc.Check(context.Background())
	assert.Equal(t, HealthStatusOK, report.Status)
	assert.Equal(t, "1.2.3", report.Version)
	assert.Len(t, report.Checks, 2)
	assert.Equal(t, "3 adverts deferred", report.Checks["backlog"].Message)

	hc.RegisterCheck("keystore", KeystoreCheck(keystore))
	assert.Equal(t, HealthStatusDegraded, hc.Check(context.Background()).Status)

	hc.RegisterCheck("quic_listener", ListenerCheck("QUIC", func() string { return "" }))
	assert.Equal(t, HealthStatusUnhealthy, hc.Check(context.Background()).Status)
}

func TestKeystoreCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	status, _ := KeystoreCheck(path)(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, status)

	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	status, _ = KeystoreCheck(path)(context.Background())
	assert.Equal(t, HealthStatusOK, status)
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck("database", DatabaseCheck(fakePinger{err: errors.New("closed")}))
	hc.RegisterCheck("backlog", BacklogCheck(func() int { return 50 }, 10))

	rec := httptest.NewRecorder()
	hc.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthStatusUnhealthy, body.Status)
	assert.Equal(t, HealthStatusUnhealthy, body.Checks["database"].Status)
	assert.Contains(t, body.Checks["database"].Message, "closed")
	assert.Equal(t, HealthStatusDegraded, body.Checks["backlog"].Status)
}

func TestMetricsRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordFetchStart()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FetchesActive))
	m.RecordFetchComplete(true, 2048, 300*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.FetchesActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FetchesTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(2048), testutil.ToFloat64(m.FetchBytesTotal))

	m.RecordSuggestion("queued")
	m.RecordImportRejected("older_version")
	m.SetStoreSize(3, 99)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SuggestionsTotal.WithLabelValues("queued")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ImportsRejectedTotal.WithLabelValues("older_version")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.BundlesStored))

	m.RecordQUICConnection("inbound", true)
	m.RecordQUICConnection("inbound", false)
	m.RecordQUICConnectionClose()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.QUICConnectionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QUICConnectionsTotal.WithLabelValues("inbound", "failure")))
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("rhizomed", "test", &buf)
	l.SetLevel("info")
	l.WithComponent("fetch").FetchFailed("ABCD", "10.0.0.1:4110", errors.New("timeout"))
	l.Debug("hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "rhizomed", line["service"])
	assert.Equal(t, "fetch", line["component"])
	assert.Equal(t, "ABCD", line["bundle_id"])
	assert.Equal(t, "timeout", line["error"])
}
