package observability

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Store metrics
	BundlesStored        prometheus.Gauge
	BundleBytesStored    prometheus.Gauge
	BundlesImportedTotal *prometheus.CounterVec
	ImportsRejectedTotal *prometheus.CounterVec
	BlobsCollectedTotal  prometheus.Counter

	// Fetch metrics
	SuggestionsTotal *prometheus.CounterVec
	FetchesTotal     *prometheus.CounterVec
	FetchesActive    prometheus.Gauge
	FetchDuration    prometheus.Histogram
	FetchBytesTotal  prometheus.Counter
	BacklogDepth     prometheus.Gauge

	// Transport metrics
	AdvertsSentTotal      prometheus.Counter
	AdvertsReceivedTotal  prometheus.Counter
	QUICConnectionsTotal  *prometheus.CounterVec
	QUICConnectionsActive prometheus.Gauge
	HTTPRequestsTotal     *prometheus.CounterVec

	registry prometheus.Gatherer

	// Active fetches counter (atomic for thread-safety)
	activeFetches int64
}

// NewMetrics creates and registers all Prometheus metrics with reg. A nil
// reg uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)

	m := &Metrics{
		BundlesStored: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "rhizome_bundles_stored",
				Help: "Bundles currently held in the store",
			},
		),

		BundleBytesStored: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "rhizome_bundle_bytes_stored",
				Help: "Total payload bytes of stored bundles",
			},
		),

		BundlesImportedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhizome_bundles_imported_total",
				Help: "Bundles written to the store",
			},
			[]string{"source"},
		),

		ImportsRejectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhizome_imports_rejected_total",
				Help: "Bundle imports refused by the store",
			},
			[]string{"reason"},
		),

		BlobsCollectedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "rhizome_blobs_collected_total",
				Help: "Unreferenced payload blobs removed by GC",
			},
		),

		SuggestionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhizome_fetch_suggestions_total",
				Help: "Advertised manifests considered for fetching, by outcome",
			},
			[]string{"outcome"},
		),

		FetchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhizome_fetches_total",
				Help: "Payload fetches finished, by result",
			},
			[]string{"result"},
		),

		FetchesActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "rhizome_fetches_active",
				Help: "Fetch slots currently in use",
			},
		),

		FetchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rhizome_fetch_duration_seconds",
				Help:    "Payload fetch time distribution",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		FetchBytesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "rhizome_fetch_bytes_total",
				Help: "Payload bytes received from peers",
			},
		),

		BacklogDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "rhizome_backlog_depth",
				Help: "Adverts waiting for a free fetch queue",
			},
		),

		AdvertsSentTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "rhizome_adverts_sent_total",
				Help: "Manifests advertised to peers",
			},
		),

		AdvertsReceivedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "rhizome_adverts_received_total",
				Help: "Manifests advertised by peers",
			},
		),

		QUICConnectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhizome_quic_connections_total",
				Help: "QUIC connection attempts",
			},
			[]string{"direction", "result"},
		),

		QUICConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "rhizome_quic_connections_active",
				Help: "Active QUIC connections",
			},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhizome_http_requests_total",
				Help: "HTTP requests served, by route and status code",
			},
			[]string{"route", "code"},
		),

		registry: gatherer,
	}

	return m
}

// RecordFetchStart increments active fetch counters.
func (m *Metrics) RecordFetchStart() {
	atomic.AddInt64(&m.activeFetches, 1)
	m.FetchesActive.Set(float64(atomic.LoadInt64(&m.activeFetches)))
}

// RecordFetchComplete records fetch completion metrics.
func (m *Metrics) RecordFetchComplete(success bool, bytes int64, duration time.Duration) {
	atomic.AddInt64(&m.activeFetches, -1)
	m.FetchesActive.Set(float64(atomic.LoadInt64(&m.activeFetches)))

	result := "completed"
	if !success {
		result = "failed"
	}
	m.FetchesTotal.WithLabelValues(result).Inc()
	if success {
		m.FetchDuration.Observe(duration.Seconds())
		m.FetchBytesTotal.Add(float64(bytes))
	}
}

// RecordSuggestion counts one Suggest outcome.
func (m *Metrics) RecordSuggestion(outcome string) {
	m.SuggestionsTotal.WithLabelValues(outcome).Inc()
}

// RecordImport counts a bundle written to the store.
func (m *Metrics) RecordImport(source string) {
	m.BundlesImportedTotal.WithLabelValues(source).Inc()
}

// RecordImportRejected counts a refused import.
func (m *Metrics) RecordImportRejected(reason string) {
	m.ImportsRejectedTotal.WithLabelValues(reason).Inc()
}

// SetStoreSize updates the stored bundle gauges.
func (m *Metrics) SetStoreSize(bundles int, bytes int64) {
	m.BundlesStored.Set(float64(bundles))
	m.BundleBytesStored.Set(float64(bytes))
}

// RecordQUICConnection logs QUIC connection attempts.
func (m *Metrics) RecordQUICConnection(direction string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.QUICConnectionsTotal.WithLabelValues(direction, result).Inc()

	if success {
		m.QUICConnectionsActive.Inc()
	}
}

// RecordQUICConnectionClose updates metrics for closed QUIC connections.
func (m *Metrics) RecordQUICConnectionClose() {
	m.QUICConnectionsActive.Dec()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
