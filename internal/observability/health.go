package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) worse(o HealthStatus) bool {
	rank := map[HealthStatus]int{HealthStatusOK: 0, HealthStatusDegraded: 1, HealthStatusUnhealthy: 2}
	return rank[s] > rank[o]
}

// CheckResult is one component's entry in a health report.
type CheckResult struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms"`
}

// HealthReport is the /health response body.
type HealthReport struct {
	Status        HealthStatus           `json:"status"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Checks        map[string]CheckResult `json:"checks"`
}

// CheckFunc inspects one component. The checker times it.
type CheckFunc func(ctx context.Context) (HealthStatus, string)

// HealthChecker runs the registered checks concurrently and reports the
// worst status among them.
type HealthChecker struct {
	version string
	started time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version, started: time.Now(), checks: make(map[string]CheckFunc)}
}

func (hc *HealthChecker) RegisterCheck(name string, fn CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = fn
}

func (hc *HealthChecker) Check(ctx context.Context) HealthReport {
	hc.mu.RLock()
	checks := make(map[string]CheckFunc, len(hc.checks))
	for name, fn := range hc.checks {
		checks[name] = fn
	}
	hc.mu.RUnlock()

	report := HealthReport{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.started).Seconds()),
		Checks:        make(map[string]CheckResult, len(checks)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			status, msg := fn(ctx)
			res := CheckResult{Status: status, Message: msg, LatencyMS: time.Since(start).Milliseconds()}

			mu.Lock()
			defer mu.Unlock()
			report.Checks[name] = res
			if status.worse(report.Status) {
				report.Status = status
			}
		}()
	}
	wg.Wait()
	return report
}

// Handler serves the report; only unhealthy maps to 503.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := hc.Check(ctx)
		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseCheck runs a real query against the store database. Answers
// slower than 50ms are degraded.
func DatabaseCheck(db Pinger) CheckFunc {
	return func(ctx context.Context) (HealthStatus, string) {
		start := time.Now()
		if err := db.Ping(ctx); err != nil {
			return HealthStatusUnhealthy, fmt.Sprintf("store database unreachable: %v", err)
		}
		if time.Since(start) > 50*time.Millisecond {
			return HealthStatusDegraded, "store database slow"
		}
		return HealthStatusOK, ""
	}
}

// ListenerCheck is healthy once addr returns a bound address.
func ListenerCheck(kind string, addr func() string) CheckFunc {
	return func(context.Context) (HealthStatus, string) {
		a := addr()
		if a == "" {
			return HealthStatusUnhealthy, kind + " listener not bound"
		}
		return HealthStatusOK, kind + " listener on " + a
	}
}

// KeystoreCheck looks for the identity keystore at path. A key kept
// without a passphrase is degraded.
func KeystoreCheck(path string) CheckFunc {
	return func(context.Context) (HealthStatus, string) {
		if _, err := os.Stat(path); err == nil {
			return HealthStatusOK, ""
		}
		if _, err := os.Stat(path + ".insecure"); err == nil {
			return HealthStatusDegraded, "identity stored without a passphrase"
		}
		return HealthStatusUnhealthy, "identity keystore missing"
	}
}

// BacklogCheck degrades once more than warn adverts wait for a free fetch queue.
func BacklogCheck(length func() int, warn int) CheckFunc {
	return func(context.Context) (HealthStatus, string) {
		n := length()
		if n > warn {
			return HealthStatusDegraded, fmt.Sprintf("%d adverts deferred", n)
		}
		return HealthStatusOK, fmt.Sprintf("%d adverts deferred", n)
	}
}
