package service

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/timetrack-api/pkg/hashing"
)

// Login outcomes reported on auth_login_total.
const (
	OutcomeSuccess            = "success"
	OutcomeRateLimited        = "rate_limited"
	OutcomeLocked             = "locked"
	OutcomeJustLocked         = "just_locked"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeSystemError        = "system_error"
)

// MetricsService encapsulates Prometheus instrumentation. All methods are
// safe to call on a nil receiver so services can run without metrics.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	loginTotal      *prometheus.CounterVec
	tokenOps        *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	blacklistCache  *prometheus.CounterVec
	hashDuration    *prometheus.HistogramVec
	maintenance     *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors. keyGauge, when
// non-nil, reports the number of tracked rate-limit keys.
func NewMetricsService(keyGauge func() float64) *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	loginTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_login_total",
		Help: "Login attempts by outcome",
	}, []string{"outcome"})

	tokenOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_token_operations_total",
		Help: "Token operations by kind and result",
	}, []string{"operation", "result"})

	rateLimited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_rate_limited_total",
		Help: "Requests rejected by a rate limiter",
	}, []string{"family"})

	blacklistCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_blacklist_cache_total",
		Help: "Blacklist cache lookups by result",
	}, []string{"result"})

	hashDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auth_hash_duration_seconds",
		Help:    "Duration of argon2id operations",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"operation"})

	maintenance := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_maintenance_rows_total",
		Help: "Rows removed or released by maintenance tasks",
	}, []string{"task"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, loginTotal, tokenOps, rateLimited, blacklistCache, hashDuration, maintenance, goroutines)

	if keyGauge != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "auth_rate_limit_keys",
			Help: "Number of keys tracked by the in-process rate limiter",
		}, keyGauge))
	}

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		loginTotal:      loginTotal,
		tokenOps:        tokenOps,
		rateLimited:     rateLimited,
		blacklistCache:  blacklistCache,
		hashDuration:    hashDuration,
		maintenance:     maintenance,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordLogin counts a login outcome.
func (m *MetricsService) RecordLogin(outcome string) {
	if m == nil {
		return
	}
	m.loginTotal.WithLabelValues(outcome).Inc()
}

// RecordTokenOperation counts issue/validate/refresh/rotate/blacklist/revoke results.
func (m *MetricsService) RecordTokenOperation(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.tokenOps.WithLabelValues(operation, result).Inc()
}

// RecordRateLimited counts a limiter rejection.
func (m *MetricsService) RecordRateLimited(family string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(family).Inc()
}

// RecordBlacklistCache counts a cache lookup.
func (m *MetricsService) RecordBlacklistCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.blacklistCache.WithLabelValues(result).Inc()
}

// ObserveHash records argon2 timing.
func (m *MetricsService) ObserveHash(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.hashDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMaintenance adds the rows affected by a maintenance task.
func (m *MetricsService) RecordMaintenance(task string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.maintenance.WithLabelValues(task).Add(float64(rows))
}

// InstrumentHasher wraps h so every hash and verify is timed.
func (m *MetricsService) InstrumentHasher(h hashing.Hasher) hashing.Hasher {
	if m == nil {
		return h
	}
	return timedHasher{next: h, metrics: m}
}

type timedHasher struct {
	next    hashing.Hasher
	metrics *MetricsService
}

func (t timedHasher) Hash(ctx context.Context, plaintext string) (string, error) {
	start := time.Now()
	defer func() { t.metrics.ObserveHash("hash", time.Since(start)) }()
	return t.next.Hash(ctx, plaintext)
}

func (t timedHasher) Verify(ctx context.Context, plaintext, encoded string) (bool, error) {
	start := time.Now()
	defer func() { t.metrics.ObserveHash("verify", time.Since(start)) }()
	return t.next.Verify(ctx, plaintext, encoded)
}
