// Package metrics owns the Prometheus collectors the bridge reports
// into. A nil *Metrics is valid and records nothing, which keeps call
// sites free of checks in tests and tools.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	timeBuckets  = []float64{0.001, 0.003, 0.005, 0.010, 0.020, 0.030, 0.050, 0.075, 0.100, 0.250, 0.500, 0.750, 1.0, 2.5, 5, 7.5, 10, 15}
	byteBuckets  = []float64{0, 8, 16, 64, 256, 512, 1024, 2048, 4096}
	retryBuckets = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
)

// dbTimeBuckets scales timeBuckets down for local storage round trips.
func dbTimeBuckets() []float64 {
	out := make([]float64, len(timeBuckets))
	for i, b := range timeBuckets {
		out[i] = b / 100
	}

	return out
}

// TokenCounter reports the number of active and revoked credentials.
type TokenCounter func(ctx context.Context) (active, revoked int64, err error)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	dbErrors  *prometheus.CounterVec
	dbLatency *prometheus.HistogramVec

	serverErrors  *prometheus.CounterVec
	serverLatency *prometheus.HistogramVec
	serverBytes   *prometheus.HistogramVec

	clientErrors  *prometheus.CounterVec
	clientRetries *prometheus.HistogramVec
	clientLatency *prometheus.HistogramVec
	clientBytes   *prometheus.HistogramVec

	tokens *tokenCollector
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dbErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_database_error_total",
			Help: "Database errors.",
		}, []string{"query", "error"}),
		dbLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oauth_database_latency_seconds",
			Help:    "Database query latency.",
			Buckets: dbTimeBuckets(),
		}, []string{"query"}),
		serverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_server_error_total",
			Help: "OAuth errors returned to users.",
		}, []string{"method", "endpoint", "status", "error"}),
		serverLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oauth_server_latency_seconds",
			Help:    "Overall request latency.",
			Buckets: timeBuckets,
		}, []string{"method", "endpoint", "status"}),
		serverBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oauth_server_response_bytes",
			Help:    "Overall response size.",
			Buckets: byteBuckets,
		}, []string{"method", "endpoint", "status"}),
		clientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_client_error_total",
			Help: "OAuth errors from upstream provider.",
		}, []string{"method", "endpoint", "status", "error"}),
		clientRetries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oauth_client_retries",
			Help:    "OAuth fetch retries.",
			Buckets: retryBuckets,
		}, []string{"method", "endpoint", "status"}),
		clientLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oauth_client_latency_seconds",
			Help:    "Upstream request latency.",
			Buckets: timeBuckets,
		}, []string{"method", "endpoint", "status"}),
		clientBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oauth_client_response_bytes",
			Help:    "Upstream response size.",
			Buckets: byteBuckets,
		}, []string{"method", "endpoint", "status"}),
		tokens: &tokenCollector{
			desc: prometheus.NewDesc("oauth_tokens_count", "Number of tokens.", []string{"state"}, nil),
		},
	}

	m.registry.MustRegister(
		m.dbErrors, m.dbLatency,
		m.serverErrors, m.serverLatency, m.serverBytes,
		m.clientErrors, m.clientRetries, m.clientLatency, m.clientBytes,
		m.tokens,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// SetTokenCounter installs the callback used at scrape time for the
// oauth_tokens_count gauge.
func (m *Metrics) SetTokenCounter(fn TokenCounter) {
	if m == nil {
		return
	}

	m.tokens.set(fn)
}

// ObserveQuery records one storage round trip. errLabel is empty on
// success.
func (m *Metrics) ObserveQuery(query string, elapsed time.Duration, errLabel string) {
	if m == nil {
		return
	}

	m.dbLatency.WithLabelValues(query).Observe(elapsed.Seconds())

	if errLabel != "" {
		m.dbErrors.WithLabelValues(query, errLabel).Inc()
	}
}

// ObserveServer records one inbound request. size < 0 skips the size
// histogram.
func (m *Metrics) ObserveServer(method, endpoint string, status int, elapsed time.Duration, size int) {
	if m == nil {
		return
	}

	label := Status(status)
	m.serverLatency.WithLabelValues(method, endpoint, label).Observe(elapsed.Seconds())

	if size >= 0 {
		m.serverBytes.WithLabelValues(method, endpoint, label).Observe(float64(size))
	}
}

// CountServerError records an OAuth error returned to a caller.
func (m *Metrics) CountServerError(method, endpoint string, status int, code string) {
	if m == nil {
		return
	}

	m.serverErrors.WithLabelValues(method, endpoint, Status(status), code).Inc()
}

// ClientAttempt describes one upstream attempt. Status is either a
// Status() label or a network failure classification.
type ClientAttempt struct {
	Endpoint string
	Status   string
	Attempt  int
	Elapsed  time.Duration
	// Size is the response body length, or -1 when no response arrived.
	Size int
	// Error is the renamed upstream error code, empty on success.
	Error string
}

// ObserveClient records one upstream attempt.
func (m *Metrics) ObserveClient(a ClientAttempt) {
	if m == nil {
		return
	}

	m.clientLatency.WithLabelValues(http.MethodPost, a.Endpoint, a.Status).Observe(a.Elapsed.Seconds())
	m.clientRetries.WithLabelValues(http.MethodPost, a.Endpoint, a.Status).Observe(float64(a.Attempt))

	if a.Size >= 0 {
		m.clientBytes.WithLabelValues(http.MethodPost, a.Endpoint, a.Status).Observe(float64(a.Size))
	}

	if a.Error != "" {
		m.clientErrors.WithLabelValues(http.MethodPost, a.Endpoint, a.Status, a.Error).Inc()
	}
}

var (
	statusMu     sync.RWMutex
	statusLabels = map[int]string{http.StatusTooManyRequests: "http_too_many_requests"}
)

// Status turns an HTTP status code into a label such as "http_not_found".
// Codes without a registered text fall back to "http_<code>".
func Status(code int) string {
	statusMu.RLock()
	label, ok := statusLabels[code]
	statusMu.RUnlock()

	if ok {
		return label
	}

	text := http.StatusText(code)
	if text == "" {
		text = strconv.Itoa(code)
	}

	label = "http_" + strings.NewReplacer(" ", "_", "-", "_").Replace(cases.Lower(language.Und).String(text))

	statusMu.Lock()
	statusLabels[code] = label
	statusMu.Unlock()

	return label
}

// tokenCollector calls the installed TokenCounter on every scrape.
type tokenCollector struct {
	desc *prometheus.Desc

	mu sync.RWMutex
	fn TokenCounter
}

func (c *tokenCollector) set(fn TokenCounter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fn = fn
}

func (c *tokenCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *tokenCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	fn := c.fn
	c.mu.RUnlock()

	if fn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	active, revoked, err := fn(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, errors.Join(errTokenCount, err))
		return
	}

	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(active), "active")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(revoked), "revoked")
}

var errTokenCount = errors.New("counting tokens")
