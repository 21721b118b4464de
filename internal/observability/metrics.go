package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so that several instances (tests, the
// serverless entry point) never collide on the global one.
type Metrics struct {
	registry        *prometheus.Registry
	authAttempts    *prometheus.CounterVec
	bruteForceBlock *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_attempts_total",
			Help: "Authentication flow transitions by event and outcome.",
		}, []string{"event", "outcome"}),
		bruteForceBlock: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bruteforce_blocks_total",
			Help: "Requests rejected by the brute-force guard.",
		}, []string{"route"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.authAttempts,
		m.bruteForceBlock,
		m.requestDuration,
	)
	return m
}

func (m *Metrics) ObserveAuthAttempt(event, outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) ObserveBruteForceBlock(route string) {
	if m == nil {
		return
	}
	m.bruteForceBlock.WithLabelValues(route).Inc()
}

func (m *Metrics) observeRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
