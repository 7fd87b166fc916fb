// Package metrics exposes cache, invalidation and warming counters to
// Prometheus. A Metrics value satisfies the observer interfaces of the
// readthrough, invalidation, warming and facade packages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	invalidatedKeys  prometheus.Counter
	invalidationErrs prometheus.Counter
	warmRuns         *prometheus.CounterVec
	warmRequests     *prometheus.CounterVec
	warmDuration     *prometheus.HistogramVec
	backendErrors    *prometheus.CounterVec
}

// New registers the collectors on a fresh registry along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "readcache_requests_total",
			Help: "Cacheable reads by namespace and outcome (hit, miss, refresh, bypass, error)",
		}, []string{"namespace", "result"}),
		invalidatedKeys: f.NewCounter(prometheus.CounterOpts{
			Name: "readcache_invalidated_keys_total",
			Help: "Total number of cache keys removed by invalidation",
		}),
		invalidationErrs: f.NewCounter(prometheus.CounterOpts{
			Name: "readcache_invalidation_failures_total",
			Help: "Total number of invalidations that failed against the cache",
		}),
		warmRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "readcache_warm_runs_total",
			Help: "Warm runs by domain and result",
		}, []string{"domain", "result"}),
		warmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "readcache_warm_requests_total",
			Help: "Warming reads by domain and result",
		}, []string{"domain", "result"}),
		warmDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "readcache_warm_duration_seconds",
			Help:    "Duration of warm runs in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"domain"}),
		backendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "readcache_backend_errors_total",
			Help: "Cache backend failures by operation",
		}, []string{"op"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveLookup(namespace, result string) {
	m.requests.WithLabelValues(namespace, result).Inc()
}

func (m *Metrics) ObserveBackendError(op string, err error) {
	m.backendErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveInvalidation(target string, removed int, err error) {
	if err != nil {
		m.invalidationErrs.Inc()
		m.backendErrors.WithLabelValues("invalidate").Inc()
		return
	}
	m.invalidatedKeys.Add(float64(removed))
}

func (m *Metrics) ObserveWarmRun(domain string, ok bool, elapsed time.Duration) {
	m.warmRuns.WithLabelValues(domain, result(ok)).Inc()
	m.warmDuration.WithLabelValues(domain).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveWarmRequest(domain string, ok bool) {
	m.warmRequests.WithLabelValues(domain, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
