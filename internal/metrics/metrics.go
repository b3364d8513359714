// Package metrics exposes Prometheus instrumentation for HTTP traffic and
// the database pool.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/notesd/apiserver/internal/db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notesd"

// PoolStats is the read-only view of a pool used by the collector.
// *db.Pool implements it.
type PoolStats interface {
	Name() string
	Status() db.Status
	Acquired() uint64
	Timeouts() uint64
}

// Metrics owns a private registry. Nothing is registered globally.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed, by route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_inflight_requests",
			Help:      "Requests currently being served.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.inflight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterPool adds a collector for p. Registering the same pool name twice
// is an error.
func (m *Metrics) RegisterPool(p PoolStats) error {
	return m.registry.Register(newPoolCollector(p))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records count, latency and in-flight requests. Routes are
// labelled by their chi pattern so path parameters do not explode
// cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inflight.Inc()
		defer m.inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		method := strings.ToUpper(r.Method)
		m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type poolCollector struct {
	pool PoolStats

	capacity   *prometheus.Desc
	inUse      *prometheus.Desc
	idle       *prometheus.Desc
	saturation *prometheus.Desc
	ready      *prometheus.Desc
	acquired   *prometheus.Desc
	timeouts   *prometheus.Desc
}

func newPoolCollector(p PoolStats) *poolCollector {
	labels := prometheus.Labels{"pool": p.Name()}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, nil, labels)
	}
	return &poolCollector{
		pool:       p,
		capacity:   desc("capacity", "Maximum concurrent leases."),
		inUse:      desc("in_use", "Leases currently held."),
		idle:       desc("idle", "Lease slots currently free."),
		saturation: desc("saturation", "Fraction of capacity in use."),
		ready:      desc("ready", "1 when the pool accepts acquisitions."),
		acquired:   desc("acquired_total", "Leases handed out since start."),
		timeouts:   desc("acquire_timeouts_total", "Acquisitions that hit their deadline."),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.inUse
	ch <- c.idle
	ch <- c.saturation
	ch <- c.ready
	ch <- c.acquired
	ch <- c.timeouts
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.pool.Status()
	ready := 0.0
	if st.State == db.StateReady.String() {
		ready = 1
	}
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(st.Capacity))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(st.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(st.Idle))
	ch <- prometheus.MustNewConstMetric(c.saturation, prometheus.GaugeValue, st.Saturation)
	ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, ready)
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.CounterValue, float64(c.pool.Acquired()))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(c.pool.Timeouts()))
}
