// Package metrics exposes import pipeline and API measurements to
// Prometheus.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements importer.Observer and instruments HTTP handlers.
type Metrics struct {
	registry *prometheus.Registry

	rows          *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchLatency  prometheus.Histogram
	stages        *prometheus.CounterVec
	stageLatency  *prometheus.HistogramVec
	apiRequests   *prometheus.CounterVec
	apiLatency    *prometheus.HistogramVec
	activeSession prometheus.Gauge
}

// New registers every collector on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "listing_import",
			Name:      "rows_total",
			Help:      "Rows processed by stage and outcome.",
		}, []string{"stage", "outcome"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "listing_import",
			Name:      "batches_total",
			Help:      "Committed batches by result.",
		}, []string{"result"}),
		batchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "listing_import",
			Name:      "batch_duration_seconds",
			Help:      "Time spent writing one batch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}),
		stages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "listing_import",
			Name:      "stages_total",
			Help:      "Pipeline stage runs by stage and result.",
		}, []string{"stage", "result"}),
		stageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "listing_import",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "listing_import",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route and status class.",
		}, []string{"route", "result"}),
		apiLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "listing_import",
			Subsystem: "api",
			Name:      "latency_seconds",
			Help:      "API request latency by route.",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.05,
				0.1, 0.5, 1, 5, 10, 30,
			},
		}, []string{"route", "result"}),
		activeSession: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "listing_import",
			Name:      "sessions_active",
			Help:      "Import sessions currently held in memory.",
		}),
	}
}

func (m *Metrics) ObserveRows(stage, outcome string, n int) {
	if n > 0 {
		m.rows.WithLabelValues(stage, outcome).Add(float64(n))
	}
}

func (m *Metrics) ObserveBatch(result string, d time.Duration) {
	m.batches.WithLabelValues(result).Inc()
	m.batchLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stages.WithLabelValues(stage, result).Inc()
	m.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// SetActiveSessions records the live session count.
func (m *Metrics) SetActiveSessions(n int) { m.activeSession.Set(float64(n)) }

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by the chi route
// pattern, so session ids never become label values.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = r.Method + " " + p
			}
		}
		result := "2xx"
		switch {
		case rec.status >= 500:
			result = "5xx"
		case rec.status >= 400:
			result = "4xx"
		}
		m.apiRequests.WithLabelValues(route, result).Inc()
		m.apiLatency.WithLabelValues(route, result).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}
