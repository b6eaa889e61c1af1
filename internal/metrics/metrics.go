// Package metrics holds the prometheus collectors shared by the services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Finalize results.
const (
	FinalizeApplied = "applied"
	FinalizeSkipped = "skipped"
	FinalizeFailed  = "failed"
	FinalizeQueued  = "queued"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	streams          *prometheus.CounterVec
	activeStreams    prometheus.Gauge
	finalize         *prometheus.CounterVec
	generationErrors *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	requests         *prometheus.CounterVec
	latency          *prometheus.HistogramVec
}

// New registers collectors for one service on a private registry.
func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	constLabels := prometheus.Labels{"service": service}
	m := &Metrics{
		registry: reg,
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamchat",
			Name:        "streams_total",
			Help:        "Generation streams by how the caller joined them (started, attached, degraded, resumed).",
			ConstLabels: constLabels,
		}, []string{"mode"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamchat",
			Name:        "active_streams",
			Help:        "Generations currently running in this process.",
			ConstLabels: constLabels,
		}),
		finalize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamchat",
			Name:        "finalize_total",
			Help:        "Terminal write-backs by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		generationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamchat",
			Name:        "generation_errors_total",
			Help:        "Generations that ended in error, by provider.",
			ConstLabels: constLabels,
		}, []string{"provider"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamchat",
			Name:        "rejections_total",
			Help:        "Requests rejected before any work, by error type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamchat",
			Name:        "http_requests_total",
			Help:        "HTTP requests by route and status code.",
			ConstLabels: constLabels,
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "streamchat",
			Name:        "http_request_duration_seconds",
			Help:        "Time to the end of the response, streams included.",
			ConstLabels: constLabels,
			Buckets:     []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"route"}),
	}
	reg.MustRegister(m.streams, m.activeStreams, m.finalize, m.generationErrors, m.rejections, m.requests, m.latency)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Stream(mode string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(mode).Inc()
}

// StreamRunning tracks one running generation; call the result when it ends.
func (m *Metrics) StreamRunning() func() {
	if m == nil {
		return func() {}
	}
	m.activeStreams.Inc()
	return m.activeStreams.Dec
}

func (m *Metrics) Finalize(result string) {
	if m == nil {
		return
	}
	m.finalize.WithLabelValues(result).Inc()
}

func (m *Metrics) GenerationError(provider string) {
	if m == nil {
		return
	}
	m.generationErrors.WithLabelValues(provider).Inc()
}

func (m *Metrics) Rejected(errType string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(errType).Inc()
}

// Instrument records count and duration for every request served by next.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.requests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
