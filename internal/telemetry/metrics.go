// Package telemetry exports node statistics and HTTP request metrics in the
// Prometheus exposition format.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"go-coopcore"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coopcore"

// Source supplies the statistics exported on every scrape.
type Source interface {
	Stats() coopcore.Stats
}

// Metrics owns a registry holding the node collector, process metrics and
// the request instrumentation used by Instrument.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	buildInfo       *prometheus.GaugeVec
}

// New creates a registry exporting source's statistics.
func New(source Source) *Metrics {
	var (
		startTime = time.Now()
		m         = &Metrics{
			Registry: prometheus.NewRegistry(),
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "requests_total",
					Help:      "Total number of HTTP requests.",
				},
				[]string{"op", "status"},
			),
			requestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "request_duration_seconds",
					Help:      "Latency of HTTP requests.",
					Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
				},
				[]string{"op"},
			),
			inFlight: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "in_flight_requests",
					Help:      "Current number of in-flight HTTP requests.",
				},
				[]string{"op"},
			),
			buildInfo: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "build_info",
					Help:      "Build info (constant 1, labeled by version).",
				},
				[]string{"version"},
			),
		}
		uptime = prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Process uptime in seconds.",
			},
			func() float64 { return time.Since(startTime).Seconds() },
		)
	)

	m.Registry.MustRegister(
		NewCollector(source),
		m.requestsTotal,
		m.requestDuration,
		m.inFlight,
		m.buildInfo,
		uptime,
	)
	return m
}

// Handler exposes the registry. Mount it with mux.Handle("/metrics", m.Handler()).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func (m *Metrics) SetBuildInfo(version string) {
	m.buildInfo.WithLabelValues(version).Set(1)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		m.inFlight.WithLabelValues(op).Inc()
		defer m.inFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.requestsTotal.WithLabelValues(op, class).Inc()
		m.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
