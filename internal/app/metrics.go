package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the API collectors. Each instance owns its registry so that
// tests can build as many servers as they like.
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	pageOps         *prometheus.CounterVec
	positionLengths prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests broken down by route and status.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canopy",
			Subsystem: "api",
			Name:      "latency_seconds",
			Help:      "Latency distribution for API requests.",
			Buckets: []float64{
				0.001, 0.002, 0.005,
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10,
			},
		}, []string{"route", "method"}),
		pageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "pages",
			Name:      "operations_total",
			Help:      "Page hierarchy operations by kind.",
		}, []string{"op"}),
		positionLengths: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "canopy",
			Subsystem: "pages",
			Name:      "position_length",
			Help:      "Length of generated sibling position keys.",
			Buckets:   prometheus.LinearBuckets(2, 2, 12),
		}),
	}
	m.registry.MustRegister(
		m.requests, m.latency, m.pageOps, m.positionLengths,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeRequest(route, method string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(took.Seconds())
}

func (m *Metrics) pageOp(op string) {
	if m == nil {
		return
	}
	m.pageOps.WithLabelValues(op).Inc()
}

func (m *Metrics) positionGenerated(key string) {
	if m == nil {
		return
	}
	m.positionLengths.Observe(float64(len(key)))
}
