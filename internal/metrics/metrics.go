// Package metrics exposes Prometheus collectors for the conversion tracker.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	signalsTotal               *prometheus.CounterVec
	originRejectedTotal        prometheus.Counter
	conversionsTotal           *prometheus.CounterVec
	capturesTotal              *prometheus.CounterVec
	ocrJobsTotal               *prometheus.CounterVec
	persistenceWritesTotal     *prometheus.CounterVec
	interactionsDroppedTotal   prometheus.Counter
	activeSessions             prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		signalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookingwatch_signals_total",
				Help: "Total number of signals proposed, labeled by kind and decision.",
			},
			[]string{"kind", "decision"},
		)

		originRejectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookingwatch_origin_rejected_total",
				Help: "Messages dropped because their origin is not allow-listed.",
			},
		)

		conversionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookingwatch_conversions_total",
				Help: "Conversions committed or upgraded, labeled by detection method.",
			},
			[]string{"method"},
		)

		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookingwatch_captures_total",
				Help: "Screenshot capture attempts, labeled by result.",
			},
			[]string{"result"},
		)

		ocrJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookingwatch_ocr_jobs_total",
				Help: "OCR jobs, labeled by result.",
			},
			[]string{"result"},
		)

		persistenceWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookingwatch_persistence_writes_total",
				Help: "Persistence writes, labeled by operation and result.",
			},
			[]string{"op", "result"},
		)

		interactionsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookingwatch_interactions_dropped_total",
				Help: "Interaction events dropped due to backpressure.",
			},
		)

		activeSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookingwatch_active_sessions",
				Help: "Number of live session pipelines.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSignal counts one proposed signal and the aggregator's decision.
func ObserveSignal(kind, decision string) {
	if signalsTotal == nil {
		return
	}
	signalsTotal.WithLabelValues(kind, decision).Inc()
}

// ObserveOriginRejected counts a message from a non-allow-listed origin.
func ObserveOriginRejected() {
	if originRejectedTotal == nil {
		return
	}
	originRejectedTotal.Inc()
}

// ObserveConversion counts a committed or upgraded conversion.
func ObserveConversion(method string) {
	if conversionsTotal == nil {
		return
	}
	conversionsTotal.WithLabelValues(method).Inc()
}

// ObserveCapture counts a screenshot attempt (ok, dropped, failed, duplicate, skipped).
func ObserveCapture(result string) {
	if capturesTotal == nil {
		return
	}
	capturesTotal.WithLabelValues(result).Inc()
}

// ObserveOCRJob counts an OCR job outcome.
func ObserveOCRJob(result string) {
	if ocrJobsTotal == nil {
		return
	}
	ocrJobsTotal.WithLabelValues(result).Inc()
}

// ObservePersistence counts a persistence write.
func ObservePersistence(op, result string) {
	if persistenceWritesTotal == nil {
		return
	}
	persistenceWritesTotal.WithLabelValues(op, result).Inc()
}

// ObserveInteractionDropped counts an interaction lost to backpressure.
func ObserveInteractionDropped() {
	if interactionsDroppedTotal == nil {
		return
	}
	interactionsDroppedTotal.Inc()
}

// IncActiveSessions increments the live session gauge.
func IncActiveSessions() {
	if activeSessions == nil {
		return
	}
	activeSessions.Inc()
}

// DecActiveSessions decrements the live session gauge.
func DecActiveSessions() {
	if activeSessions == nil {
		return
	}
	activeSessions.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
