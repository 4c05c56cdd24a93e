// Package metrics exposes Prometheus collectors for the watcher service.
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
	fetchesTotal             *prometheus.CounterVec
	fetchDurationSeconds     *prometheus.HistogramVec
	eventsTotal              *prometheus.CounterVec
	deliveriesTotal          *prometheus.CounterVec
	relayRequestsTotal       *prometheus.CounterVec
	credentialRefreshesTotal *prometheus.CounterVec
	pollCyclesTotal          *prometheus.CounterVec
	activeSources            prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_fetches_total",
				Help: "Total fetch attempts, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "watcher_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 45},
			},
			[]string{"source"},
		)

		eventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_events_total",
				Help: "Total new-content events detected, labeled by source.",
			},
			[]string{"source"},
		)

		deliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_deliveries_total",
				Help: "Total channel deliveries, labeled by channel and status.",
			},
			[]string{"channel", "status"},
		)

		relayRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_relay_requests_total",
				Help: "Total relay requests, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		credentialRefreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_credential_refreshes_total",
				Help: "Total credential refresh attempts, labeled by credential and result.",
			},
			[]string{"credential", "result"},
		)

		pollCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_poll_cycles_total",
				Help: "Total poll cycles, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		activeSources = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "watcher_active_sources",
				Help: "Number of sources with a running poll loop.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(source string, statusCode int, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	} else if statusCode >= 400 {
		result = strconv.Itoa(statusCode)
	}
	fetchesTotal.WithLabelValues(source, result).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
	}
}

// ObserveEvents records detected new-content events.
func ObserveEvents(source string, count int) {
	if count > 0 {
		eventsTotal.WithLabelValues(source).Add(float64(count))
	}
}

// ObserveDelivery records one channel delivery outcome.
func ObserveDelivery(channel string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	deliveriesTotal.WithLabelValues(channel, status).Inc()
}

// ObserveRelayRequest records one relay round trip.
func ObserveRelayRequest(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	relayRequestsTotal.WithLabelValues(source, result).Inc()
}

// ObserveCredentialRefresh records one refresh attempt.
func ObserveCredentialRefresh(credential string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	credentialRefreshesTotal.WithLabelValues(credential, result).Inc()
}

// ObservePollCycle records one completed poll cycle.
func ObservePollCycle(source, outcome string) {
	pollCyclesTotal.WithLabelValues(source, outcome).Inc()
}

// IncActiveSources increments the active source gauge.
func IncActiveSources() {
	activeSources.Inc()
}

// DecActiveSources decrements the active source gauge.
func DecActiveSources() {
	activeSources.Dec()
}
