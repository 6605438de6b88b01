// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Pass metrics
	PassesTotal        *prometheus.CounterVec
	PassDuration       *prometheus.HistogramVec
	MovementsSeen      prometheus.Counter
	MovementsMatched   prometheus.Counter
	MovementsIgnored   prometheus.Counter
	MovementsFailed    prometheus.Counter
	AmbiguousMovements prometheus.Gauge

	// Manual operation metrics
	ManualMatches   prometheus.Counter
	ManualUnmatches prometheus.Counter

	// Health metrics
	LastSuccessfulPass prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "movement_matcher"
	}

	return &Metrics{
		PassesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Total number of reconciliation passes by trigger and status",
		}, []string{"trigger", "status"}),
		PassDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Reconciliation pass duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"trigger"}),
		MovementsSeen: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "movements_seen_total",
			Help:      "Total number of unmatched movements examined",
		}),
		MovementsMatched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "movements_matched_total",
			Help:      "Total number of movements matched automatically",
		}),
		MovementsIgnored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "movements_ignored_total",
			Help:      "Total number of movements auto-ignored",
		}),
		MovementsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "movements_failed_total",
			Help:      "Total number of movements whose match attempt errored",
		}),
		AmbiguousMovements: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "ambiguous_movements",
			Help:      "Movements left ambiguous by the most recent pass",
		}),

		ManualMatches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manual",
			Name:      "matches_total",
			Help:      "Total number of manual match confirmations",
		}),
		ManualUnmatches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manual",
			Name:      "unmatches_total",
			Help:      "Total number of manual unmatch operations",
		}),

		LastSuccessfulPass: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_pass_timestamp",
			Help:      "Unix timestamp of the last successful reconciliation pass",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordPass records the outcome counters of one completed pass.
func RecordPass(trigger string, seen, matched, ignored, ambiguous, failed int, durationSeconds float64) {
	DefaultMetrics.PassesTotal.WithLabelValues(trigger, "ok").Inc()
	DefaultMetrics.PassDuration.WithLabelValues(trigger).Observe(durationSeconds)
	DefaultMetrics.MovementsSeen.Add(float64(seen))
	DefaultMetrics.MovementsMatched.Add(float64(matched))
	DefaultMetrics.MovementsIgnored.Add(float64(ignored))
	DefaultMetrics.MovementsFailed.Add(float64(failed))
	DefaultMetrics.AmbiguousMovements.Set(float64(ambiguous))
	DefaultMetrics.LastSuccessfulPass.SetToCurrentTime()
}

// RecordPassError records a pass that failed before completing.
func RecordPassError(trigger string) {
	DefaultMetrics.PassesTotal.WithLabelValues(trigger, "error").Inc()
}

// RecordManualMatch increments the manual match counter.
func RecordManualMatch() {
	DefaultMetrics.ManualMatches.Inc()
}

// RecordManualUnmatch increments the manual unmatch counter.
func RecordManualUnmatch() {
	DefaultMetrics.ManualUnmatches.Inc()
}
