package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the context manager's Prometheus collectors.
type Metrics struct {
	Attempts         *prometheus.CounterVec
	SetupDuration    *prometheus.HistogramVec
	Exhausted        prometheus.Counter
	SafetyViolations prometheus.Counter
	CleanupFailures  *prometheus.CounterVec
	ActiveContexts   prometheus.Gauge
	ReleasedContexts *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg creates a
// private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "testctx",
				Subsystem: "context",
				Name:      "attempts_total",
				Help:      "Context initialization attempts by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		SetupDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "testctx",
				Subsystem: "context",
				Name:      "setup_duration_seconds",
				Help:      "Time spent in setup and validation per attempt",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		Exhausted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "testctx",
				Subsystem: "context",
				Name:      "exhausted_total",
				Help:      "Acquisitions that failed after trying every mode",
			},
		),
		SafetyViolations: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "testctx",
				Subsystem: "safety",
				Name:      "violations_total",
				Help:      "Mutations blocked by the safety guard",
			},
		),
		CleanupFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "testctx",
				Subsystem: "context",
				Name:      "cleanup_failures_total",
				Help:      "Cleanup steps that did not complete",
			},
			[]string{"mode"},
		),
		ActiveContexts: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "testctx",
				Subsystem: "context",
				Name:      "active",
				Help:      "Contexts currently handed to test code",
			},
		),
		ReleasedContexts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "testctx",
				Subsystem: "context",
				Name:      "released_total",
				Help:      "Contexts released by mode",
			},
			[]string{"mode"},
		),
	}
}
