// Package metrics holds the daemon's Prometheus instrumentation. Every
// metric is observability only — nothing in the authorization path
// reads a value back out of this package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the daemon registers.
type Metrics struct {
	EnrollBegins     *prometheus.CounterVec
	EnrollCompletes  *prometheus.CounterVec
	EnrollRejections *prometheus.CounterVec

	UnlockAccepted  *prometheus.CounterVec
	UnlockRejected  *prometheus.CounterVec
	UnlockDuration  *prometheus.HistogramVec
	EffectorLatency prometheus.Histogram
	EffectorErrors  prometheus.Counter

	CodeBufferOccupancy prometheus.Gauge
	LedgerIdentities    prometheus.Gauge
}

// New creates and registers the daemon's metrics against the default
// Prometheus registry.
func New() *Metrics {
	return &Metrics{
		EnrollBegins: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remoteunlock_enroll_begin_total",
				Help: "Total number of /begin_enroll requests.",
			},
			[]string{"result"},
		),
		EnrollCompletes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remoteunlock_enroll_complete_total",
				Help: "Total number of completed enrollments.",
			},
			[]string{"result"},
		),
		EnrollRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remoteunlock_enroll_rejected_total",
				Help: "Total number of rejected /enroll requests, by reason.",
			},
			[]string{"reason"},
		),
		UnlockAccepted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remoteunlock_unlock_accepted_total",
				Help: "Total number of accepted /unlock requests.",
			},
			[]string{"identity"},
		),
		UnlockRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remoteunlock_unlock_rejected_total",
				Help: "Total number of rejected /unlock requests, by reason.",
			},
			[]string{"reason"},
		),
		UnlockDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "remoteunlock_unlock_duration_seconds",
				Help:    "Time spent handling an /unlock request end to end.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		EffectorLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "remoteunlock_effector_duration_seconds",
				Help:    "Time spent running the unlock effector.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
		EffectorErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "remoteunlock_effector_errors_total",
				Help: "Total number of effector invocations that returned an error.",
			},
		),
		CodeBufferOccupancy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "remoteunlock_codebuffer_occupancy",
				Help: "Number of live enrollment codes currently buffered.",
			},
		),
		LedgerIdentities: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "remoteunlock_ledger_identities",
				Help: "Number of distinct identities with an in-memory nonce counter.",
			},
		),
	}
}
