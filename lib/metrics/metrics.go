// Package metrics declares the prometheus collectors of the tracer, partitioned by job source.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracer
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fundflow",
		Subsystem: "tracer",
		Name:      "cycles_total",
		Help:      "Total processing cycles run",
	})

	JobErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fundflow",
		Subsystem: "tracer",
		Name:      "job_errors_total",
		Help:      "Total jobs flipped to error",
	}, []string{"source"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fundflow",
		Subsystem: "tracer",
		Name:      "jobs_completed_total",
		Help:      "Total jobs that reached complete",
	}, []string{"source"})

	// Windows
	WindowsCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fundflow",
		Subsystem: "window",
		Name:      "committed_total",
		Help:      "Total windows committed",
	}, []string{"source"})

	WindowsStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fundflow",
		Subsystem: "window",
		Name:      "stale_total",
		Help:      "Total window checkpoints ignored because the job had already moved past them",
	}, []string{"source"})

	WindowLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fundflow",
		Subsystem: "window",
		Name:      "duration_seconds",
		Help:      "Window fetch, fold and commit duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"source"})

	// Attribution
	TransfersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fundflow",
		Subsystem: "attribution",
		Name:      "transfers_processed_total",
		Help:      "Total transfers attributed",
	}, []string{"source"})

	TransfersSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fundflow",
		Subsystem: "attribution",
		Name:      "transfers_skipped_total",
		Help:      "Total transfers skipped for carrying no tracked value",
	}, []string{"source"})

	HopsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fundflow",
		Subsystem: "attribution",
		Name:      "hops_recorded_total",
		Help:      "Total hop records produced",
	}, []string{"source"})

	// Validator
	Discrepancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fundflow",
		Subsystem: "conservation",
		Name:      "discrepancy",
		Help:      "Last conservation discrepancy computed for a job",
	}, []string{"job"})
)
