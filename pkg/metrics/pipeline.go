package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for the inference pipeline.
type PipelineMetrics struct {
	CyclesTotal       *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	InferenceDuration prometheus.Histogram
	LarvaeDetected    prometheus.Histogram
	AlertsCreated     prometheus.Counter
	AlertsResolved    prometheus.Counter
	DashboardFailures prometheus.Counter
	JobsInFlight      prometheus.Gauge
}

// NewPipelineMetrics creates and registers inference pipeline metrics.
func NewPipelineMetrics(namespace string) *PipelineMetrics {
	m := &PipelineMetrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "cycles_total",
				Help:      "Total number of inference cycles",
			},
			[]string{"status"}, // status: success, inference_failed, storage_error
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of full inference cycles",
				Buckets:   prometheus.DefBuckets,
			},
		),
		InferenceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "inference_duration_seconds",
				Help:      "Duration of external inference calls",
				Buckets:   prometheus.DefBuckets,
			},
		),
		LarvaeDetected: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "larvae_detected",
				Help:      "Larvae counted per successful cycle",
				Buckets:   []float64{0, 1, 2, 3, 5, 7, 10, 15, 25, 50},
			},
		),
		AlertsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "alerts_created_total",
				Help:      "Total number of alerts opened",
			},
		),
		AlertsResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "alerts_resolved_total",
				Help:      "Total number of alerts resolved",
			},
		),
		DashboardFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "dashboard_failures_total",
				Help:      "Total number of failed dashboard pushes",
			},
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "jobs_in_flight",
				Help:      "Number of inference jobs currently being processed",
			},
		),
	}

	MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.InferenceDuration,
		m.LarvaeDetected,
		m.AlertsCreated,
		m.AlertsResolved,
		m.DashboardFailures,
		m.JobsInFlight,
	)

	return m
}
