package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for housekeeping jobs.
type Metrics struct {
	JobsFired     *prometheus.CounterVec
	JobsSucceeded *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	ItemsCleaned  *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegate",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Total housekeeping job runs started.",
		}, []string{"job"}),
		JobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegate",
			Subsystem: "scheduler",
			Name:      "jobs_succeeded_total",
			Help:      "Total housekeeping job runs that completed without error.",
		}, []string{"job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegate",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Total housekeeping job runs that returned an error.",
		}, []string{"job"}),
		ItemsCleaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegate",
			Subsystem: "scheduler",
			Name:      "items_cleaned_total",
			Help:      "Entries removed by housekeeping jobs (rate-limit windows, reaped transactions).",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codegate",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of each housekeeping job run.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.JobsFired,
		m.JobsSucceeded,
		m.JobsFailed,
		m.ItemsCleaned,
		m.JobDuration,
	)

	return m
}
