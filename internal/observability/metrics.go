package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for codegate.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ActiveExecutions    prometheus.Gauge
	RejectionsTotal     *prometheus.CounterVec
	OrphanRollbacks     *prometheus.CounterVec
	ResultTruncations   prometheus.Counter
	ExecutionCPUTime    prometheus.Histogram
	ExecutionMemoryLast prometheus.Gauge

	// Binding call metrics.
	BindingCallsTotal   *prometheus.CounterVec
	BindingCallDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegate",
			Name:      "executions_total",
			Help:      "Total script executions that reached a sandbox.",
		}, []string{"mode", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codegate",
			Name:      "execution_duration_seconds",
			Help:      "Script execution wall time in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"mode"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codegate",
			Name:      "active_executions",
			Help:      "Number of executions currently running in a sandbox.",
		}),

		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegate",
			Name:      "rejections_total",
			Help:      "Executions rejected before reaching a sandbox.",
		}, []string{"reason"}),

		OrphanRollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegate",
			Name:      "orphan_rollbacks_total",
			Help:      "Rollbacks issued for transactions left open by failed executions.",
		}, []string{"status"}),

		ResultTruncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codegate",
			Name:      "result_truncations_total",
			Help:      "Results replaced by a truncation marker for exceeding the size cap.",
		}),

		ExecutionCPUTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "codegate",
			Name:      "execution_cpu_seconds",
			Help:      "Approximate CPU time consumed per execution.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),

		ExecutionMemoryLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codegate",
			Name:      "execution_memory_last_mb",
			Help:      "Approximate memory reported by the most recent execution.",
		}),

		BindingCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegate",
			Subsystem: "binding",
			Name:      "calls_total",
			Help:      "Total bound operation calls made by scripts.",
		}, []string{"group", "status"}),

		BindingCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codegate",
			Subsystem: "binding",
			Name:      "call_duration_seconds",
			Help:      "Bound operation call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"group"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codegate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codegate",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.RejectionsTotal,
		m.OrphanRollbacks,
		m.ResultTruncations,
		m.ExecutionCPUTime,
		m.ExecutionMemoryLast,
		m.BindingCallsTotal,
		m.BindingCallDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordRejection counts an execution refused before it reached a sandbox.
func (m *MetricsCollector) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordOrphanRollback counts one reconciliation rollback.
func (m *MetricsCollector) RecordOrphanRollback(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.OrphanRollbacks.WithLabelValues(status).Inc()
}

// RecordTruncation counts a result replaced by a truncation marker.
func (m *MetricsCollector) RecordTruncation() {
	if m == nil {
		return
	}
	m.ResultTruncations.Inc()
}
