package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codegate/internal/bindings"
	"github.com/jkaninda/codegate/internal/domain"
	"github.com/jkaninda/codegate/internal/sandbox"
)

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics and tracing.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (s *InstrumentedSandbox) Mode() string { return s.inner.Mode() }

func (s *InstrumentedSandbox) Initialize(ctx context.Context) error { return s.inner.Initialize(ctx) }

func (s *InstrumentedSandbox) Dispose() error { return s.inner.Dispose() }

func (s *InstrumentedSandbox) Execute(ctx context.Context, code string, b sandbox.Bindings, timeout time.Duration) domain.Result {
	mode := s.inner.Mode()

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.mode", mode),
				attribute.Int64("sandbox.timeout_ms", timeout.Milliseconds()),
			))
		defer span.End()
	}

	if s.metrics != nil {
		s.metrics.ActiveExecutions.Inc()
		defer s.metrics.ActiveExecutions.Dec()
	}

	res := s.inner.Execute(ctx, code, b, timeout)

	status := "success"
	if !res.Success {
		status = "error"
		if span != nil {
			span.SetStatus(codes.Error, res.Error)
		}
	}
	if span != nil {
		span.SetAttributes(
			attribute.Float64("sandbox.wall_time_ms", res.Metrics.WallTimeMS),
			attribute.Int("sandbox.log_lines", len(res.Logs)),
		)
	}

	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(mode, status).Inc()
		s.metrics.ExecutionDuration.WithLabelValues(mode).Observe(res.Metrics.WallTimeMS / 1000)
		s.metrics.ExecutionCPUTime.Observe(res.Metrics.CPUTimeMS / 1000)
		s.metrics.ExecutionMemoryLast.Set(res.Metrics.MemoryUsedMB)
	}
	return res
}

// --- Binding call observer ---

// BindingObserver returns a bindings.CallObserver that counts bound calls
// and their durations per group. Returns nil when metrics are disabled.
func BindingObserver(metrics *MetricsCollector) bindings.CallObserver {
	if metrics == nil {
		return nil
	}
	return func(group, _ string, elapsed time.Duration, err error) {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.BindingCallsTotal.WithLabelValues(group, status).Inc()
		metrics.BindingCallDuration.WithLabelValues(group).Observe(elapsed.Seconds())
	}
}

// --- Compile-time interface checks ---

var _ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
