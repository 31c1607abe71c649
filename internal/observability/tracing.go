package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/codegate/internal/config"
	"github.com/jkaninda/codegate/internal/domain"
)

// Version is reported as service.version on every span. Set by the CLI.
var Version = "dev"

// Attribute keys shared by the trace resource and execution spans.
const (
	AttrSandboxMode    = attribute.Key("codegate.sandbox.mode")
	AttrBackendDriver  = attribute.Key("codegate.backend.driver")
	AttrNamespace      = attribute.Key("codegate.bindings.namespace")
	AttrClientID       = attribute.Key("codegate.client.id")
	AttrReadonly       = attribute.Key("codegate.execution.readonly")
	AttrTimeoutMS      = attribute.Key("codegate.execution.timeout_ms")
	AttrSuccess        = attribute.Key("codegate.execution.success")
	AttrWallTimeMS     = attribute.Key("codegate.execution.wall_time_ms")
	AttrLogLines       = attribute.Key("codegate.execution.log_lines")
	AttrRejectedReason = attribute.Key("codegate.execution.rejected")
)

// Deployment labels the trace resource with how this process executes code.
type Deployment struct {
	SandboxMode   string
	BackendDriver string
	Namespace     string
}

func (d Deployment) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if d.SandboxMode != "" {
		attrs = append(attrs, AttrSandboxMode.String(d.SandboxMode))
	}
	if d.BackendDriver != "" {
		attrs = append(attrs, AttrBackendDriver.String(d.BackendDriver))
	}
	if d.Namespace != "" {
		attrs = append(attrs, AttrNamespace.String(d.Namespace))
	}
	return attrs
}

// TracerSetup holds the OTel TracerProvider and a named tracer.
// Not installed as the global provider; injected where spans are started.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	resource *resource.Resource
}

// NewTracerSetup creates an OTel TracerProvider with an OTLP exporter.
func NewTracerSetup(cfg *config.TracingConfig, deploy Deployment) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	ctx := context.Background()
	res, err := newResource(ctx, cfg, deploy)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc" or empty
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	)
	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer("github.com/jkaninda/codegate"),
		resource: res,
	}, nil
}

func newResource(ctx context.Context, cfg *config.TracingConfig, deploy Deployment) (*resource.Resource, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "codegate"
	}
	attrs := append([]attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceNamespaceKey.String("codegate"),
		semconv.ServiceVersionKey.String(Version),
	}, deploy.attributes()...)
	return resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
}

// sampleRate clamps a configured ratio; anything outside (0, 1] samples all.
func sampleRate(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1.0
	}
	return r
}

// Tracer returns the named tracer for creating spans.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Resource returns the resource spans are exported with, or nil.
func (t *TracerSetup) Resource() *resource.Resource {
	if t == nil {
		return nil
	}
	return t.resource
}

// Shutdown flushes any pending spans and shuts down the TracerProvider.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartExecution opens the span covering one Execute call. A nil tracer
// yields a non-recording span, so callers end it unconditionally.
func StartExecution(ctx context.Context, tracer trace.Tracer, req domain.ExecutionRequest, client string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return tracer.Start(ctx, "codegate.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrClientID.String(client),
			AttrReadonly.Bool(req.Readonly),
			AttrTimeoutMS.Int(req.TimeoutMS),
		))
}

// EndExecution records the outcome on span and ends it.
func EndExecution(span trace.Span, res domain.Result) {
	span.SetAttributes(
		AttrSuccess.Bool(res.Success),
		AttrWallTimeMS.Float64(res.Metrics.WallTimeMS),
		AttrLogLines.Int(len(res.Logs)),
	)
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}
	span.End()
}

// MarkRejected tags the execution span with why it never reached a sandbox.
func MarkRejected(ctx context.Context, reason string) {
	trace.SpanFromContext(ctx).SetAttributes(AttrRejectedReason.String(reason))
}
