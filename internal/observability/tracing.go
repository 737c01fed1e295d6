package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/alvesdmateus/release-gate/pkg/models"
)

const instrumentationName = "github.com/alvesdmateus/release-gate"

// TracingConfig holds configuration for distributed tracing
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the collector's OTLP/HTTP address, e.g. localhost:4318
	OTLPEndpoint string
	// SampleRate is clamped to [0, 1]
	SampleRate float64
	Insecure   bool
}

// Tracer opens the spans of runs, gates and queued jobs
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// NewTracer creates a tracer exporting over OTLP/HTTP. A disabled config
// yields a tracer backed by the global no-op provider.
func NewTracer(ctx context.Context, config TracingConfig) (*Tracer, error) {
	if !config.Enabled {
		return &Tracer{tracer: otel.Tracer(instrumentationName)}, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// resource.New rather than Merge avoids schema URL conflicts with the default resource
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return NewTracerWithProvider(provider), nil
}

// NewTracerWithProvider wraps a provider whose exporters the caller set up
func NewTracerWithProvider(provider *sdktrace.TracerProvider) *Tracer {
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(instrumentationName),
		enabled:  true,
	}
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// IsEnabled reports whether spans are exported
func (t *Tracer) IsEnabled() bool {
	return t.enabled
}

// Provider is the provider spans are created from, for instrumentation
// libraries that take one
func (t *Tracer) Provider() trace.TracerProvider {
	if t.provider != nil {
		return t.provider
	}
	return otel.GetTracerProvider()
}

// StartSpan starts a span with the given name
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Span attribute keys
var (
	AttrDeploymentID = attribute.Key("deployment.id")
	AttrRunStatus    = attribute.Key("deployment.status")
	AttrEnvironment  = attribute.Key("deployment.environment")
	AttrService      = attribute.Key("deployment.service")
	AttrVersion      = attribute.Key("deployment.version")
	AttrStrategy     = attribute.Key("deployment.strategy")

	AttrGateName    = attribute.Key("gate.name")
	AttrGateType    = attribute.Key("gate.type")
	AttrGateStatus  = attribute.Key("gate.status")
	AttrGateAttempt = attribute.Key("gate.attempt")

	AttrJobID   = attribute.Key("job.id")
	AttrJobType = attribute.Key("job.type")
)

// StartRun opens the span covering a pipeline run
func (t *Tracer) StartRun(ctx context.Context, run *models.DeploymentRun) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		AttrDeploymentID.String(run.DeploymentID),
		AttrEnvironment.String(run.Environment),
		AttrService.String(run.ServiceName),
		AttrVersion.String(run.Version),
		AttrStrategy.String(string(run.Strategy)),
	))
}

// FinishRun records the terminal status on the run span carried by ctx
func FinishRun(ctx context.Context, status models.RunStatus, msg string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(AttrRunStatus.String(string(status)))
	if status != models.RunStatusSuccess {
		span.SetStatus(codes.Error, msg)
	}
}

// StartGate opens a child span for one gate
func (t *Tracer) StartGate(ctx context.Context, name, gateType string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline.gate", trace.WithAttributes(
		AttrGateName.String(name),
		AttrGateType.String(gateType),
	))
}

// FinishGate records a gate's outcome on its span
func FinishGate(span trace.Span, result models.GateExecutionResult) {
	span.SetAttributes(
		AttrGateStatus.String(string(result.Status)),
		AttrGateAttempt.Int(result.Attempt),
	)
	if result.Status != models.GateStatusPassed {
		span.SetStatus(codes.Error, result.Message)
	}
}

// StartJob opens the span for a queued job picked up by a worker
func (t *Tracer) StartJob(ctx context.Context, jobType, jobID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "worker."+jobType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			AttrJobID.String(jobID),
			AttrJobType.String(jobType),
		))
}

var globalTracer *Tracer

// InitGlobalTracer initializes the global tracer
func InitGlobalTracer(ctx context.Context, config TracingConfig) error {
	tracer, err := NewTracer(ctx, config)
	if err != nil {
		return err
	}
	globalTracer = tracer
	return nil
}

// GetGlobalTracer returns the global tracer, or a no-op one before InitGlobalTracer
func GetGlobalTracer() *Tracer {
	if globalTracer == nil {
		return &Tracer{tracer: otel.Tracer(instrumentationName)}
	}
	return globalTracer
}

// ShutdownGlobalTracer shuts down the global tracer
func ShutdownGlobalTracer(ctx context.Context) error {
	if globalTracer != nil {
		return globalTracer.Shutdown(ctx)
	}
	return nil
}
