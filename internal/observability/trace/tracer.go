// Package trace provides tracing for trainkit pipelines.
// It integrates the OpenTelemetry SDK to create spans around dataset
// loading, packing, collation and training steps, and propagates trace
// context into published training events.
package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ============================================================================
// Tracer Interface
// ============================================================================

// Tracer defines the tracing interface
type Tracer interface {
	// Start creates a new span
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)

	// GetTraceID returns trace ID from context
	GetTraceID(ctx context.Context) string

	// InjectContext injects trace context into carrier
	InjectContext(ctx context.Context, carrier propagation.TextMapCarrier)

	// Shutdown flushes and stops the tracer
	Shutdown(ctx context.Context) error
}

// TracerConfig defines tracer configuration
type TracerConfig struct {
	// Service name
	ServiceName string

	// Service version
	ServiceVersion string

	// Zipkin collector endpoint; spans are not exported when empty
	ZipkinEndpoint string

	// Sampling rate (0.0 - 1.0)
	SamplingRate float64
}

// ============================================================================
// OpenTelemetry Tracer Implementation
// ============================================================================

// OtelTracer wraps OpenTelemetry tracer
type OtelTracer struct {
	tracer     trace.Tracer
	provider   *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
}

// NewTracer creates a new OpenTelemetry tracer
func NewTracer(cfg TracerConfig) (*OtelTracer, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	if cfg.ZipkinEndpoint != "" {
		exporter, err := zipkin.New(cfg.ZipkinEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	return NewTracerWithProvider(sdktrace.NewTracerProvider(opts...), cfg.ServiceName), nil
}

// NewTracerWithProvider wraps an existing SDK provider
func NewTracerWithProvider(tp *sdktrace.TracerProvider, name string) *OtelTracer {
	return &OtelTracer{
		tracer:   tp.Tracer(name),
		provider: tp,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

// Start creates a new span
func (t *OtelTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns trace ID from context
func (t *OtelTracer) GetTraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// InjectContext injects trace context into carrier
func (t *OtelTracer) InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	t.propagator.Inject(ctx, carrier)
}

// Shutdown gracefully shuts down the tracer
func (t *OtelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// ============================================================================
// No-op Tracer
// ============================================================================

type noopTracer struct {
	tracer trace.Tracer
}

// NewNoopTracer returns a tracer whose spans are never recorded
func NewNoopTracer() Tracer {
	return &noopTracer{tracer: noop.NewTracerProvider().Tracer("trainkit")}
}

func (t *noopTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

func (t *noopTracer) GetTraceID(ctx context.Context) string                                { return "" }
func (t *noopTracer) InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {}
func (t *noopTracer) Shutdown(ctx context.Context) error                                   { return nil }

// ============================================================================
// Span Helpers
// ============================================================================

// RecordError marks the span as failed
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
