package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOtelTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewTracerWithProvider(tp, "trainkit-test")

	ctx, span := tracer.Start(context.Background(), "Collator.Collate")
	assert.NotEmpty(t, tracer.GetTraceID(ctx))
	RecordError(span, errors.New("marker missing"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "Collator.Collate", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	require.NoError(t, tracer.Shutdown(context.Background()))
}

func TestInjectContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	tracer := NewTracerWithProvider(tp, "trainkit-test")

	ctx, span := tracer.Start(context.Background(), "step")
	defer span.End()

	carrier := propagation.MapCarrier{}
	tracer.InjectContext(ctx, carrier)
	assert.Contains(t, carrier, "traceparent")
}

func TestNoopTracer(t *testing.T) {
	tracer := NewNoopTracer()
	ctx, span := tracer.Start(context.Background(), "noop")
	span.End()

	assert.Empty(t, tracer.GetTraceID(ctx))
	assert.NoError(t, tracer.Shutdown(ctx))
}

func TestNewTracerWithoutExporter(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{ServiceName: "trainkit", SamplingRate: 1})
	require.NoError(t, err)
	assert.NoError(t, tracer.Shutdown(context.Background()))
}
