package training

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openeeap/trainkit/internal/infrastructure/message"
	"github.com/openeeap/trainkit/internal/observability/metrics"
	"github.com/openeeap/trainkit/internal/observability/trace"
	"github.com/openeeap/trainkit/pkg/errors"
)

func newLoop(t *testing.T, cfg Config, deps Dependencies) *Loop {
	t.Helper()
	l, err := NewLoop("sft", cfg, deps)
	require.NoError(t, err)
	return l
}

func TestLoopRunsEveryBatchOfEveryEpoch(t *testing.T) {
	events := message.NewMemoryPublisher()
	l := newLoop(t, Config{RunID: "run-1", BatchSize: 2, Epochs: 2, LoggingSteps: 2}, Dependencies{Events: events})

	type call struct{ epoch, index int }
	var calls []call
	report := &Report{Sequences: 5}
	err := l.Run(context.Background(), report, 3, func(ctx context.Context, epoch, index int) (StepResult, error) {
		calls = append(calls, call{epoch, index})
		return StepResult{Loss: float64(index + 1)}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, []call{{1, 0}, {1, 1}, {1, 2}, {2, 0}, {2, 1}, {2, 2}}, calls)
	assert.Equal(t, 6, report.Steps)
	assert.Equal(t, 2, report.Epochs)
	assert.Equal(t, 5, report.Sequences)
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, "sft", report.Trainer)
	assert.InDelta(t, 2.0, report.MeanLoss, 1e-12)
	assert.Equal(t, 3.0, report.LastLoss)
	assert.Zero(t, report.RewardAccuracy)

	assert.Equal(t, []string{
		message.EventRunStarted,
		message.EventStepLogged,
		message.EventEpochDone,
		message.EventStepLogged,
		message.EventStepLogged,
		message.EventEpochDone,
		message.EventRunCompleted,
	}, events.Types())
	for _, ev := range events.Events() {
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, "sft", ev.Trainer)
	}
}

func TestLoopAveragesRewards(t *testing.T) {
	l := newLoop(t, Config{BatchSize: 1, Epochs: 1}, Dependencies{})
	acc := []float64{0.5, 1}

	report := &Report{}
	err := l.Run(context.Background(), report, 2, func(ctx context.Context, epoch, index int) (StepResult, error) {
		return StepResult{Loss: 0.5, Rewards: &Rewards{Accuracy: acc[index], Margin: 2}}, nil
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, report.RewardAccuracy, 1e-12)
	assert.InDelta(t, 2.0, report.RewardMargin, 1e-12)
	assert.NotEmpty(t, report.RunID)
}

func TestLoopStepFailure(t *testing.T) {
	events := message.NewMemoryPublisher()
	l := newLoop(t, Config{BatchSize: 1, Epochs: 3}, Dependencies{Events: events})

	report := &Report{}
	err := l.Run(context.Background(), report, 2, func(ctx context.Context, epoch, index int) (StepResult, error) {
		if epoch == 2 {
			return StepResult{}, errors.New(errors.CodeModelError, "out of memory")
		}
		return StepResult{Loss: 1}, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeModelError))
	assert.Equal(t, 2, report.Steps)

	types := events.Types()
	assert.Equal(t, message.EventRunFailed, types[len(types)-1])
	failed := events.Events()[len(types)-1]
	assert.Equal(t, 2, failed.Step)
	assert.Contains(t, failed.Payload["error"], "out of memory")
}

func TestLoopHonoursCancellation(t *testing.T) {
	l := newLoop(t, Config{BatchSize: 1, Epochs: 1}, Dependencies{})
	ctx, cancel := context.WithCancel(context.Background())

	report := &Report{}
	err := l.Run(ctx, report, 10, func(ctx context.Context, epoch, index int) (StepResult, error) {
		if index == 2 {
			cancel()
		}
		return StepResult{Loss: 1}, nil
	})
	assert.True(t, errors.Is(err, errors.CodeCancelled))
	assert.Equal(t, 3, report.Steps)
}

func TestLoopRecordsMetricsAndSpans(t *testing.T) {
	m := metrics.NewMetricsCollector(metrics.CollectorConfig{Namespace: "test"})
	recorder := tracetest.NewSpanRecorder()
	tracer := trace.NewTracerWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test")
	l := newLoop(t, Config{BatchSize: 1, Epochs: 2}, Dependencies{Metrics: m, Tracer: tracer})

	err := l.Run(context.Background(), &Report{}, 2, func(ctx context.Context, epoch, index int) (StepResult, error) {
		return StepResult{Loss: 0.3}, nil
	})
	require.NoError(t, err)

	expected := `
# HELP test_train_steps_total Total number of optimizer steps
# TYPE test_train_steps_total counter
test_train_steps_total{trainer="sft"} 4
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_train_steps_total"))

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"sft.Step", "sft.Step", "sft.Step", "sft.Step", "sft.Run"}, names)
}

func TestLoopEmptyAndInvalid(t *testing.T) {
	l := newLoop(t, Config{BatchSize: 1, Epochs: 1}, Dependencies{})
	err := l.Run(context.Background(), &Report{}, 0, nil)
	assert.True(t, errors.Is(err, errors.CodeInvalidArgument))

	for _, cfg := range []Config{
		{BatchSize: 0, Epochs: 1},
		{BatchSize: 1, Epochs: 0},
		{BatchSize: 1, Epochs: 1, LoggingSteps: -1},
	} {
		_, err := NewLoop("sft", cfg, Dependencies{})
		assert.True(t, errors.Is(err, errors.CodeInvalidConfig), "%+v", cfg)
	}
}

func TestBatches(t *testing.T) {
	assert.Equal(t, []Range{{0, 2}, {2, 4}, {4, 5}}, Batches(5, 2))
	assert.Equal(t, []Range{{0, 3}}, Batches(3, 8))
	assert.Nil(t, Batches(0, 2))
}
