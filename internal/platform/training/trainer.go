// Package training holds the step loop shared by the SFT and DPO trainers.
package training

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/openeeap/trainkit/internal/infrastructure/message"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/observability/metrics"
	"github.com/openeeap/trainkit/internal/observability/trace"
	"github.com/openeeap/trainkit/internal/platform/training/collator"
	"github.com/openeeap/trainkit/pkg/errors"
)

// Backend is the external runtime running one forward, backward and update
// step on a supervised batch. It returns the step loss.
type Backend interface {
	TrainStep(ctx context.Context, batch *collator.Batch) (float64, error)
}

// Optimizer applies the gradient of a computed preference loss
type Optimizer interface {
	Step(ctx context.Context, loss float64) error
}

// Config controls the step loop
type Config struct {
	// RunID tags logs, events and cache keys; generated when empty
	RunID string

	// Sequences (or pairs) per step
	BatchSize int

	// Passes over the prepared batches
	Epochs int

	// Log and publish a step event every N steps
	LoggingSteps int
}

// Validate checks the loop settings
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.ConfigErrorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errors.ConfigErrorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.LoggingSteps < 0 {
		return errors.ConfigErrorf("logging steps must not be negative, got %d", c.LoggingSteps)
	}
	return nil
}

// Dependencies are the ambient services a trainer reports to. Nil members
// are replaced by no-op implementations, except Metrics which is skipped.
type Dependencies struct {
	Logger  logging.Logger
	Metrics *metrics.MetricsCollector
	Tracer  trace.Tracer
	Events  message.Publisher
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = logging.NewNoopLogger()
	}
	if d.Tracer == nil {
		d.Tracer = trace.NewNoopTracer()
	}
	if d.Events == nil {
		d.Events = message.NewLogPublisher(logging.NewNoopLogger())
	}
	return d
}

// Rewards are the preference statistics of one step
type Rewards struct {
	Accuracy float64
	Margin   float64
}

// StepResult is what one step reports back to the loop
type StepResult struct {
	Loss    float64
	Rewards *Rewards
}

// StepFunc runs the batch at index within epoch
type StepFunc func(ctx context.Context, epoch, index int) (StepResult, error)

// Report summarizes a run
type Report struct {
	RunID   string `json:"run_id"`
	Trainer string `json:"trainer"`
	Epochs  int    `json:"epochs"`
	Steps   int    `json:"steps"`

	MeanLoss float64 `json:"mean_loss"`
	LastLoss float64 `json:"last_loss"`

	// Mean over steps; zero for supervised runs
	RewardAccuracy float64 `json:"reward_accuracy"`
	RewardMargin   float64 `json:"reward_margin"`

	Sequences       int `json:"sequences"`
	MaskedSequences int `json:"masked_sequences"`
	Blocks          int `json:"blocks,omitempty"`
	TokensDropped   int `json:"tokens_dropped,omitempty"`
	TokensPadded    int `json:"tokens_padded,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Loop drives epochs of steps and reports them
type Loop struct {
	trainer string
	cfg     Config
	deps    Dependencies
	logger  logging.Logger
}

// NewLoop creates a loop for trainer
func NewLoop(trainer string, cfg Config, deps Dependencies) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.LoggingSteps == 0 {
		cfg.LoggingSteps = 1
	}
	deps = deps.withDefaults()
	return &Loop{
		trainer: trainer,
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With(logging.String("trainer", trainer), logging.String("run_id", cfg.RunID)),
	}, nil
}

// RunID returns the run identifier
func (l *Loop) RunID() string {
	return l.cfg.RunID
}

// Config returns the loop settings with defaults applied
func (l *Loop) Config() Config {
	return l.cfg
}

// Logger returns the run-scoped logger
func (l *Loop) Logger() logging.Logger {
	return l.logger
}

// Metrics returns the collector, nil when metrics are disabled
func (l *Loop) Metrics() *metrics.MetricsCollector {
	return l.deps.Metrics
}

// Tracer returns the tracer
func (l *Loop) Tracer() trace.Tracer {
	return l.deps.Tracer
}

// Run executes step for every batch of every epoch. report is filled in
// place; fields set by the caller before Run are kept.
func (l *Loop) Run(ctx context.Context, report *Report, batches int, step StepFunc) error {
	if batches == 0 {
		return errors.New(errors.CodeInvalidArgument, "no batches to train on")
	}

	ctx = logging.WithRunID(ctx, l.cfg.RunID)
	ctx, span := l.deps.Tracer.Start(ctx, l.trainer+".Run", oteltrace.WithAttributes(
		attribute.String("run.id", l.cfg.RunID),
		attribute.Int("run.batches", batches),
		attribute.Int("run.epochs", l.cfg.Epochs),
	))
	defer span.End()

	report.RunID = l.cfg.RunID
	report.Trainer = l.trainer
	start := time.Now()

	started := l.event(message.EventRunStarted)
	started.Payload["batches"] = batches
	started.Payload["epochs"] = l.cfg.Epochs
	l.publish(ctx, started)
	l.logger.Info("training started", logging.Int("batches", batches), logging.Int("epochs", l.cfg.Epochs))

	err := l.run(ctx, report, batches, step)
	report.Duration = time.Since(start)
	if err != nil {
		trace.RecordError(span, err)
		failed := l.event(message.EventRunFailed)
		failed.Step = report.Steps
		failed.Payload["error"] = err.Error()
		l.publish(context.WithoutCancel(ctx), failed)
		l.logger.Error("training failed", logging.Int("step", report.Steps), logging.Error(err))
		return err
	}

	done := l.event(message.EventRunCompleted)
	done.Step = report.Steps
	done.Payload["mean_loss"] = report.MeanLoss
	done.Payload["duration_seconds"] = report.Duration.Seconds()
	l.publish(ctx, done)
	l.logger.Info("training completed",
		logging.Int("steps", report.Steps),
		logging.Float64("mean_loss", report.MeanLoss),
		logging.Duration("duration", report.Duration))
	return nil
}

func (l *Loop) run(ctx context.Context, report *Report, batches int, step StepFunc) error {
	var lossSum, accSum, marginSum float64
	rewarded := 0

	for epoch := 1; epoch <= l.cfg.Epochs; epoch++ {
		for i := 0; i < batches; i++ {
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(err, errors.CodeCancelled, "training cancelled at epoch %d step %d", epoch, report.Steps)
			}

			res, elapsed, err := l.step(ctx, epoch, i, step)
			if err != nil {
				return errors.Wrapf(err, errors.CodeInternalError, "epoch %d batch %d failed", epoch, i).
					WithDetails("step", report.Steps+1)
			}

			report.Steps++
			report.LastLoss = res.Loss
			lossSum += res.Loss
			if res.Rewards != nil {
				rewarded++
				accSum += res.Rewards.Accuracy
				marginSum += res.Rewards.Margin
			}
			if m := l.deps.Metrics; m != nil {
				m.RecordStep(l.trainer, res.Loss, elapsed)
				if res.Rewards != nil {
					m.RecordRewards(res.Rewards.Accuracy, res.Rewards.Margin)
				}
			}

			if report.Steps%l.cfg.LoggingSteps == 0 {
				l.logStep(ctx, epoch, report.Steps, res)
			}
		}

		report.Epochs = epoch
		done := l.event(message.EventEpochDone)
		done.Epoch = epoch
		done.Step = report.Steps
		l.publish(ctx, done)
	}

	report.MeanLoss = lossSum / float64(report.Steps)
	if rewarded > 0 {
		report.RewardAccuracy = accSum / float64(rewarded)
		report.RewardMargin = marginSum / float64(rewarded)
	}
	return nil
}

func (l *Loop) step(ctx context.Context, epoch, index int, step StepFunc) (StepResult, time.Duration, error) {
	ctx, span := l.deps.Tracer.Start(ctx, l.trainer+".Step", oteltrace.WithAttributes(
		attribute.Int("train.epoch", epoch),
		attribute.Int("train.batch", index),
	))
	defer span.End()

	start := time.Now()
	res, err := step(ctx, epoch, index)
	if err != nil {
		trace.RecordError(span, err)
		return StepResult{}, 0, err
	}
	span.SetAttributes(attribute.Float64("train.loss", res.Loss))
	return res, time.Since(start), nil
}

func (l *Loop) logStep(ctx context.Context, epoch, steps int, res StepResult) {
	fields := []logging.Field{
		logging.Int("epoch", epoch),
		logging.Int("step", steps),
		logging.Float64("loss", res.Loss),
	}
	ev := l.event(message.EventStepLogged)
	ev.Epoch = epoch
	ev.Step = steps
	ev.Payload["loss"] = res.Loss
	if res.Rewards != nil {
		fields = append(fields,
			logging.Float64("reward_accuracy", res.Rewards.Accuracy),
			logging.Float64("reward_margin", res.Rewards.Margin))
		ev.Payload["reward_accuracy"] = res.Rewards.Accuracy
		ev.Payload["reward_margin"] = res.Rewards.Margin
	}
	l.logger.Info("step", fields...)
	l.publish(ctx, ev)
}

func (l *Loop) event(eventType string) *message.Event {
	return message.NewEvent(eventType, l.cfg.RunID, l.trainer)
}

// publish is best-effort; a broken event sink never fails training
func (l *Loop) publish(ctx context.Context, ev *message.Event) {
	if err := l.deps.Events.Publish(ctx, ev); err != nil {
		l.logger.Warn("failed to publish event", logging.String("type", ev.Type), logging.Error(err))
	}
}

// Range is a half-open interval of item indices
type Range struct {
	Start, End int
}

// Batches splits n items into consecutive ranges of at most size items
func Batches(n, size int) []Range {
	if n <= 0 || size <= 0 {
		return nil
	}
	out := make([]Range, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, Range{Start: start, End: end})
	}
	return out
}
