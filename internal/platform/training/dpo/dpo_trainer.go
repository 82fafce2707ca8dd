// Package dpo trains a policy on preference pairs against a frozen
// reference policy.
package dpo

import (
	"context"

	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/platform/training"
	"github.com/openeeap/trainkit/internal/platform/training/collator"
	"github.com/openeeap/trainkit/internal/platform/training/dataset"
	"github.com/openeeap/trainkit/internal/platform/training/preference"
	"github.com/openeeap/trainkit/internal/platform/training/reference"
	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

const trainerName = string(types.TrainingTypeDPO)

// Config configures the DPO trainer
type Config struct {
	training.Config

	Loss preference.LossConfig

	// Prompt tokens kept, counted from the end of the prompt (0 keeps all)
	MaxPromptLength int

	// Max prompt+response tokens per sequence (0 disables truncation)
	MaxLength int

	PadID           int
	PadToMultipleOf int
}

// Example is a tokenized preference pair. Responses end with EOS.
type Example struct {
	ID       string
	Prompt   []int
	Chosen   []int
	Rejected []int
}

// Trainer runs DPO
type Trainer struct {
	cfg   Config
	tok   tokenizer.Tokenizer
	coord *reference.Coordinator
	loss  *preference.Loss
	opt   training.Optimizer
	loop  *training.Loop
}

// New creates a trainer
func New(cfg Config, tok tokenizer.Tokenizer, coord *reference.Coordinator, opt training.Optimizer, deps training.Dependencies) (*Trainer, error) {
	if tok == nil || coord == nil || opt == nil {
		return nil, errors.ConfigError("dpo trainer requires a tokenizer, reference coordinator and optimizer")
	}
	if cfg.MaxPromptLength < 0 || cfg.MaxLength < 0 {
		return nil, errors.ConfigError("max_prompt_length and max_length must be non-negative")
	}
	if cfg.MaxLength > 0 && cfg.MaxPromptLength >= cfg.MaxLength {
		return nil, errors.ConfigErrorf("max prompt length %d leaves no room for a response within %d tokens",
			cfg.MaxPromptLength, cfg.MaxLength)
	}

	loss, err := preference.NewLoss(cfg.Loss)
	if err != nil {
		return nil, err
	}
	loop, err := training.NewLoop(trainerName, cfg.Config, deps)
	if err != nil {
		return nil, err
	}
	return &Trainer{cfg: cfg, tok: tok, coord: coord, loss: loss, opt: opt, loop: loop}, nil
}

// RunID returns the run identifier
func (t *Trainer) RunID() string {
	return t.loop.RunID()
}

// Tokenize encodes preference records. Prompt and responses are encoded
// separately so the prompt boundary is exact.
func (t *Trainer) Tokenize(ctx context.Context, recs []dataset.Record) ([]Example, error) {
	out := make([]Example, 0, len(recs))
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.CodeCancelled, "tokenization cancelled")
		}
		if rec.Shape != types.RecordShapePreference {
			return nil, errors.Newf(errors.CodeUnknownShape, "record %s has shape %q, dpo needs preference records", rec.ID, rec.Shape).
				WithDetails("record", rec.ID)
		}

		ex := Example{ID: rec.ID}
		var err error
		if ex.Prompt, err = t.encode(ctx, rec.ID, rec.Prompt, false); err != nil {
			return nil, err
		}
		if ex.Chosen, err = t.encode(ctx, rec.ID, rec.Chosen, true); err != nil {
			return nil, err
		}
		if ex.Rejected, err = t.encode(ctx, rec.ID, rec.Rejected, true); err != nil {
			return nil, err
		}
		if err := t.truncate(&ex); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

func (t *Trainer) encode(ctx context.Context, id, text string, appendEOS bool) ([]int, error) {
	seq, err := tokenizer.EncodeSequence(ctx, t.tok, id, text, appendEOS)
	if err != nil {
		return nil, err
	}
	return seq.InputIDs, nil
}

// truncate keeps the end of the prompt, then cuts both responses to fit
func (t *Trainer) truncate(ex *Example) error {
	if n := t.cfg.MaxPromptLength; n > 0 && len(ex.Prompt) > n {
		ex.Prompt = ex.Prompt[len(ex.Prompt)-n:]
	}
	if t.cfg.MaxLength > 0 {
		room := t.cfg.MaxLength - len(ex.Prompt)
		if room <= 0 {
			return errors.Newf(errors.CodeMalformedRecord, "record %s: prompt of %d tokens leaves no room for a response",
				ex.ID, len(ex.Prompt))
		}
		if len(ex.Chosen) > room {
			ex.Chosen = ex.Chosen[:room]
		}
		if len(ex.Rejected) > room {
			ex.Rejected = ex.Rejected[:room]
		}
	}
	if len(ex.Chosen) == 0 || len(ex.Rejected) == 0 {
		return errors.Newf(errors.CodeMalformedRecord, "record %s has an empty response", ex.ID)
	}
	return nil
}

// Rows returns the chosen and rejected sequences, prompt positions ignored
func (ex Example) Rows() (chosen, rejected collator.LabeledSequence) {
	return row(ex.ID+"/chosen", ex.Prompt, ex.Chosen), row(ex.ID+"/rejected", ex.Prompt, ex.Rejected)
}

func row(id string, prompt, response []int) collator.LabeledSequence {
	n := len(prompt) + len(response)
	ids := make([]int, 0, n)
	ids = append(ids, prompt...)
	ids = append(ids, response...)

	labels := make([]int, n)
	mask := make([]int, n)
	for i := range labels {
		mask[i] = 1
		if i < len(prompt) {
			labels[i] = tokenizer.IgnoreIndex
		} else {
			labels[i] = ids[i]
		}
	}
	return collator.LabeledSequence{ID: id, InputIDs: ids, AttentionMask: mask, Labels: labels}
}

// Batch interleaves chosen and rejected rows: row 2i is the chosen response
// of examples[i], row 2i+1 the rejected one
func (t *Trainer) Batch(examples []Example) *collator.Batch {
	rows := make([]collator.LabeledSequence, 0, 2*len(examples))
	for _, ex := range examples {
		c, r := ex.Rows()
		rows = append(rows, c, r)
	}
	return collator.Pad(rows, t.cfg.PadID, t.cfg.PadToMultipleOf)
}

// Pairs runs policy and reference passes over examples and reduces them to
// per-pair sequence log-probabilities
func (t *Trainer) Pairs(ctx context.Context, examples []Example) ([]preference.Pair, error) {
	batch := t.Batch(examples)

	ref, err := t.coord.LogProbs(ctx, reference.RoleReference, batch)
	if err != nil {
		return nil, err
	}
	policy, err := t.coord.LogProbs(ctx, reference.RolePolicy, batch)
	if err != nil {
		return nil, err
	}

	avg := t.loss.AverageLogProbs()
	reduce := func(logps [][]float64, i int) (float64, error) {
		v, err := preference.ReduceLogProbs(logps[i], batch.Labels[i], avg)
		if err != nil {
			return 0, errors.Wrapf(err, errors.CodeInternalError, "sequence %s", batch.IDs[i])
		}
		return v, nil
	}

	pairs := make([]preference.Pair, len(examples))
	for i := range examples {
		var p preference.Pair
		if p.PolicyChosen, err = reduce(policy, 2*i); err != nil {
			return nil, err
		}
		if p.PolicyRejected, err = reduce(policy, 2*i+1); err != nil {
			return nil, err
		}
		if p.RefChosen, err = reduce(ref, 2*i); err != nil {
			return nil, err
		}
		if p.RefRejected, err = reduce(ref, 2*i+1); err != nil {
			return nil, err
		}
		pairs[i] = p
	}
	return pairs, nil
}

// Run trains on recs and returns the run report
func (t *Trainer) Run(ctx context.Context, recs []dataset.Record) (*training.Report, error) {
	prepCtx, span := t.loop.Tracer().Start(ctx, "dpo.Prepare")
	examples, err := t.Tokenize(prepCtx, recs)
	span.End()
	if err != nil {
		return nil, err
	}

	report := &training.Report{Sequences: 2 * len(examples)}
	ranges := training.Batches(len(examples), t.cfg.BatchSize)

	err = t.loop.Run(ctx, report, len(ranges), func(ctx context.Context, epoch, index int) (training.StepResult, error) {
		r := ranges[index]
		pairs, err := t.Pairs(ctx, examples[r.Start:r.End])
		if err != nil {
			return training.StepResult{}, err
		}
		res, err := t.loss.Batch(pairs)
		if err != nil {
			return training.StepResult{}, err
		}
		if err := t.opt.Step(ctx, res.Loss); err != nil {
			return training.StepResult{}, errors.Wrap(err, errors.CodeModelError, "optimizer step failed")
		}
		if epoch == 1 {
			report.MaskedSequences += 2 * len(pairs)
			if m := t.loop.Metrics(); m != nil {
				m.AddCounter("sequences_collated_total", float64(2*len(pairs)), map[string]string{"trainer": trainerName})
			}
		}
		return training.StepResult{
			Loss:    res.Loss,
			Rewards: &training.Rewards{Accuracy: res.Accuracy, Margin: res.MeanMargin},
		}, nil
	})
	return report, err
}

// Evaluate computes loss and reward statistics over recs without stepping
// the optimizer
func (t *Trainer) Evaluate(ctx context.Context, recs []dataset.Record) (*preference.BatchResult, error) {
	ctx, span := t.loop.Tracer().Start(ctx, "dpo.Evaluate")
	defer span.End()

	examples, err := t.Tokenize(ctx, recs)
	if err != nil {
		return nil, err
	}

	var pairs []preference.Pair
	for _, r := range training.Batches(len(examples), t.cfg.BatchSize) {
		batchPairs, err := t.Pairs(ctx, examples[r.Start:r.End])
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, batchPairs...)
	}

	res, err := t.loss.Batch(pairs)
	if err != nil {
		return nil, err
	}
	t.loop.Logger().Info("evaluation completed",
		logging.Int("pairs", len(pairs)),
		logging.Float64("loss", res.Loss),
		logging.Float64("reward_accuracy", res.Accuracy))
	return res, nil
}
