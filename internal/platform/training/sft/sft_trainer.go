// Package sft runs supervised fine-tuning: records are formatted, tokenized
// and either packed into fixed blocks or collated with completion-only
// labels before each backend step.
package sft

import (
	"context"
	"fmt"

	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/platform/training"
	"github.com/openeeap/trainkit/internal/platform/training/collator"
	"github.com/openeeap/trainkit/internal/platform/training/dataset"
	"github.com/openeeap/trainkit/internal/platform/training/packing"
	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

const trainerName = string(types.TrainingTypeSFT)

// Config configures the SFT trainer
type Config struct {
	training.Config

	// Packing switches from collation to fixed-length packing
	Packing *packing.Config

	// Collator is used when Packing is nil
	Collator collator.Config

	// ValidateBeforeRun checks every sequence for its response marker
	// before the first step instead of failing at the offending batch
	ValidateBeforeRun bool
}

// Trainer runs supervised fine-tuning
type Trainer struct {
	cfg       Config
	formatter *dataset.Formatter
	tok       tokenizer.Tokenizer
	backend   training.Backend
	collator  *collator.Collator
	loop      *training.Loop
}

// New creates a trainer. Configuration errors surface here, before any data
// is touched.
func New(cfg Config, formatter *dataset.Formatter, tok tokenizer.Tokenizer, backend training.Backend, deps training.Dependencies) (*Trainer, error) {
	if formatter == nil || tok == nil || backend == nil {
		return nil, errors.ConfigError("sft trainer requires a formatter, tokenizer and backend")
	}

	t := &Trainer{cfg: cfg, formatter: formatter, tok: tok, backend: backend}
	if cfg.Packing != nil {
		if _, err := packing.New(*cfg.Packing); err != nil {
			return nil, err
		}
	} else {
		c, err := collator.New(cfg.Collator)
		if err != nil {
			return nil, err
		}
		t.collator = c
	}

	loop, err := training.NewLoop(trainerName, cfg.Config, deps)
	if err != nil {
		return nil, err
	}
	t.loop = loop
	return t, nil
}

// RunID returns the run identifier
func (t *Trainer) RunID() string {
	return t.loop.RunID()
}

// Tokenize formats and encodes records with the trainer's settings
func (t *Trainer) Tokenize(ctx context.Context, recs []dataset.Record) ([]tokenizer.TokenSequence, error) {
	// The packing separator already terminates every sequence
	return Tokenize(ctx, t.formatter, t.tok, recs, t.cfg.Packing == nil)
}

// Tokenize formats and encodes records in order. A record rendering to
// several texts yields one sequence per text with IDs "<id>/<n>".
func Tokenize(ctx context.Context, f *dataset.Formatter, tok tokenizer.Tokenizer, recs []dataset.Record, appendEOS bool) ([]tokenizer.TokenSequence, error) {
	var seqs []tokenizer.TokenSequence
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.CodeCancelled, "tokenization cancelled")
		}
		texts, err := f.Expand([]dataset.Record{rec})
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidArgument, "record %d", i).WithDetails("record", rec.ID)
		}
		for j, text := range texts {
			id := rec.ID
			if len(texts) > 1 {
				id = fmt.Sprintf("%s/%d", rec.ID, j)
			}
			seq, err := tokenizer.EncodeSequence(ctx, tok, id, text, appendEOS)
			if err != nil {
				return nil, err
			}
			seqs = append(seqs, seq)
		}
	}
	return seqs, nil
}

// Run trains on recs and returns the run report
func (t *Trainer) Run(ctx context.Context, recs []dataset.Record) (*training.Report, error) {
	prepCtx, span := t.loop.Tracer().Start(ctx, "sft.Prepare")
	seqs, err := t.Tokenize(prepCtx, recs)
	span.End()
	if err != nil {
		return nil, err
	}

	report := &training.Report{Sequences: len(seqs)}
	var next func(index int) (*collator.Batch, error)
	var batches int
	if t.cfg.Packing != nil {
		packed, err := t.pack(seqs, report)
		if err != nil {
			return nil, err
		}
		batches = len(packed)
		next = func(index int) (*collator.Batch, error) { return packed[index], nil }
	} else {
		if t.cfg.ValidateBeforeRun {
			if err := t.validate(seqs); err != nil {
				return nil, err
			}
		}
		ranges := training.Batches(len(seqs), t.cfg.BatchSize)
		collated := make([]*collator.Batch, len(ranges))
		batches = len(ranges)
		next = func(index int) (*collator.Batch, error) {
			if collated[index] != nil {
				return collated[index], nil
			}
			r := ranges[index]
			batch, err := t.collator.Collate(seqs[r.Start:r.End])
			if err != nil {
				t.recordUnmatched(countJoined(err))
				return nil, err
			}
			collated[index] = batch
			report.MaskedSequences += batch.Len()
			if m := t.loop.Metrics(); m != nil {
				m.AddCounter("sequences_collated_total", float64(batch.Len()), map[string]string{"trainer": trainerName})
			}
			return batch, nil
		}
	}

	err = t.loop.Run(ctx, report, batches, func(ctx context.Context, epoch, index int) (training.StepResult, error) {
		batch, err := next(index)
		if err != nil {
			return training.StepResult{}, err
		}
		loss, err := t.backend.TrainStep(ctx, batch)
		if err != nil {
			return training.StepResult{}, errors.Wrap(err, errors.CodeModelError, "backend step failed")
		}
		return training.StepResult{Loss: loss}, nil
	})
	if err != nil {
		return report, err
	}
	return report, nil
}

// pack assembles blocks and groups them BatchSize per batch
func (t *Trainer) pack(seqs []tokenizer.TokenSequence, report *training.Report) ([]*collator.Batch, error) {
	cfg := *t.cfg.Packing
	blocks, stats, err := packing.Pack(seqs, cfg)
	if err != nil {
		return nil, err
	}

	report.Blocks = stats.Blocks
	report.TokensDropped = stats.TokensDropped
	report.TokensPadded = stats.TokensPadded
	if m := t.loop.Metrics(); m != nil {
		m.RecordPacking(stats.Blocks, stats.TokensDropped, stats.TokensPadded)
	}
	t.loop.Logger().Info("packed sequences",
		logging.Int("sequences", stats.Sequences),
		logging.Int("blocks", stats.Blocks),
		logging.Int("tokens_dropped", stats.TokensDropped),
		logging.Int("tokens_padded", stats.TokensPadded))

	if len(blocks) == 0 {
		return nil, errors.Newf(errors.CodeInvalidArgument,
			"%d tokens do not fill a single block of %d", stats.TokensIn, cfg.BlockLength)
	}

	var out []*collator.Batch
	for _, r := range training.Batches(len(blocks), t.cfg.BatchSize) {
		rows := make([]collator.LabeledSequence, 0, r.End-r.Start)
		for i := r.Start; i < r.End; i++ {
			b := blocks[i]
			rows = append(rows, collator.LabeledSequence{
				ID:            fmt.Sprintf("block-%d", i),
				InputIDs:      b.InputIDs,
				AttentionMask: b.AttentionMask,
				Labels:        b.Labels,
			})
		}
		out = append(out, collator.Pad(rows, cfg.PadID, 0))
	}
	return out, nil
}

func (t *Trainer) validate(seqs []tokenizer.TokenSequence) error {
	errs := t.collator.Validate(seqs)
	if len(errs) == 0 {
		return nil
	}
	t.recordUnmatched(len(errs))
	return errors.Wrapf(errors.Join(errs...), errors.CodeMarkerNotFound, "%d of %d sequences have no response marker", len(errs), len(seqs))
}

func (t *Trainer) recordUnmatched(n int) {
	if m := t.loop.Metrics(); m != nil {
		m.AddCounter("sequences_unmatched_total", float64(n), map[string]string{"trainer": trainerName})
	}
}

func countJoined(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}
