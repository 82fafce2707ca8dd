package service

import (
	"context"

	"github.com/openeeap/trainkit/internal/app"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/platform/training"
	"github.com/openeeap/trainkit/internal/platform/training/dataset"
	"github.com/openeeap/trainkit/internal/platform/training/dpo"
	"github.com/openeeap/trainkit/internal/platform/training/hub"
	"github.com/openeeap/trainkit/internal/platform/training/preference"
	"github.com/openeeap/trainkit/internal/platform/training/reference"
	"github.com/openeeap/trainkit/internal/platform/training/sft"
)

// TrainResult is a finished run plus the held-out evaluation, if any
type TrainResult struct {
	Report *training.Report        `json:"report"`
	Eval   *preference.BatchResult `json:"eval,omitempty"`
}

// TrainingService runs trainers against external model runtimes
type TrainingService interface {
	// RunSFT trains through backend on the dataset at uri
	RunSFT(ctx context.Context, uri string, backend training.Backend) (*TrainResult, error)

	// RunDPO loads the policy (and reference) through the hub and trains
	// with opt. dataset.eval_ratio of the pairs is held out and evaluated.
	RunDPO(ctx context.Context, uri string, loader reference.ModelLoader, opt training.Optimizer) (*TrainResult, error)
}

type trainingService struct {
	c    *app.Container
	data DataService
}

// NewTrainingService creates the training service
func NewTrainingService(c *app.Container) TrainingService {
	return &trainingService{c: c, data: NewDataService(c)}
}

func (s *trainingService) RunSFT(ctx context.Context, uri string, backend training.Backend) (*TrainResult, error) {
	recs, err := s.data.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	f, err := s.c.Formatter()
	if err != nil {
		return nil, err
	}
	tok, err := s.c.Tokenizer()
	if err != nil {
		return nil, err
	}

	cfg := sft.Config{
		Config:            s.c.TrainingConfig(),
		ValidateBeforeRun: s.c.Config.Training.ValidateBeforeRun,
	}
	if s.c.Config.Packing.Enabled {
		pc := s.c.PackingConfig(tok)
		cfg.Packing = &pc
	} else if cfg.Collator, err = s.c.CollatorConfig(ctx, tok); err != nil {
		return nil, err
	}

	trainer, err := sft.New(cfg, f, tok, backend, s.c.Dependencies())
	if err != nil {
		return nil, err
	}
	report, err := trainer.Run(ctx, recs)
	if err != nil {
		return nil, err
	}
	return &TrainResult{Report: report}, nil
}

func (s *trainingService) RunDPO(ctx context.Context, uri string, loader reference.ModelLoader, opt training.Optimizer) (*TrainResult, error) {
	recs, err := s.data.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	trainSet, evalSet, err := dataset.Split(recs, s.c.Config.Dataset.EvalRatio, s.c.Config.Run.Seed)
	if err != nil {
		return nil, err
	}

	tok, err := s.c.Tokenizer()
	if err != nil {
		return nil, err
	}
	coord, closeRepo, err := s.coordinator(ctx, loader)
	if err != nil {
		return nil, err
	}
	defer closeRepo()

	pc := s.c.Config.Preference
	trainer, err := dpo.New(dpo.Config{
		Config:          s.c.TrainingConfig(),
		Loss:            s.c.LossConfig(),
		MaxPromptLength: pc.MaxPromptLength,
		MaxLength:       pc.MaxLength,
		PadID:           tok.Pad(),
		PadToMultipleOf: s.c.Config.Collator.PadToMultipleOf,
	}, tok, coord, opt, s.c.Dependencies())
	if err != nil {
		return nil, err
	}

	report, err := trainer.Run(ctx, trainSet)
	if err != nil {
		return nil, err
	}
	result := &TrainResult{Report: report}
	if len(evalSet) > 0 {
		if result.Eval, err = trainer.Evaluate(ctx, evalSet); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *trainingService) coordinator(ctx context.Context, loader reference.ModelLoader) (*reference.Coordinator, func(), error) {
	repo, err := s.c.Hub()
	if err != nil {
		return nil, nil, err
	}
	closeRepo := func() {
		if err := repo.Close(); err != nil {
			s.c.Logger.Warn("failed to close model repository", logging.Error(err))
		}
	}

	rc := s.c.Config.Reference
	opts := []reference.Option{reference.WithLogger(s.c.Logger)}
	if rc.EnableCache {
		scope := s.c.RunID() + ":" + rc.ReferenceModel + "@" + rc.Revision + ":" + rc.ReferenceAdapter
		cache := reference.NewLogProbCache(s.c.Cache, scope, s.c.Config.Redis.DefaultTTL, s.c.Logger, s.c.Metrics)
		opts = append(opts, reference.WithCache(cache))
	}

	coord, err := reference.Build(ctx, reference.BuildConfig{
		Config: reference.Config{
			Mode:             s.c.Config.ReferenceMode(),
			PolicyAdapter:    rc.PolicyAdapter,
			ReferenceAdapter: rc.ReferenceAdapter,
		},
		Policy:    hub.ModelRef{Name: rc.PolicyModel, Revision: rc.Revision},
		Reference: hub.ModelRef{Name: rc.ReferenceModel, Revision: rc.Revision},
	}, repo, loader, opts...)
	if err != nil {
		closeRepo()
		return nil, nil, err
	}
	return coord, closeRepo, nil
}
