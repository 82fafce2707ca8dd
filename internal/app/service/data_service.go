package service

import (
	"context"

	"github.com/openeeap/trainkit/internal/app"
	"github.com/openeeap/trainkit/internal/app/dto"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/observability/trace"
	"github.com/openeeap/trainkit/internal/platform/training/dataset"
	"github.com/openeeap/trainkit/internal/platform/training/packing"
	"github.com/openeeap/trainkit/internal/platform/training/sft"
	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/errors"
)

// DataService runs the dataset side of the pipeline without training
type DataService interface {
	// Load reads records from uri, or dataset.path when uri is empty
	Load(ctx context.Context, uri string) ([]dataset.Record, error)

	// Format renders up to limit records (all when limit <= 0)
	Format(ctx context.Context, uri string, limit int) (*dto.FormatResponse, error)

	// Pack tokenizes and packs the dataset, reporting block statistics
	Pack(ctx context.Context, uri string) (*dto.PackResponse, error)

	// Validate checks every sequence for its response marker
	Validate(ctx context.Context, uri string) (*dto.ValidateResponse, error)
}

type dataService struct {
	c      *app.Container
	logger logging.Logger
}

// NewDataService creates the data service
func NewDataService(c *app.Container) DataService {
	return &dataService{c: c, logger: c.Logger.With(logging.String("service", "data"))}
}

func (s *dataService) Load(ctx context.Context, uri string) ([]dataset.Record, error) {
	if uri == "" {
		uri = s.c.Config.Dataset.Path
	}
	if uri == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "no dataset given and dataset.path is empty")
	}

	ctx, span := s.c.Tracer.Start(ctx, "DataService.Load")
	defer span.End()

	recs, err := s.c.Loader().Load(ctx, uri)
	if err != nil {
		trace.RecordError(span, err)
		return nil, err
	}
	return recs, nil
}

func (s *dataService) Format(ctx context.Context, uri string, limit int) (*dto.FormatResponse, error) {
	recs, err := s.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	f, err := s.c.Formatter()
	if err != nil {
		return nil, err
	}

	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	resp := &dto.FormatResponse{Records: len(recs)}
	for _, rec := range recs {
		texts, err := f.Expand([]dataset.Record{rec})
		if err != nil {
			return nil, err
		}
		for _, text := range texts {
			resp.Texts = append(resp.Texts, dto.FormattedText{ID: rec.ID, Shape: rec.Shape.String(), Text: text})
		}
	}
	return resp, nil
}

func (s *dataService) Pack(ctx context.Context, uri string) (*dto.PackResponse, error) {
	tok, _, seqs, err := s.tokenize(ctx, uri, false)
	if err != nil {
		return nil, err
	}

	cfg := s.c.PackingConfig(tok)
	_, stats, err := packing.Pack(seqs, cfg)
	if err != nil {
		return nil, err
	}
	s.c.Metrics.RecordPacking(stats.Blocks, stats.TokensDropped, stats.TokensPadded)
	s.logger.Info("packed dataset",
		logging.Int("sequences", stats.Sequences),
		logging.Int("blocks", stats.Blocks),
		logging.Int("tokens_dropped", stats.TokensDropped))

	return &dto.PackResponse{
		Sequences:     stats.Sequences,
		BlockLength:   cfg.BlockLength,
		Leftover:      cfg.Leftover.String(),
		Blocks:        stats.Blocks,
		TokensIn:      stats.TokensIn,
		TokensEmitted: stats.TokensEmitted,
		TokensDropped: stats.TokensDropped,
		TokensPadded:  stats.TokensPadded,
	}, nil
}

func (s *dataService) Validate(ctx context.Context, uri string) (*dto.ValidateResponse, error) {
	tok, recs, seqs, err := s.tokenize(ctx, uri, true)
	if err != nil {
		return nil, err
	}
	col, err := s.c.Collator(ctx, tok)
	if err != nil {
		return nil, err
	}

	cfg := col.Config()
	resp := &dto.ValidateResponse{
		Records:           len(recs),
		Sequences:         len(seqs),
		ResponseMarker:    cfg.ResponseMarker,
		InstructionMarker: cfg.InstructionMarker,
	}
	for i, seq := range seqs {
		labels, err := col.Mask(seq)
		if err != nil {
			resp.Issues = append(resp.Issues, dto.NewIssue(i, seq.ID, err))
			continue
		}
		for _, l := range labels {
			if l != tokenizer.IgnoreIndex {
				resp.TrainableTokens++
			}
		}
	}

	if n := len(resp.Issues); n > 0 {
		s.c.Metrics.AddCounter("sequences_unmatched_total", float64(n), map[string]string{"trainer": "validate"})
		s.logger.Warn("sequences without response marker", logging.Int("count", n), logging.Int("sequences", len(seqs)))
	}
	return resp, nil
}

func (s *dataService) tokenize(ctx context.Context, uri string, appendEOS bool) (tokenizer.Tokenizer, []dataset.Record, []tokenizer.TokenSequence, error) {
	recs, err := s.Load(ctx, uri)
	if err != nil {
		return nil, nil, nil, err
	}
	f, err := s.c.Formatter()
	if err != nil {
		return nil, nil, nil, err
	}
	tok, err := s.c.Tokenizer()
	if err != nil {
		return nil, nil, nil, err
	}
	seqs, err := sft.Tokenize(ctx, f, tok, recs, appendEOS)
	if err != nil {
		return nil, nil, nil, err
	}
	return tok, recs, seqs, nil
}
