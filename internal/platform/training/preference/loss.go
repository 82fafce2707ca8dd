// Package preference computes preference-pair losses and implicit rewards
// from sequence log-probabilities.
package preference

import (
	"math"

	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

// LossConfig selects and parameterizes the loss
type LossConfig struct {
	Type types.LossType

	// Beta is the temperature; must be positive
	Beta float64

	// LabelSmoothing is the assumed label-noise probability in [0, 0.5]
	LabelSmoothing float64
}

// Pair holds the four sequence log-probabilities of one preference pair
type Pair struct {
	PolicyChosen   float64
	PolicyRejected float64
	RefChosen      float64
	RefRejected    float64
}

// Margin is (pc - rc) - (pr - rr)
func (p Pair) Margin() float64 {
	return (p.PolicyChosen - p.RefChosen) - (p.PolicyRejected - p.RefRejected)
}

// Reward holds the implicit rewards of one pair
type Reward struct {
	Chosen   float64
	Rejected float64
	Margin   float64
	Correct  bool
}

// BatchResult aggregates one batch of pairs
type BatchResult struct {
	Loss         float64
	Losses       []float64
	Rewards      []Reward
	Accuracy     float64
	MeanMargin   float64
	MeanChosen   float64
	MeanRejected float64
}

// Loss computes preference losses. It holds no mutable state.
type Loss struct {
	cfg LossConfig
}

// NewLoss validates cfg
func NewLoss(cfg LossConfig) (*Loss, error) {
	if cfg.Type == "" {
		cfg.Type = types.LossTypeSigmoid
	}
	if !cfg.Type.Valid() {
		return nil, errors.ConfigErrorf("unknown loss type %q", cfg.Type)
	}
	if !(cfg.Beta > 0) || math.IsInf(cfg.Beta, 0) {
		return nil, errors.ConfigErrorf("beta must be positive and finite, got %v", cfg.Beta)
	}
	if cfg.LabelSmoothing < 0 || cfg.LabelSmoothing > 0.5 || math.IsNaN(cfg.LabelSmoothing) {
		return nil, errors.ConfigErrorf("label smoothing must be in [0, 0.5], got %v", cfg.LabelSmoothing)
	}
	if cfg.LabelSmoothing > 0 && !cfg.Type.AcceptsLabelSmoothing() {
		return nil, errors.ConfigErrorf("label smoothing is not supported by the %s loss", cfg.Type)
	}
	return &Loss{cfg: cfg}, nil
}

// Config returns the loss configuration
func (l *Loss) Config() LossConfig {
	return l.cfg
}

// AverageLogProbs reports whether sequence log-probs must be length-averaged
func (l *Loss) AverageLogProbs() bool {
	return l.cfg.Type.AverageLogProbs()
}

// Compute returns the loss of one pair
func (l *Loss) Compute(p Pair) float64 {
	beta := l.cfg.Beta
	m := p.Margin()

	switch l.cfg.Type {
	case types.LossTypeHinge:
		return math.Max(0, 1-beta*m)
	case types.LossTypeIPO:
		d := m - 1/beta
		return d * d
	default:
		// sigmoid and conservative; sigmoid with smoothing is the same formula
		eps := l.cfg.LabelSmoothing
		return -(1-eps)*LogSigmoid(beta*m) - eps*LogSigmoid(-beta*m)
	}
}

// Rewards returns the implicit rewards of one pair
func (l *Loss) Rewards(p Pair) Reward {
	chosen := l.cfg.Beta * (p.PolicyChosen - p.RefChosen)
	rejected := l.cfg.Beta * (p.PolicyRejected - p.RefRejected)
	return Reward{
		Chosen:   chosen,
		Rejected: rejected,
		Margin:   chosen - rejected,
		Correct:  chosen > rejected,
	}
}

// Batch computes mean loss and reward statistics over pairs
func (l *Loss) Batch(pairs []Pair) (*BatchResult, error) {
	if len(pairs) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "batch has no preference pairs")
	}

	res := &BatchResult{
		Losses:  make([]float64, len(pairs)),
		Rewards: make([]Reward, len(pairs)),
	}
	correct := 0
	for i, p := range pairs {
		loss := l.Compute(p)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return nil, errors.Newf(errors.CodeInvalidArgument, "pair %d has non-finite loss from %+v", i, p)
		}
		r := l.Rewards(p)
		res.Losses[i] = loss
		res.Rewards[i] = r
		res.Loss += loss
		res.MeanChosen += r.Chosen
		res.MeanRejected += r.Rejected
		res.MeanMargin += r.Margin
		if r.Correct {
			correct++
		}
	}

	n := float64(len(pairs))
	res.Loss /= n
	res.MeanChosen /= n
	res.MeanRejected /= n
	res.MeanMargin /= n
	res.Accuracy = float64(correct) / n
	return res, nil
}

// LogSigmoid returns log(1 / (1 + exp(-x))) without overflow
func LogSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}

// ReduceLogProbs sums (or averages) per-token log-probs over the positions
// whose label is not IgnoreIndex. tokenLogProbs[i] is the log-prob of the
// token labeled at position i.
func ReduceLogProbs(tokenLogProbs []float64, labels []int, average bool) (float64, error) {
	if len(tokenLogProbs) != len(labels) {
		return 0, errors.Newf(errors.CodeInvalidArgument, "got %d log-probs for %d labels", len(tokenLogProbs), len(labels))
	}

	sum, count := 0.0, 0
	for i, l := range labels {
		if l == tokenizer.IgnoreIndex {
			continue
		}
		sum += tokenLogProbs[i]
		count++
	}
	if count == 0 {
		return 0, errors.New(errors.CodeInvalidArgument, "sequence has no response tokens")
	}
	if average {
		return sum / float64(count), nil
	}
	return sum, nil
}
