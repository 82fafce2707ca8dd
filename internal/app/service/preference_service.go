package service

import (
	"github.com/openeeap/trainkit/internal/app"
	"github.com/openeeap/trainkit/internal/app/dto"
	"github.com/openeeap/trainkit/internal/platform/training/preference"
)

// PreferenceService evaluates the configured preference loss
type PreferenceService interface {
	ComputeLoss(pairs []dto.PairInput) (*dto.LossResponse, error)
}

type preferenceService struct {
	c *app.Container
}

// NewPreferenceService creates the preference service
func NewPreferenceService(c *app.Container) PreferenceService {
	return &preferenceService{c: c}
}

func (s *preferenceService) ComputeLoss(pairs []dto.PairInput) (*dto.LossResponse, error) {
	loss, err := preference.NewLoss(s.c.LossConfig())
	if err != nil {
		return nil, err
	}

	in := make([]preference.Pair, len(pairs))
	for i, p := range pairs {
		in[i] = preference.Pair{
			PolicyChosen:   p.PolicyChosen,
			PolicyRejected: p.PolicyRejected,
			RefChosen:      p.RefChosen,
			RefRejected:    p.RefRejected,
		}
	}
	res, err := loss.Batch(in)
	if err != nil {
		return nil, err
	}

	cfg := loss.Config()
	resp := &dto.LossResponse{
		Type:       cfg.Type.String(),
		Beta:       cfg.Beta,
		Loss:       res.Loss,
		Accuracy:   res.Accuracy,
		MeanMargin: res.MeanMargin,
		Pairs:      make([]dto.PairLoss, len(in)),
	}
	for i := range in {
		r := res.Rewards[i]
		resp.Pairs[i] = dto.PairLoss{
			Loss:           res.Losses[i],
			ChosenReward:   r.Chosen,
			RejectedReward: r.Rejected,
			Correct:        r.Correct,
		}
	}
	return resp, nil
}
