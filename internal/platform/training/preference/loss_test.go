package preference

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

const tol = 1e-9

func newLoss(t *testing.T, cfg LossConfig) *Loss {
	t.Helper()
	l, err := NewLoss(cfg)
	require.NoError(t, err)
	return l
}

// pairWithMargin builds a pair whose margin is m
func pairWithMargin(m float64) Pair {
	return Pair{PolicyChosen: m, PolicyRejected: 0, RefChosen: 0, RefRejected: 0}
}

func TestMargin(t *testing.T) {
	p := Pair{PolicyChosen: -1, PolicyRejected: -3, RefChosen: -2, RefRejected: -2.5}
	assert.InDelta(t, 1.5, p.Margin(), tol)
}

func TestComputeFormulas(t *testing.T) {
	m := 2.0
	beta := 0.1
	tests := []struct {
		name string
		cfg  LossConfig
		want float64
	}{
		{"sigmoid", LossConfig{Type: types.LossTypeSigmoid, Beta: beta}, math.Log1p(math.Exp(-beta * m))},
		{"hinge", LossConfig{Type: types.LossTypeHinge, Beta: beta}, 1 - beta*m},
		{"ipo", LossConfig{Type: types.LossTypeIPO, Beta: beta}, math.Pow(m-1/beta, 2)},
		{"conservative", LossConfig{Type: types.LossTypeConservative, Beta: beta, LabelSmoothing: 0.2},
			0.8*math.Log1p(math.Exp(-beta*m)) + 0.2*math.Log1p(math.Exp(beta*m))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, newLoss(t, tt.cfg).Compute(pairWithMargin(m)), tol)
		})
	}
}

func TestSigmoidAtZeroMargin(t *testing.T) {
	l := newLoss(t, LossConfig{Beta: 0.5})
	assert.InDelta(t, math.Ln2, l.Compute(Pair{}), tol)
	assert.Equal(t, types.LossTypeSigmoid, l.Config().Type)
}

func TestHingeClampsAtZero(t *testing.T) {
	l := newLoss(t, LossConfig{Type: types.LossTypeHinge, Beta: 1})
	assert.Equal(t, 0.0, l.Compute(pairWithMargin(5)))
	assert.InDelta(t, 3.0, l.Compute(pairWithMargin(-2)), tol)
}

func TestMonotoneInMargin(t *testing.T) {
	for _, lt := range []types.LossType{types.LossTypeSigmoid, types.LossTypeHinge} {
		l := newLoss(t, LossConfig{Type: lt, Beta: 0.7})
		prev := math.Inf(1)
		for m := -50.0; m <= 50; m += 0.25 {
			cur := l.Compute(pairWithMargin(m))
			assert.LessOrEqual(t, cur, prev, "%s not non-increasing at margin %v", lt, m)
			prev = cur
		}
	}
}

func TestLogSigmoidStable(t *testing.T) {
	assert.InDelta(t, -math.Ln2, LogSigmoid(0), tol)
	assert.InDelta(t, -1000, LogSigmoid(-1000), 1e-6)
	assert.InDelta(t, 0, LogSigmoid(1000), tol)
	assert.False(t, math.IsInf(LogSigmoid(-1e308), 0))
}

func TestRewardsAndBatch(t *testing.T) {
	l := newLoss(t, LossConfig{Beta: 0.5})
	pairs := []Pair{
		{PolicyChosen: -1, PolicyRejected: -4, RefChosen: -2, RefRejected: -2}, // chosen 0.5, rejected -1
		{PolicyChosen: -3, PolicyRejected: -1, RefChosen: -2, RefRejected: -2}, // chosen -0.5, rejected 0.5
	}

	r := l.Rewards(pairs[0])
	assert.InDelta(t, 0.5, r.Chosen, tol)
	assert.InDelta(t, -1.0, r.Rejected, tol)
	assert.InDelta(t, 1.5, r.Margin, tol)
	assert.True(t, r.Correct)

	res, err := l.Batch(pairs)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Accuracy, tol)
	assert.InDelta(t, (res.Losses[0]+res.Losses[1])/2, res.Loss, tol)
	assert.InDelta(t, 0.0, res.MeanChosen, tol)
	assert.InDelta(t, -0.25, res.MeanRejected, tol)
	assert.InDelta(t, 0.25, res.MeanMargin, tol)
	assert.Len(t, res.Rewards, 2)

	_, err = l.Batch(nil)
	assert.Error(t, err)
}

func TestBatchRejectsNonFinite(t *testing.T) {
	l := newLoss(t, LossConfig{Type: types.LossTypeIPO, Beta: 1})
	_, err := l.Batch([]Pair{{PolicyChosen: math.NaN()}})
	assert.Error(t, err)
}

func TestNewLossValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  LossConfig
	}{
		{"unknown type", LossConfig{Type: "kto", Beta: 0.1}},
		{"zero beta", LossConfig{Beta: 0}},
		{"negative beta", LossConfig{Beta: -1}},
		{"nan beta", LossConfig{Beta: math.NaN()}},
		{"smoothing above half", LossConfig{Beta: 0.1, LabelSmoothing: 0.6}},
		{"negative smoothing", LossConfig{Beta: 0.1, LabelSmoothing: -0.1}},
		{"smoothing with hinge", LossConfig{Type: types.LossTypeHinge, Beta: 0.1, LabelSmoothing: 0.1}},
		{"smoothing with ipo", LossConfig{Type: types.LossTypeIPO, Beta: 0.1, LabelSmoothing: 0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoss(tt.cfg)
			assert.True(t, errors.Is(err, errors.CodeInvalidConfig))
		})
	}
}

func TestAverageLogProbs(t *testing.T) {
	assert.True(t, newLoss(t, LossConfig{Type: types.LossTypeIPO, Beta: 0.1}).AverageLogProbs())
	assert.False(t, newLoss(t, LossConfig{Beta: 0.1}).AverageLogProbs())
}

func TestReduceLogProbs(t *testing.T) {
	I := tokenizer.IgnoreIndex
	logps := []float64{-9, -9, -1, -2, -3, -9}
	labels := []int{I, I, 5, 6, 7, I}

	sum, err := ReduceLogProbs(logps, labels, false)
	require.NoError(t, err)
	assert.InDelta(t, -6.0, sum, tol)

	mean, err := ReduceLogProbs(logps, labels, true)
	require.NoError(t, err)
	assert.InDelta(t, -2.0, mean, tol)

	_, err = ReduceLogProbs(logps, labels[:2], false)
	assert.Error(t, err)

	_, err = ReduceLogProbs([]float64{-1}, []int{I}, false)
	assert.Error(t, err)
}
