package dpo

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openeeap/trainkit/internal/platform/training"
	"github.com/openeeap/trainkit/internal/platform/training/collator"
	"github.com/openeeap/trainkit/internal/platform/training/dataset"
	"github.com/openeeap/trainkit/internal/platform/training/preference"
	"github.com/openeeap/trainkit/internal/platform/training/reference"
	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

const I = tokenizer.IgnoreIndex

// hello=0 world=1 good=2 day=3 bye=4 <unk>=5 <eos>=6 <pad>=7
func newVocab(t *testing.T) *tokenizer.Vocab {
	t.Helper()
	v, err := tokenizer.NewVocab("test", []string{"hello", "world", "good", "day", "bye"})
	require.NoError(t, err)
	return v
}

// constModel returns chosen for every position of chosen rows and
// rejected for every position of rejected rows
type constModel struct {
	chosen, rejected float64
	calls            int
}

func (m *constModel) TokenLogProbs(ctx context.Context, batch *collator.Batch) ([][]float64, error) {
	m.calls++
	out := make([][]float64, batch.Len())
	for i, id := range batch.IDs {
		v := m.rejected
		if strings.HasSuffix(id, "/chosen") {
			v = m.chosen
		}
		out[i] = make([]float64, len(batch.Labels[i]))
		for j := range out[i] {
			out[i][j] = v
		}
	}
	return out, nil
}

type fakeOptimizer struct {
	losses []float64
}

func (o *fakeOptimizer) Step(ctx context.Context, loss float64) error {
	o.losses = append(o.losses, loss)
	return nil
}

func pair(id, prompt, chosen, rejected string) dataset.Record {
	return dataset.Record{ID: id, Shape: types.RecordShapePreference, Prompt: prompt, Chosen: chosen, Rejected: rejected}
}

type fixture struct {
	trainer   *Trainer
	policy    *constModel
	reference *constModel
	opt       *fakeOptimizer
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	f := fixture{
		policy:    &constModel{chosen: -0.5, rejected: -1},
		reference: &constModel{chosen: -1, rejected: -1},
		opt:       &fakeOptimizer{},
	}
	coord, err := reference.New(reference.Config{Mode: types.ReferenceModeDual}, f.policy, f.reference)
	require.NoError(t, err)
	if cfg.BatchSize == 0 {
		cfg.Config = training.Config{RunID: "run-dpo", BatchSize: 2, Epochs: 1}
	}
	if cfg.Loss.Beta == 0 {
		cfg.Loss = preference.LossConfig{Type: types.LossTypeSigmoid, Beta: 0.1}
	}
	cfg.PadID = 7
	f.trainer, err = New(cfg, newVocab(t), coord, f.opt, training.Dependencies{})
	require.NoError(t, err)
	return f
}

func TestBatchMasksPrompt(t *testing.T) {
	f := newFixture(t, Config{})
	examples, err := f.trainer.Tokenize(context.Background(), []dataset.Record{pair("1", "hello world", "good day", "bye")})
	require.NoError(t, err)

	batch := f.trainer.Batch(examples)
	assert.Equal(t, []string{"1/chosen", "1/rejected"}, batch.IDs)
	if diff := cmp.Diff([][]int{{0, 1, 2, 3, 6}, {0, 1, 4, 6, 7}}, batch.InputIDs); diff != "" {
		t.Errorf("input ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{I, I, 2, 3, 6}, {I, I, 4, 6, I}}, batch.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStepsOptimizerWithSigmoidLoss(t *testing.T) {
	f := newFixture(t, Config{})
	report, err := f.trainer.Run(context.Background(), []dataset.Record{
		pair("1", "hello world", "good day", "bye"),
		pair("2", "hello", "good day", "bye"),
	})
	require.NoError(t, err)

	// chosen: policy -1.5 vs reference -3 over three tokens
	// rejected: policy -2 vs reference -2 over two tokens
	margin := 1.5
	want := -preference.LogSigmoid(0.1 * margin)
	require.Len(t, f.opt.losses, 1)
	assert.InDelta(t, want, f.opt.losses[0], 1e-12)
	assert.InDelta(t, want, report.MeanLoss, 1e-12)
	assert.Equal(t, 1.0, report.RewardAccuracy)
	assert.InDelta(t, 0.1*margin, report.RewardMargin, 1e-12)
	assert.Equal(t, 4, report.Sequences)
	assert.Equal(t, 4, report.MaskedSequences)
	assert.Equal(t, 1, f.policy.calls)
	assert.Equal(t, 1, f.reference.calls)
}

func TestIPOAveragesLogProbs(t *testing.T) {
	f := newFixture(t, Config{Loss: preference.LossConfig{Type: types.LossTypeIPO, Beta: 0.5}})
	examples, err := f.trainer.Tokenize(context.Background(), []dataset.Record{pair("1", "hello", "good day", "bye")})
	require.NoError(t, err)

	pairs, err := f.trainer.Pairs(context.Background(), examples)
	require.NoError(t, err)
	assert.Equal(t, []preference.Pair{{PolicyChosen: -0.5, PolicyRejected: -1, RefChosen: -1, RefRejected: -1}}, pairs)
}

func TestTruncation(t *testing.T) {
	f := newFixture(t, Config{MaxPromptLength: 1, MaxLength: 3})
	examples, err := f.trainer.Tokenize(context.Background(), []dataset.Record{pair("1", "hello world", "good day", "bye")})
	require.NoError(t, err)

	require.Len(t, examples, 1)
	assert.Equal(t, []int{1}, examples[0].Prompt, "prompt keeps its end")
	assert.Equal(t, []int{2, 3}, examples[0].Chosen)
	assert.Equal(t, []int{4, 6}, examples[0].Rejected)
}

func TestTokenizeRejectsNonPreferenceRecords(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.trainer.Tokenize(context.Background(), []dataset.Record{
		{ID: "9", Shape: types.RecordShapeInstruction, Prompt: "hello", Completion: "bye"},
	})
	assert.True(t, errors.Is(err, errors.CodeUnknownShape))
}

func TestEvaluateDoesNotStep(t *testing.T) {
	f := newFixture(t, Config{Config: training.Config{BatchSize: 1, Epochs: 1}})
	res, err := f.trainer.Evaluate(context.Background(), []dataset.Record{
		pair("1", "hello", "good", "bye"),
		pair("2", "world", "good", "bye"),
	})
	require.NoError(t, err)
	assert.Len(t, res.Losses, 2)
	assert.Equal(t, 1.0, res.Accuracy)
	assert.Empty(t, f.opt.losses)
	assert.Equal(t, 2, f.policy.calls)
}

func TestNewValidation(t *testing.T) {
	v := newVocab(t)
	coord, err := reference.New(reference.Config{}, &constModel{}, &constModel{})
	require.NoError(t, err)
	base := training.Config{BatchSize: 1, Epochs: 1}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"beta", Config{Config: base, Loss: preference.LossConfig{Beta: 0}}},
		{"smoothing on hinge", Config{Config: base, Loss: preference.LossConfig{Type: types.LossTypeHinge, Beta: 0.1, LabelSmoothing: 0.1}}},
		{"prompt fills max length", Config{Config: base, Loss: preference.LossConfig{Beta: 0.1}, MaxPromptLength: 8, MaxLength: 8}},
		{"batch size", Config{Config: training.Config{Epochs: 1}, Loss: preference.LossConfig{Beta: 0.1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, v, coord, &fakeOptimizer{}, training.Dependencies{})
			assert.True(t, errors.Is(err, errors.CodeInvalidConfig))
		})
	}

	_, err = New(Config{Config: base, Loss: preference.LossConfig{Beta: 0.1}}, v, nil, &fakeOptimizer{}, training.Dependencies{})
	assert.True(t, errors.Is(err, errors.CodeInvalidConfig))
}
