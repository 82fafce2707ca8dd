package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openeeap/trainkit/internal/infrastructure/message"
	"github.com/openeeap/trainkit/internal/infrastructure/repository"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/platform/training/dataset"
	"github.com/openeeap/trainkit/internal/platform/training/hub"
	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/config"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

const vocab = "hello\nworld\n<resp>\ngood\nday\n"

func loadConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	vocabFile := filepath.Join(dir, "vocab.txt")
	require.NoError(t, os.WriteFile(vocabFile, []byte(vocab), 0o644))

	doc := "tokenizer:\n  kind: vocab\n  vocab_file: " + vocabFile + "\n" +
		"hub:\n  root: " + dir + "\n" +
		"collator:\n  response_marker: \"<resp>\"\n  marker_context: \"\"\n" + extra
	cfg, err := config.NewLoader(config.LoaderOptions{}).LoadReader([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func newContainer(t *testing.T, extra string, opts ...Option) *Container {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewNoopLogger())}, opts...)
	c, err := New(loadConfig(t, extra), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewBuildsLocalDefaults(t *testing.T) {
	c := newContainer(t, "")

	assert.IsType(t, &repository.MemoryCache{}, c.Cache)
	assert.IsType(t, &message.LogPublisher{}, c.Events)
	assert.Nil(t, c.Store)
	assert.NotNil(t, c.Tracer)
	assert.Equal(t, "trainkit", c.RunID())
}

func TestNewKeepsInjectedComponents(t *testing.T) {
	cache := repository.NewMemoryCache(0)
	pub := message.NewMemoryPublisher()
	c := newContainer(t, "", WithCache(cache), WithPublisher(pub))

	assert.Same(t, cache, c.Cache)
	assert.Same(t, pub, c.Events)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := loadConfig(t, "")
	cfg.Tokenizer.VocabFile = ""
	_, err := New(cfg, WithLogger(logging.NewNoopLogger()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeInvalidConfig))
}

func TestTokenizer(t *testing.T) {
	c := newContainer(t, "")
	tok, err := c.Tokenizer()
	require.NoError(t, err)
	assert.IsType(t, &tokenizer.Vocab{}, tok)

	c.Config.Tokenizer.EnableCache = true
	ctok, err := c.Tokenizer()
	require.NoError(t, err)
	assert.IsType(t, &tokenizer.Cached{}, ctok)
}

func TestFormatterGenerationPrompt(t *testing.T) {
	c := newContainer(t, "dataset:\n  chat_template: \"{role}: {content}\\n\"\n  generation_prompt: \"assistant:\"\n  add_generation_prompt: true\n")
	f, err := c.Formatter()
	require.NoError(t, err)

	out, err := f.Format(dataset.Record{
		ID:       "1",
		Shape:    types.RecordShapeConversational,
		Messages: []dataset.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "user: hello\nassistant:", out)
}

func TestCollatorConfigResolvesMarker(t *testing.T) {
	c := newContainer(t, "")
	tok, err := c.Tokenizer()
	require.NoError(t, err)

	cfg, err := c.CollatorConfig(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, cfg.ResponseMarker)
	assert.Empty(t, cfg.InstructionMarker)
	assert.Equal(t, tok.Pad(), cfg.PadID)
}

func TestPackingConfigDefaultsSeparatorToEOS(t *testing.T) {
	c := newContainer(t, "packing:\n  enabled: true\n  block_length: 4\n  leftover: pad\n")
	tok, err := c.Tokenizer()
	require.NoError(t, err)

	cfg := c.PackingConfig(tok)
	assert.Equal(t, []int{tok.EOS()}, cfg.Separator)
	assert.Equal(t, 4, cfg.BlockLength)
	assert.Equal(t, types.LeftoverPad, cfg.Leftover)
	assert.Equal(t, tok.VocabSize(), cfg.VocabSize)
}

func TestLossAndTrainingConfig(t *testing.T) {
	c := newContainer(t, "run:\n  name: r1\npreference:\n  loss_type: hinge\n  beta: 0.3\ntraining:\n  batch_size: 4\n  epochs: 2\n")

	loss := c.LossConfig()
	assert.Equal(t, types.LossTypeHinge, loss.Type)
	assert.InDelta(t, 0.3, loss.Beta, 1e-9)

	tc := c.TrainingConfig()
	assert.Equal(t, "r1", tc.RunID)
	assert.Equal(t, 4, tc.BatchSize)
	assert.Equal(t, 2, tc.Epochs)
}

func TestHub(t *testing.T) {
	c := newContainer(t, "")
	repo, err := c.Hub()
	require.NoError(t, err)
	assert.IsType(t, &hub.LocalRepository{}, repo)
	assert.NoError(t, repo.Close())

	c.Config.Hub.Provider = "objectstore"
	_, err = c.Hub()
	assert.True(t, errors.Is(err, errors.CodeInvalidConfig))
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := New(loadConfig(t, ""), WithLogger(logging.NewNoopLogger()))
	require.NoError(t, err)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
