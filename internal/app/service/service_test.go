package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openeeap/trainkit/internal/app"
	"github.com/openeeap/trainkit/internal/infrastructure/message"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/pkg/config"
)

// hello=0 world=1 <resp>=2 good=3 day=4 bye=5, then <unk> <eos> <pad>
var testVocab = []string{"hello", "world", "<resp>", "good", "day", "bye"}

const baseConfig = `
run:
  name: test-run
training:
  batch_size: 2
  epochs: 1
  logging_steps: 1
dataset:
  template: "{prompt} <resp> {completion}"
collator:
  response_marker: "<resp>"
  marker_context: ""
`

type testEnv struct {
	c      *app.Container
	events *message.MemoryPublisher
	dir    string
}

// writeDataset writes JSONL lines under dir and returns the path
func (e testEnv) writeDataset(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(e.dir, "data.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func newEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	vocabFile := filepath.Join(dir, "vocab.txt")
	require.NoError(t, os.WriteFile(vocabFile, []byte(strings.Join(testVocab, "\n")), 0o644))

	doc := baseConfig + "tokenizer:\n  kind: vocab\n  vocab_file: " + vocabFile + "\nhub:\n  root: " + dir + "\n"
	cfg, err := config.NewLoader(config.LoaderOptions{}).LoadReader([]byte(doc))
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	events := message.NewMemoryPublisher()
	c, err := app.New(cfg, app.WithLogger(logging.NewNoopLogger()), app.WithPublisher(events))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return testEnv{c: c, events: events, dir: dir}
}
