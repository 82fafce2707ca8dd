package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openeeap/trainkit/internal/app"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/config"
)

// TestDefaultConfigMasksInstructionRecords runs validate with the stock BPE
// settings. It needs the cl100k ranks, so it is skipped when they cannot be
// fetched or found in TIKTOKEN_CACHE_DIR.
func TestDefaultConfigMasksInstructionRecords(t *testing.T) {
	if _, err := tokenizer.NewBPE(tokenizer.BPEConfig{Encoding: "cl100k_base"}); err != nil {
		t.Skipf("cl100k_base unavailable: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "data.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"prompt":"What is 2+2?","completion":"4"}`+"\n"), 0o644))

	cfg, err := config.NewLoader(config.LoaderOptions{}).LoadReader([]byte("run:\n  name: defaults\n"))
	require.NoError(t, err)
	c, err := app.New(cfg, app.WithLogger(logging.NewNoopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	resp, err := NewDataService(c).Validate(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, resp.Issues)
	assert.Equal(t, 1, resp.Sequences)
	assert.Positive(t, resp.TrainableTokens)
}
