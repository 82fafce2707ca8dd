package tokenizer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openeeap/trainkit/internal/infrastructure/repository"
	"github.com/openeeap/trainkit/internal/observability/metrics"
	"github.com/openeeap/trainkit/pkg/errors"
)

// countingTokenizer counts Encode calls on top of a vocabulary
type countingTokenizer struct {
	*Vocab
	calls int
}

func (c *countingTokenizer) Encode(ctx context.Context, text string) ([]int, error) {
	c.calls++
	return c.Vocab.Encode(ctx, text)
}

// failingCache fails every operation
type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New(errors.CodeCacheError, "down")
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New(errors.CodeCacheError, "down")
}
func (failingCache) Delete(context.Context, ...string) error { return nil }
func (failingCache) Close() error                            { return nil }

func TestCachedEncodeMemoizes(t *testing.T) {
	inner := &countingTokenizer{Vocab: newTestVocab(t)}
	m := metrics.NewMetricsCollector(metrics.CollectorConfig{})
	cache := repository.NewMemoryCache(0)
	tok := NewCached(inner, cache, WithCacheMetrics(m))
	ctx := context.Background()

	first, err := tok.Encode(ctx, "hello world")
	require.NoError(t, err)
	second, err := tok.Encode(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, "test", tok.Name())
	assert.Equal(t, inner.EOS(), tok.EOS())

	expected := `
# HELP cache_hits_total Total number of cache hits
# TYPE cache_hits_total counter
cache_hits_total{cache_name="tokenizer"} 1
# HELP cache_misses_total Total number of cache misses
# TYPE cache_misses_total counter
cache_misses_total{cache_name="tokenizer"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "cache_hits_total", "cache_misses_total"))
}

func TestCachedFallsBackWhenCacheFails(t *testing.T) {
	inner := &countingTokenizer{Vocab: newTestVocab(t)}
	tok := NewCached(inner, failingCache{})

	ids, err := tok.Encode(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, ids)
	assert.Equal(t, 1, inner.calls)
}

func TestCacheKeyDependsOnEncoding(t *testing.T) {
	assert.NotEqual(t, CacheKey("a", "text"), CacheKey("b", "text"))
	assert.Equal(t, CacheKey("a", "text"), CacheKey("a", "text"))
}
