package tokenizer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openeeap/trainkit/internal/infrastructure/repository"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/observability/metrics"
	"github.com/openeeap/trainkit/pkg/utils"
)

const tokenCacheName = "tokenizer"

// Cached memoizes Encode in a cache keyed by encoding name and the
// SHA-256 of the text. Cache failures fall back to encoding.
type Cached struct {
	Tokenizer

	cache   repository.Cache
	ttl     time.Duration
	logger  logging.Logger
	metrics *metrics.MetricsCollector
}

// CachedOption configures Cached
type CachedOption func(*Cached)

// WithCacheTTL sets the entry TTL
func WithCacheTTL(ttl time.Duration) CachedOption {
	return func(c *Cached) { c.ttl = ttl }
}

// WithCacheLogger sets the logger
func WithCacheLogger(logger logging.Logger) CachedOption {
	return func(c *Cached) { c.logger = logger }
}

// WithCacheMetrics records hits and misses
func WithCacheMetrics(m *metrics.MetricsCollector) CachedOption {
	return func(c *Cached) { c.metrics = m }
}

// NewCached wraps tok with cache
func NewCached(tok Tokenizer, cache repository.Cache, opts ...CachedOption) *Cached {
	c := &Cached{Tokenizer: tok, cache: cache, logger: logging.NewNoopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheKey returns the cache key of text under the encoding name
func CacheKey(name, text string) string {
	return "tok:" + name + ":" + utils.SHA256HashString(text)
}

// Encode returns cached ids when present
func (c *Cached) Encode(ctx context.Context, text string) ([]int, error) {
	key := CacheKey(c.Name(), text)

	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("token cache read failed", logging.String("key", key), logging.Error(err))
	}
	if ok {
		var ids []int
		if err := json.Unmarshal(data, &ids); err == nil {
			c.record(true)
			return ids, nil
		}
		c.logger.Warn("token cache entry corrupt", logging.String("key", key))
	}
	c.record(false)

	ids, err := c.Tokenizer.Encode(ctx, text)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(ids); err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.Warn("token cache write failed", logging.String("key", key), logging.Error(err))
		}
	}
	return ids, nil
}

func (c *Cached) record(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.RecordCacheHit(tokenCacheName)
	} else {
		c.metrics.RecordCacheMiss(tokenCacheName)
	}
}
