package reference

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/openeeap/trainkit/internal/infrastructure/repository"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/observability/metrics"
	"github.com/openeeap/trainkit/internal/platform/training/collator"
	"github.com/openeeap/trainkit/pkg/utils"
)

const refCacheName = "reference"

// LogProbCache stores per-sequence reference log-probs keyed by sequence
// ID and a hash of the padded row contents. The reference policy is frozen,
// so an entry is valid for as long as its scope names the same model.
type LogProbCache struct {
	cache   repository.Cache
	prefix  string
	ttl     time.Duration
	logger  logging.Logger
	metrics *metrics.MetricsCollector
}

// NewLogProbCache creates a cache; scope identifies the run and reference model
func NewLogProbCache(cache repository.Cache, scope string, ttl time.Duration, logger logging.Logger, m *metrics.MetricsCollector) *LogProbCache {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &LogProbCache{
		cache:   cache,
		prefix:  "ref:" + scope + ":",
		ttl:     ttl,
		logger:  logger,
		metrics: m,
	}
}

type computeFunc func(ctx context.Context, batch *collator.Batch) ([][]float64, error)

// GetOrCompute returns cached rows when every row of batch is cached,
// otherwise runs compute for the whole batch and stores the rows.
func (c *LogProbCache) GetOrCompute(ctx context.Context, batch *collator.Batch, compute computeFunc) ([][]float64, error) {
	if rows, ok := c.lookup(ctx, batch); ok {
		c.record(true)
		return rows, nil
	}
	c.record(false)

	rows, err := compute(ctx, batch)
	if err != nil {
		return nil, err
	}
	c.store(ctx, batch, rows)
	return rows, nil
}

func (c *LogProbCache) lookup(ctx context.Context, batch *collator.Batch) ([][]float64, bool) {
	if !cacheable(batch) {
		return nil, false
	}

	rows := make([][]float64, batch.Len())
	for i, id := range batch.IDs {
		data, ok, err := c.cache.Get(ctx, c.key(batch, i))
		if err != nil {
			c.logger.Warn("reference cache read failed", logging.String("sequence", id), logging.Error(err))
			return nil, false
		}
		if !ok {
			return nil, false
		}
		var row []float64
		if err := json.Unmarshal(data, &row); err != nil || len(row) != len(batch.Labels[i]) {
			return nil, false
		}
		rows[i] = row
	}
	return rows, true
}

func (c *LogProbCache) store(ctx context.Context, batch *collator.Batch, rows [][]float64) {
	if !cacheable(batch) {
		return
	}
	for i, id := range batch.IDs {
		data, err := json.Marshal(rows[i])
		if err != nil {
			continue
		}
		if err := c.cache.Set(ctx, c.key(batch, i), data, c.ttl); err != nil {
			c.logger.Warn("reference cache write failed", logging.String("sequence", id), logging.Error(err))
			return
		}
	}
}

// key combines the sequence ID with a digest of row i, so two sequences
// sharing an ID never share an entry
func (c *LogProbCache) key(batch *collator.Batch, i int) string {
	var b strings.Builder
	writeInts(&b, batch.InputIDs[i])
	b.WriteByte('|')
	if i < len(batch.AttentionMask) {
		writeInts(&b, batch.AttentionMask[i])
	}
	b.WriteByte('|')
	writeInts(&b, batch.Labels[i])
	return c.prefix + batch.IDs[i] + ":" + utils.SHA256HashString(b.String())
}

func writeInts(b *strings.Builder, ids []int) {
	for j, id := range ids {
		if j > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(id))
	}
}

// cacheable requires a non-empty, unique ID per row
func cacheable(batch *collator.Batch) bool {
	if len(batch.IDs) != batch.Len() {
		return false
	}
	seen := make(map[string]struct{}, len(batch.IDs))
	for _, id := range batch.IDs {
		if id == "" {
			return false
		}
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}

func (c *LogProbCache) record(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.RecordCacheHit(refCacheName)
	} else {
		c.metrics.RecordCacheMiss(refCacheName)
	}
}
