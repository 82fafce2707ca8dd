package dataset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openeeap/trainkit/internal/infrastructure/storage"
	"github.com/openeeap/trainkit/internal/observability/metrics"
	"github.com/openeeap/trainkit/pkg/errors"
)

const sampleJSONL = `{"prompt":"a","completion":"b"}

{"prompt":"c","completion":"d"}
`

func TestLoaderReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSONL), 0o644))

	recs, err := NewLoader(nil).Load(context.Background(), "file://"+path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "1", recs[0].ID)
	assert.Equal(t, "3", recs[1].ID)
}

func TestLoaderCollectsAllErrors(t *testing.T) {
	data := strings.Join([]string{
		`{"prompt":"ok","completion":"ok"}`,
		`{"prompt":"only"}`,
		`not json`,
		`{"other":1}`,
	}, "\n")

	m := metrics.NewMetricsCollector(metrics.CollectorConfig{Namespace: "test"})
	_, err := NewLoader(nil, WithMetrics(m)).Read(context.Background(), strings.NewReader(data))
	require.Error(t, err)

	assert.True(t, errors.Is(err, errors.CodeMissingField))
	assert.True(t, errors.Is(err, errors.CodeUnknownShape))
	assert.Contains(t, err.Error(), "3 of 4 records are invalid")
	assert.Contains(t, err.Error(), "record 2")
	assert.Contains(t, err.Error(), "record 4")

	expected := `
# HELP test_records_loaded_total Total number of dataset records loaded
# TYPE test_records_loaded_total counter
test_records_loaded_total{shape="instruction"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_records_loaded_total"))
}

func TestLoaderMissingFile(t *testing.T) {
	_, err := NewLoader(nil).Load(context.Background(), filepath.Join(t.TempDir(), "none.jsonl"))
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestLoaderObjectSource(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("datasets")
	_, err := store.PutObject(ctx, &storage.PutObjectRequest{
		Bucket: "datasets", Key: "pref/train.jsonl",
		Reader: strings.NewReader(`{"prompt":"p","chosen":"a","rejected":"b"}` + "\n"),
	})
	require.NoError(t, err)

	loader := NewLoader(MuxSource{Object: ObjectSource{Store: store}})
	recs, err := loader.Load(ctx, "s3://datasets/pref/train.jsonl")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].Chosen)

	_, err = NewLoader(MuxSource{}).Load(ctx, "s3://datasets/pref/train.jsonl")
	assert.True(t, errors.Is(err, errors.CodeInvalidConfig))
}

func TestParseObjectURI(t *testing.T) {
	bucket, key, err := ParseObjectURI("s3://b/dir/file.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "b", bucket)
	assert.Equal(t, "dir/file.jsonl", key)

	for _, bad := range []string{"b/k", "s3://b", "s3:///k"} {
		_, _, err := ParseObjectURI(bad)
		assert.Error(t, err, bad)
	}
}
