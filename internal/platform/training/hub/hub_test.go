package hub

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openeeap/trainkit/internal/infrastructure/storage"
	"github.com/openeeap/trainkit/pkg/errors"
)

func TestParseModelRef(t *testing.T) {
	ref, err := ParseModelRef("org/tiny@v2")
	require.NoError(t, err)
	assert.Equal(t, ModelRef{Name: "org/tiny", Revision: "v2"}, ref)

	ref, err = ParseModelRef("tiny")
	require.NoError(t, err)
	assert.Equal(t, "tiny@main", ref.String())

	for _, bad := range []string{"", "../etc", "/abs", "m@../x"} {
		_, err := ParseModelRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestLocalRepository(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tiny", "main"), 0o755))

	repo, err := NewLocalRepository(root)
	require.NoError(t, err)
	defer repo.Close()

	dir, err := repo.Resolve(context.Background(), ModelRef{Name: "tiny"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "tiny", "main"), dir)

	_, err = repo.Resolve(context.Background(), ModelRef{Name: "tiny", Revision: "v9"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	_, err = NewLocalRepository(filepath.Join(root, "missing"))
	assert.True(t, errors.Is(err, errors.CodeInvalidConfig))
}

// countingStore counts GetObject calls
type countingStore struct {
	*storage.MemoryStore
	mu   sync.Mutex
	gets int
}

func (s *countingStore) GetObject(ctx context.Context, req *storage.GetObjectRequest) (io.ReadCloser, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.MemoryStore.GetObject(ctx, req)
}

func seedModel(t *testing.T, store storage.ObjectStore) {
	t.Helper()
	files := map[string]string{
		"models/tiny/main/config.json":       `{"vocab_size":8}`,
		"models/tiny/main/weights/part0.bin": "abc",
		"models/other/main/config.json":      "{}",
	}
	for key, body := range files {
		_, err := store.PutObject(context.Background(), &storage.PutObjectRequest{
			Bucket: "weights", Key: key, Reader: strings.NewReader(body),
		})
		require.NoError(t, err)
	}
}

func TestObjectStoreRepositoryDownloadsOnce(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore("weights")}
	seedModel(t, store)

	repo, err := NewObjectStoreRepository(store, ObjectStoreConfig{Bucket: "weights", CacheDir: t.TempDir()}, nil)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	dirs := make([]string, 8)
	errs := make([]error, 8)
	for i := range dirs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dirs[i], errs[i] = repo.Resolve(ctx, ModelRef{Name: "tiny"})
		}(i)
	}
	wg.Wait()

	for i := range dirs {
		require.NoError(t, errs[i])
		assert.Equal(t, dirs[0], dirs[i])
	}
	assert.Equal(t, 2, store.gets)

	data, err := os.ReadFile(filepath.Join(dirs[0], "weights", "part0.bin"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	_, err = repo.Resolve(ctx, ModelRef{Name: "tiny"})
	require.NoError(t, err)
	assert.Equal(t, 2, store.gets)
}

func TestObjectStoreRepositoryNotFound(t *testing.T) {
	store := storage.NewMemoryStore("weights")
	repo, err := NewObjectStoreRepository(store, ObjectStoreConfig{Bucket: "weights", CacheDir: t.TempDir()}, nil)
	require.NoError(t, err)
	defer repo.Close()

	_, err = repo.Resolve(context.Background(), ModelRef{Name: "ghost"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestObjectStoreRepositoryTemporaryCacheRemovedOnClose(t *testing.T) {
	store := storage.NewMemoryStore("weights")
	seedModel(t, store)

	repo, err := NewObjectStoreRepository(store, ObjectStoreConfig{Bucket: "weights"}, nil)
	require.NoError(t, err)
	dir := repo.CacheDir()

	_, err = repo.Resolve(context.Background(), ModelRef{Name: "other"})
	require.NoError(t, err)

	require.NoError(t, repo.Close())
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	_, err = repo.Resolve(context.Background(), ModelRef{Name: "other"})
	assert.Error(t, err)
	assert.NoError(t, repo.Close())
}

func TestObjectStoreRepositoryKeepsCallerCacheDir(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewObjectStoreRepository(storage.NewMemoryStore("weights"), ObjectStoreConfig{Bucket: "weights", CacheDir: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	_, statErr := os.Stat(dir)
	assert.NoError(t, statErr)
}

func TestNewObjectStoreRepositoryValidation(t *testing.T) {
	_, err := NewObjectStoreRepository(nil, ObjectStoreConfig{Bucket: "b"}, nil)
	assert.True(t, errors.Is(err, errors.CodeInvalidConfig))

	_, err = NewObjectStoreRepository(storage.NewMemoryStore(), ObjectStoreConfig{}, nil)
	assert.True(t, errors.Is(err, errors.CodeInvalidConfig))
}
