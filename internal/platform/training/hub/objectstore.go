package hub

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/openeeap/trainkit/internal/infrastructure/storage"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/pkg/errors"
)

// ModelsPrefix is the object key prefix of model files
const ModelsPrefix = "models"

// maxParallelDownloads bounds concurrent object downloads per model
const maxParallelDownloads = 4

// ObjectStoreConfig configures ObjectStoreRepository
type ObjectStoreConfig struct {
	Bucket string

	// CacheDir receives downloads; a temporary directory is created and
	// removed on Close when empty
	CacheDir string
}

// ObjectStoreRepository downloads models/<name>/<revision>/... once into a
// local cache directory. Safe for concurrent use.
type ObjectStoreRepository struct {
	store    storage.ObjectStore
	bucket   string
	cacheDir string
	owned    bool
	logger   logging.Logger

	group    singleflight.Group
	mu       sync.Mutex
	resolved map[string]string
	closed   bool
}

// NewObjectStoreRepository prepares the cache directory
func NewObjectStoreRepository(store storage.ObjectStore, cfg ObjectStoreConfig, logger logging.Logger) (*ObjectStoreRepository, error) {
	if store == nil {
		return nil, errors.ConfigError("object store is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.ConfigError("bucket is required")
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	dir, owned := cfg.CacheDir, false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "trainkit-models-")
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageError, "failed to create model cache directory")
		}
		dir, owned = tmp, true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.CodeStorageError, "failed to create model cache directory %s", dir)
	}

	return &ObjectStoreRepository{
		store:    store,
		bucket:   cfg.Bucket,
		cacheDir: dir,
		owned:    owned,
		logger:   logger,
		resolved: make(map[string]string),
	}, nil
}

// CacheDir returns the local cache directory
func (r *ObjectStoreRepository) CacheDir() string {
	return r.cacheDir
}

// Resolve downloads the model on first use and returns its directory
func (r *ObjectStoreRepository) Resolve(ctx context.Context, ref ModelRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	key := ref.String()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", errors.New(errors.CodeInvalidArgument, "repository is closed")
	}
	if dir, ok := r.resolved[key]; ok {
		r.mu.Unlock()
		return dir, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		dir, ok := r.resolved[key]
		r.mu.Unlock()
		if ok {
			return dir, nil
		}

		dir, err := r.download(ctx, ref)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return "", errors.New(errors.CodeInvalidArgument, "repository closed during download")
		}
		r.resolved[key] = dir
		return dir, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *ObjectStoreRepository) download(ctx context.Context, ref ModelRef) (string, error) {
	prefix := path.Join(ModelsPrefix, ref.Name, ref.revision()) + "/"
	listing, err := r.store.ListObjects(ctx, &storage.ListObjectsRequest{
		Bucket:    r.bucket,
		Prefix:    prefix,
		Recursive: true,
	})
	if err != nil {
		return "", errors.Wrapf(err, errors.CodeStorageError, "failed to list model %s", ref)
	}
	if len(listing.Objects) == 0 {
		return "", errors.Newf(errors.CodeNotFound, "model %s not found in bucket %s", ref, r.bucket)
	}

	dir := filepath.Join(r.cacheDir, filepath.FromSlash(ref.Name), ref.revision())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDownloads)
	for _, obj := range listing.Objects {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") || strings.Contains(rel, "..") {
			continue
		}
		key, target := obj.Key, filepath.Join(dir, filepath.FromSlash(rel))
		g.Go(func() error {
			return r.fetch(gctx, key, target)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	r.logger.Info("model downloaded",
		logging.String("model", ref.String()),
		logging.Int("files", len(listing.Objects)),
		logging.String("dir", dir),
	)
	return dir, nil
}

// fetch writes one object atomically via a temporary file
func (r *ObjectStoreRepository) fetch(ctx context.Context, key, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, errors.CodeStorageError, "failed to create %s", filepath.Dir(target))
	}

	body, err := r.store.GetObject(ctx, &storage.GetObjectRequest{Bucket: r.bucket, Key: key})
	if err != nil {
		return errors.Wrapf(err, errors.CodeStorageError, "failed to download %s", key)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".partial-*")
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "failed to create temporary file")
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, errors.CodeStorageError, "failed to write %s", target)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, errors.CodeStorageError, "failed to write %s", target)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, errors.CodeStorageError, "failed to move %s into place", target)
	}
	return nil
}

// Close forgets resolved models and removes the cache directory when it
// was created by the repository
func (r *ObjectStoreRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.resolved = nil
	if r.owned {
		if err := os.RemoveAll(r.cacheDir); err != nil {
			return errors.Wrapf(err, errors.CodeStorageError, "failed to remove %s", r.cacheDir)
		}
	}
	return nil
}
