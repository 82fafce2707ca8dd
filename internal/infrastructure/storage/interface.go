// Package storage abstracts the object storage used for datasets and
// model weights.
package storage

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openeeap/trainkit/pkg/errors"
)

// ObjectStore is the subset of object storage operations trainkit needs
type ObjectStore interface {
	// PutObject uploads an object
	PutObject(ctx context.Context, req *PutObjectRequest) (*ObjectInfo, error)

	// GetObject opens an object for reading. Callers close the reader.
	GetObject(ctx context.Context, req *GetObjectRequest) (io.ReadCloser, error)

	// HeadObject returns object metadata
	HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// ListObjects lists objects under a prefix
	ListObjects(ctx context.Context, req *ListObjectsRequest) (*ListObjectsResult, error)

	// BucketExists checks whether a bucket exists
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// PutObjectRequest describes an upload
type PutObjectRequest struct {
	Bucket      string
	Key         string
	Reader      io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// GetObjectRequest describes a download
type GetObjectRequest struct {
	Bucket string
	Key    string
}

// ListObjectsRequest describes a listing
type ListObjectsRequest struct {
	Bucket    string
	Prefix    string
	Recursive bool
	MaxKeys   int
}

// ListObjectsResult holds a listing
type ListObjectsResult struct {
	Objects []*ObjectInfo
}

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// ============================================================================
// In-memory store
// ============================================================================

// MemoryStore is an ObjectStore kept in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// NewMemoryStore creates an empty in-memory store with the given buckets
func NewMemoryStore(buckets ...string) *MemoryStore {
	s := &MemoryStore{buckets: make(map[string]map[string]memoryObject)}
	for _, b := range buckets {
		s.buckets[b] = make(map[string]memoryObject)
	}
	return s
}

// PutObject stores an object, creating the bucket on first use
func (s *MemoryStore) PutObject(ctx context.Context, req *PutObjectRequest) (*ObjectInfo, error) {
	if req == nil || req.Bucket == "" || req.Key == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "bucket and key are required")
	}
	data, err := io.ReadAll(req.Reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "failed to read object body")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[req.Bucket] == nil {
		s.buckets[req.Bucket] = make(map[string]memoryObject)
	}
	obj := memoryObject{data: data, contentType: req.ContentType, modified: time.Now()}
	s.buckets[req.Bucket][req.Key] = obj
	return s.info(req.Bucket, req.Key, obj), nil
}

// GetObject returns a reader over a stored object
func (s *MemoryStore) GetObject(ctx context.Context, req *GetObjectRequest) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[req.Bucket][req.Key]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "object %s/%s not found", req.Bucket, req.Key)
	}
	return io.NopCloser(strings.NewReader(string(obj.data))), nil
}

// HeadObject returns object metadata
func (s *MemoryStore) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "object %s/%s not found", bucket, key)
	}
	return s.info(bucket, key, obj), nil
}

// ListObjects lists objects under a prefix in key order
func (s *MemoryStore) ListObjects(ctx context.Context, req *ListObjectsRequest) (*ListObjectsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	objects, ok := s.buckets[req.Bucket]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "bucket %s not found", req.Bucket)
	}

	result := &ListObjectsResult{}
	for key, obj := range objects {
		if !strings.HasPrefix(key, req.Prefix) {
			continue
		}
		if !req.Recursive && strings.Contains(strings.TrimPrefix(key, req.Prefix), "/") {
			continue
		}
		result.Objects = append(result.Objects, s.info(req.Bucket, key, obj))
	}
	sort.Slice(result.Objects, func(i, j int) bool {
		return result.Objects[i].Key < result.Objects[j].Key
	})
	if req.MaxKeys > 0 && len(result.Objects) > req.MaxKeys {
		result.Objects = result.Objects[:req.MaxKeys]
	}
	return result, nil
}

// BucketExists checks whether a bucket exists
func (s *MemoryStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[bucket]
	return ok, nil
}

func (s *MemoryStore) info(bucket, key string, obj memoryObject) *ObjectInfo {
	return &ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}
}
