// Package minio implements storage.ObjectStore on top of MinIO / S3.
package minio

import (
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/openeeap/trainkit/internal/infrastructure/storage"
	"github.com/openeeap/trainkit/pkg/errors"
)

// MinIOConfig MinIO connection settings
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Token           string
	UseSSL          bool
	Region          string
	Timeout         time.Duration
}

// minioClient wraps the MinIO SDK client
type minioClient struct {
	client *minio.Client
	config *MinIOConfig
}

// NewMinIOClient creates an object store backed by MinIO
func NewMinIOClient(config *MinIOConfig) (storage.ObjectStore, error) {
	if config == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "minio config cannot be nil")
	}
	if config.Endpoint == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "minio endpoint cannot be empty")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, config.Token),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "failed to create minio client")
	}

	return &minioClient{client: client, config: config}, nil
}

// PutObject uploads an object
func (mc *minioClient) PutObject(ctx context.Context, req *storage.PutObjectRequest) (*storage.ObjectInfo, error) {
	if err := checkLocation(req != nil, bucketOf(req), keyOf(req)); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, mc.config.Timeout)
	defer cancel()

	info, err := mc.client.PutObject(ctx, req.Bucket, req.Key, req.Reader, req.Size, minio.PutObjectOptions{
		ContentType:  req.ContentType,
		UserMetadata: req.Metadata,
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeStorageError, "failed to put object %s/%s", req.Bucket, req.Key)
	}

	return &storage.ObjectInfo{
		Bucket:       req.Bucket,
		Key:          req.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  req.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// GetObject opens an object for reading
func (mc *minioClient) GetObject(ctx context.Context, req *storage.GetObjectRequest) (io.ReadCloser, error) {
	if req == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "get object request cannot be nil")
	}
	if err := checkLocation(true, req.Bucket, req.Key); err != nil {
		return nil, err
	}

	object, err := mc.client.GetObject(ctx, req.Bucket, req.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err, req.Bucket, req.Key)
	}

	// GetObject is lazy; Stat surfaces missing keys before the caller reads
	if _, err := object.Stat(); err != nil {
		object.Close()
		return nil, translate(err, req.Bucket, req.Key)
	}

	return object, nil
}

// HeadObject returns object metadata
func (mc *minioClient) HeadObject(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	if err := checkLocation(true, bucket, key); err != nil {
		return nil, err
	}

	stat, err := mc.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translate(err, bucket, key)
	}
	return convertInfo(bucket, stat), nil
}

// ListObjects lists objects under a prefix
func (mc *minioClient) ListObjects(ctx context.Context, req *storage.ListObjectsRequest) (*storage.ListObjectsResult, error) {
	if req == nil || req.Bucket == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "bucket name cannot be empty")
	}

	opts := minio.ListObjectsOptions{
		Prefix:    req.Prefix,
		Recursive: req.Recursive,
		MaxKeys:   req.MaxKeys,
	}

	result := &storage.ListObjectsResult{}
	for object := range mc.client.ListObjects(ctx, req.Bucket, opts) {
		if object.Err != nil {
			return nil, errors.Wrapf(object.Err, errors.CodeStorageError, "failed to list %s/%s", req.Bucket, req.Prefix)
		}
		result.Objects = append(result.Objects, convertInfo(req.Bucket, object))
	}
	return result, nil
}

// BucketExists checks whether a bucket exists
func (mc *minioClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if bucket == "" {
		return false, errors.New(errors.CodeInvalidArgument, "bucket name cannot be empty")
	}
	exists, err := mc.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, errors.Wrapf(err, errors.CodeStorageError, "failed to check bucket %s", bucket)
	}
	return exists, nil
}

// ============================================================================
// Helpers
// ============================================================================

func bucketOf(req *storage.PutObjectRequest) string {
	if req == nil {
		return ""
	}
	return req.Bucket
}

func keyOf(req *storage.PutObjectRequest) string {
	if req == nil {
		return ""
	}
	return req.Key
}

func checkLocation(present bool, bucket, key string) error {
	if !present {
		return errors.New(errors.CodeInvalidArgument, "request cannot be nil")
	}
	if bucket == "" {
		return errors.New(errors.CodeInvalidArgument, "bucket name cannot be empty")
	}
	if key == "" {
		return errors.New(errors.CodeInvalidArgument, "object name cannot be empty")
	}
	return nil
}

func translate(err error, bucket, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return errors.Wrapf(err, errors.CodeNotFound, "object %s/%s not found", bucket, key)
	default:
		return errors.Wrapf(err, errors.CodeStorageError, "failed to access object %s/%s", bucket, key)
	}
}

func convertInfo(bucket string, info minio.ObjectInfo) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Bucket:       bucket,
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}
}
