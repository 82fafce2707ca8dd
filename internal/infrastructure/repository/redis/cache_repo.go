// Package redis implements repository.Cache on Redis.
package redis

import (
	"context"
	stderrors "errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openeeap/trainkit/internal/infrastructure/repository"
	"github.com/openeeap/trainkit/pkg/errors"
)

// cacheRepo Redis-backed cache
type cacheRepo struct {
	client     goredis.UniversalClient
	keyPrefix  string
	defaultTTL time.Duration
	maxRetries int
	retryDelay time.Duration
}

// CacheConfig Redis cache settings
type CacheConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
	DefaultTTL   time.Duration
}

// NewCacheRepository connects to Redis and verifies the connection
func NewCacheRepository(config *CacheConfig) (repository.Cache, error) {
	if config == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "redis config cannot be nil")
	}
	if config.Addr == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "redis address cannot be empty")
	}
	applyDefaults(config)

	client := goredis.NewClient(&goredis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.CodeCacheError, "failed to connect to redis")
	}

	return NewCacheRepositoryWithClient(client, config), nil
}

// NewCacheRepositoryWithClient wraps an existing client without pinging it
func NewCacheRepositoryWithClient(client goredis.UniversalClient, config *CacheConfig) repository.Cache {
	if config == nil {
		config = &CacheConfig{}
	}
	applyDefaults(config)
	return &cacheRepo{
		client:     client,
		keyPrefix:  config.KeyPrefix,
		defaultTTL: config.DefaultTTL,
		maxRetries: config.MaxRetries,
		retryDelay: 100 * time.Millisecond,
	}
}

func applyDefaults(config *CacheConfig) {
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}
	if config.MinIdleConns == 0 {
		config.MinIdleConns = 2
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 3 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 3 * time.Second
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = 24 * time.Hour
	}
}

// buildKey prefixes a key
func (r *cacheRepo) buildKey(key string) string {
	return r.keyPrefix + key
}

// Set stores a value, retrying transient failures
func (r *cacheRepo) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New(errors.CodeInvalidArgument, "key cannot be empty")
	}
	if ttl == 0 {
		ttl = r.defaultTTL
	}

	fullKey := r.buildKey(key)
	var lastErr error
	for i := 0; i < r.maxRetries; i++ {
		if err := r.client.Set(ctx, fullKey, value, ttl).Err(); err != nil {
			lastErr = err
			if !r.backoff(ctx, i) {
				break
			}
			continue
		}
		return nil
	}

	return errors.Wrap(lastErr, errors.CodeCacheError, "failed to set cache after retries")
}

// Get fetches a value, retrying transient failures
func (r *cacheRepo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errors.New(errors.CodeInvalidArgument, "key cannot be empty")
	}

	fullKey := r.buildKey(key)
	var lastErr error
	for i := 0; i < r.maxRetries; i++ {
		data, err := r.client.Get(ctx, fullKey).Bytes()
		if err == nil {
			return data, true, nil
		}
		if stderrors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		lastErr = err
		if !r.backoff(ctx, i) {
			break
		}
	}

	return nil, false, errors.Wrap(lastErr, errors.CodeCacheError, "failed to get cache after retries")
}

// Delete removes keys
func (r *cacheRepo) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = r.buildKey(key)
	}
	if err := r.client.Del(ctx, fullKeys...).Err(); err != nil {
		return errors.Wrap(err, errors.CodeCacheError, "failed to delete cache keys")
	}
	return nil
}

// Close closes the client
func (r *cacheRepo) Close() error {
	return r.client.Close()
}

// backoff sleeps before the next attempt; false means stop retrying
func (r *cacheRepo) backoff(ctx context.Context, attempt int) bool {
	if attempt == r.maxRetries-1 {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.retryDelay * time.Duration(attempt+1)):
		return true
	}
}
