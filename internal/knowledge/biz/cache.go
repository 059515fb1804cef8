package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/pkg/utils/json"
)

// QueryCacheConfig configures the query result cache.
type QueryCacheConfig struct {
	// Enabled toggles caching; a disabled cache is a no-op.
	Enabled bool
	// TTL is the expiry of cached query results.
	TTL time.Duration
	// KeyPrefix namespaces cache keys in Redis.
	KeyPrefix string
}

// DefaultQueryCacheConfig returns the default cache configuration.
func DefaultQueryCacheConfig() *QueryCacheConfig {
	return &QueryCacheConfig{
		Enabled:   false,
		TTL:       time.Hour,
		KeyPrefix: "courseatlas:query:",
	}
}

// QueryCache caches query responses in Redis. The key hashes the query
// text together with its filters and k so distinct requests never
// collide.
type QueryCache struct {
	redis  *goredis.Client
	config *QueryCacheConfig
}

// NewQueryCache creates a query cache.
func NewQueryCache(redis *goredis.Client, config *QueryCacheConfig) *QueryCache {
	if config == nil {
		config = DefaultQueryCacheConfig()
	}
	return &QueryCache{
		redis:  redis,
		config: config,
	}
}

// cacheKey derives the Redis key for a request via SHA-256 over its
// canonical serialized form.
func (c *QueryCache) cacheKey(req model.QueryRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal query for cache key: %w", err)
	}
	hash := sha256.Sum256(data)
	return c.config.KeyPrefix + hex.EncodeToString(hash[:]), nil
}

// Get returns the cached response for a request, or nil on a miss.
func (c *QueryCache) Get(ctx context.Context, req model.QueryRequest) (*model.QueryResponse, error) {
	if !c.config.Enabled || c.redis == nil {
		return nil, nil
	}

	key, err := c.cacheKey(req)
	if err != nil {
		return nil, err
	}

	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err == goredis.Nil {
			logger.Debugw("query cache miss", "key", key)
			return nil, nil
		}
		logger.Warnw("failed to get from query cache", "error", err.Error(), "key", key)
		return nil, err
	}

	var resp model.QueryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		logger.Warnw("failed to unmarshal cached response", "error", err.Error(), "key", key)
		// Drop the corrupt entry.
		_ = c.redis.Del(ctx, key).Err()
		return nil, err
	}

	logger.Debugw("query cache hit", "key", key, "passages", len(resp.Passages))
	return &resp, nil
}

// Set caches a query response. Only successful (OK or EMPTY) responses
// should reach here; UNAVAILABLE must never be served from cache.
func (c *QueryCache) Set(ctx context.Context, req model.QueryRequest, resp *model.QueryResponse) error {
	if !c.config.Enabled || c.redis == nil {
		return nil
	}

	key, err := c.cacheKey(req)
	if err != nil {
		return err
	}

	data, err := json.Marshal(resp)
	if err != nil {
		logger.Warnw("failed to marshal response for caching", "error", err.Error())
		return err
	}

	if err := c.redis.Set(ctx, key, data, c.config.TTL).Err(); err != nil {
		logger.Warnw("failed to set query cache", "error", err.Error(), "key", key)
		return err
	}
	return nil
}

// Clear removes all cached query responses. Called after ingestion so
// queries observe the fresh index.
func (c *QueryCache) Clear(ctx context.Context) error {
	if !c.config.Enabled || c.redis == nil {
		return nil
	}

	pattern := c.config.KeyPrefix + "*"
	iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()

	deleted := 0
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warnw("failed to delete cache key", "error", err.Error(), "key", iter.Val())
		} else {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		logger.Warnw("error during cache scan", "error", err.Error())
		return err
	}

	logger.Infow("cleared query cache", "deletedCount", deleted)
	return nil
}

// Stats reports cache configuration and key count.
func (c *QueryCache) Stats(ctx context.Context) (map[string]any, error) {
	if !c.config.Enabled || c.redis == nil {
		return map[string]any{"enabled": false}, nil
	}

	pattern := c.config.KeyPrefix + "*"
	iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()

	keyCount := 0
	for iter.Next(ctx) {
		keyCount++
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return map[string]any{
		"enabled":    true,
		"key_count":  keyCount,
		"ttl":        c.config.TTL.String(),
		"key_prefix": c.config.KeyPrefix,
	}, nil
}
