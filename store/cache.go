package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MetaTTL bounds the lifetime of cached metadata projections.
const MetaTTL = time.Hour

// ImageBytesTTL bounds the lifetime of cached original image bytes.
const ImageBytesTTL = time.Hour

// Cache is a thin typed wrapper over Redis. Entries are evictable at any
// time; callers must treat a miss as "read from the store".
type Cache struct {
	rdb *redis.Client
}

// NewCache wraps a Redis client.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Get returns the string value of |key|, and whether it was present.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	var val, err = c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("cache get %q: %w", key, err)
	}
	return val, true, nil
}

// Set stores a string value under |key|. A zero |ttl| means no expiry.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// GetBinary returns the raw bytes stored under |key|, and whether present.
func (c *Cache) GetBinary(ctx context.Context, key string) ([]byte, bool, error) {
	var val, err = c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	return val, true, nil
}

// SetBinary stores raw bytes under |key|. A zero |ttl| means no expiry.
func (c *Cache) SetBinary(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Delete removes |key|. Deleting an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	return nil
}

// Exists reports whether |key| is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	var n, err = c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists %q: %w", key, err)
	}
	return n > 0, nil
}

// ImageBytesKey is the cache key holding the original uploaded bytes of an
// image, keyed by its blob key.
func ImageBytesKey(imageKey string) string {
	return "image:" + imageKey
}
