// Package rediscache provides a Redis-backed cache.Store shared by every
// gateway instance.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-gateway-go/cache"
)

var _ cache.Store = (*Store)(nil)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix namespaces every key.
	// Default: "mcpgw:cache:"
	KeyPrefix string

	// DefaultTTL applies when Set is called with a zero TTL.
	// Default: 5m
	DefaultTTL time.Duration
}

// Store implements cache.Store using Redis string keys with native expiry.
type Store struct {
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
}

// New creates a Redis-based cache store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "mcpgw:cache:"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	return &Store{client: config.Client, keyPrefix: config.KeyPrefix, defaultTTL: config.DefaultTTL}, nil
}

// Get retrieves the value for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cache.ErrMiss
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return b, nil
}

// Set stores value with the given TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
