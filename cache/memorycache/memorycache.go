// Package memorycache is an in-process cache.Store backed by gocache over
// patrickmn/go-cache. It suits single-instance deployments and tests.
package memorycache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	go_cache "github.com/patrickmn/go-cache"

	"github.com/ggoodman/mcp-gateway-go/cache"
)

var _ cache.Store = (*Store)(nil)

// Store keeps entries in process memory.
type Store struct {
	c          *gocache.Cache[any]
	defaultTTL time.Duration
}

// New returns a Store whose janitor purges expired entries every 2*defaultTTL.
func New(defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	backend := gocache_store.NewGoCache(go_cache.New(defaultTTL, 2*defaultTTL))
	return &Store{c: gocache.New[any](backend), defaultTTL: defaultTTL}
}

// Get returns the cached bytes or cache.ErrMiss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.c.Get(ctx, key)
	if err != nil {
		return nil, cache.ErrMiss
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("memorycache: %s holds %T", key, v)
	}
	return b, nil
}

// Set stores value for ttl, or the default TTL when ttl is zero.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	cp := append([]byte(nil), value...)
	return s.c.Set(ctx, key, cp, store.WithExpiration(ttl))
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.c.Delete(ctx, key)
}
