// Package cache defines the advisory key-value cache used by the credential
// and tenant resolver, and a typed codec that distinguishes a cached absence
// from a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by Store.Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is a byte-oriented cache with per-entry TTL. Implementations must
// return ErrMiss for absent keys and may return other errors for transport
// failures; callers treat those as misses.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Status tags a lookup outcome.
type Status int

const (
	// Miss means nothing is cached for the key.
	Miss Status = iota
	// Found means a value is cached.
	Found
	// NotFound means the source reported the value absent and that fact is cached.
	NotFound
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	default:
		return "miss"
	}
}

// Entry is the tagged result of a typed lookup.
type Entry[T any] struct {
	Status Status
	Value  T
}

const (
	envelopeFound  = "found"
	envelopeAbsent = "absent"
)

type envelope[T any] struct {
	State string `json:"s"`
	Value *T     `json:"v,omitempty"`
}

// Typed encodes values of T under a key prefix in a Store.
type Typed[T any] struct {
	store  Store
	prefix string
}

// NewTyped scopes a Store to values of type T under prefix.
func NewTyped[T any](s Store, prefix string) *Typed[T] {
	return &Typed[T]{store: s, prefix: prefix}
}

// Key returns the fully qualified store key for k.
func (t *Typed[T]) Key(k string) string { return t.prefix + k }

// Lookup returns the tagged entry for k. Store failures other than ErrMiss
// are returned alongside a Miss entry.
func (t *Typed[T]) Lookup(ctx context.Context, k string) (Entry[T], error) {
	raw, err := t.store.Get(ctx, t.Key(k))
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return Entry[T]{Status: Miss}, nil
		}
		return Entry[T]{Status: Miss}, err
	}

	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return Entry[T]{Status: Miss}, fmt.Errorf("cache: decode %s: %w", t.Key(k), err)
	}
	switch env.State {
	case envelopeAbsent:
		return Entry[T]{Status: NotFound}, nil
	case envelopeFound:
		if env.Value == nil {
			return Entry[T]{Status: Miss}, fmt.Errorf("cache: %s: found entry without value", t.Key(k))
		}
		return Entry[T]{Status: Found, Value: *env.Value}, nil
	default:
		return Entry[T]{Status: Miss}, fmt.Errorf("cache: %s: unknown entry state %q", t.Key(k), env.State)
	}
}

// Put caches v for ttl.
func (t *Typed[T]) Put(ctx context.Context, k string, v T, ttl time.Duration) error {
	b, err := json.Marshal(envelope[T]{State: envelopeFound, Value: &v})
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", t.Key(k), err)
	}
	return t.store.Set(ctx, t.Key(k), b, ttl)
}

// PutNotFound caches the absence of k for ttl.
func (t *Typed[T]) PutNotFound(ctx context.Context, k string, ttl time.Duration) error {
	b, err := json.Marshal(envelope[T]{State: envelopeAbsent})
	if err != nil {
		return err
	}
	return t.store.Set(ctx, t.Key(k), b, ttl)
}

// Delete removes k. Deleting an absent key is not an error.
func (t *Typed[T]) Delete(ctx context.Context, k string) error {
	return t.store.Delete(ctx, t.Key(k))
}
