package memorycache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/cache"
)

func TestStoreExpiresEntries(t *testing.T) {
	ctx := context.Background()
	s := New(time.Minute)

	if err := s.Set(ctx, "k", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("get: %q %v", got, err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("want miss after expiry, got %v", err)
	}
}

func TestStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := New(time.Minute)
	buf := []byte("original")
	if err := s.Set(ctx, "k", buf, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	copy(buf, "mutated!")
	got, _ := s.Get(ctx, "k")
	if string(got) != "original" {
		t.Fatalf("stored value aliased caller buffer: %q", got)
	}
}
