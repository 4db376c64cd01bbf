package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/cache"
	"github.com/ggoodman/mcp-gateway-go/cache/memorycache"
)

type server struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestTypedDistinguishesAbsenceFromMiss(t *testing.T) {
	ctx := context.Background()
	typed := cache.NewTyped[server](memorycache.New(time.Minute), "server:")

	e, err := typed.Lookup(ctx, "s1")
	if err != nil || e.Status != cache.Miss {
		t.Fatalf("empty cache: want miss, got %v (%v)", e.Status, err)
	}

	if err := typed.PutNotFound(ctx, "s1", time.Minute); err != nil {
		t.Fatalf("put not found: %v", err)
	}
	e, err = typed.Lookup(ctx, "s1")
	if err != nil || e.Status != cache.NotFound {
		t.Fatalf("negative entry: want not_found, got %v (%v)", e.Status, err)
	}

	if err := typed.Put(ctx, "s1", server{ID: "s1", Name: "github"}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	e, err = typed.Lookup(ctx, "s1")
	if err != nil || e.Status != cache.Found || e.Value.Name != "github" {
		t.Fatalf("positive entry: got %+v (%v)", e, err)
	}

	if err := typed.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := typed.Delete(ctx, "never-set"); err != nil {
		t.Fatalf("delete of absent key must succeed: %v", err)
	}
	if e, _ := typed.Lookup(ctx, "s1"); e.Status != cache.Miss {
		t.Fatalf("after delete: want miss, got %v", e.Status)
	}
}

type brokenStore struct{ err error }

func (b brokenStore) Get(context.Context, string) ([]byte, error) { return nil, b.err }
func (b brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return b.err
}
func (b brokenStore) Delete(context.Context, string) error { return b.err }

func TestTypedSurfacesStoreFailuresAsMiss(t *testing.T) {
	outage := errors.New("connection refused")
	typed := cache.NewTyped[server](brokenStore{err: outage}, "server:")

	e, err := typed.Lookup(context.Background(), "s1")
	if e.Status != cache.Miss {
		t.Fatalf("want miss on outage, got %v", e.Status)
	}
	if !errors.Is(err, outage) {
		t.Fatalf("want outage error reported, got %v", err)
	}
}

func TestTypedRejectsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	s := memorycache.New(time.Minute)
	if err := s.Set(ctx, "server:s1", []byte(`{"s":"weird"}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	e, err := cache.NewTyped[server](s, "server:").Lookup(ctx, "s1")
	if err == nil || e.Status != cache.Miss {
		t.Fatalf("corrupt entry: want miss with error, got %v (%v)", e.Status, err)
	}
}
