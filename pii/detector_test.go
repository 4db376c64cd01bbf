package pii

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestHTTPDetectorRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect-and-mask" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req detectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.InfoTypes) != 1 || req.InfoTypes[0] != "EMAIL_ADDRESS" {
			http.Error(w, "missing info types", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(detectResponse{
			MaskedPayload:    json.RawMessage(`{"to":"[EMAIL_ADDRESS]"}`),
			DetectedCount:    1,
			DetectedEntities: []Entity{{InfoType: "EMAIL_ADDRESS", Score: 0.99}, {InfoType: "EMAIL_ADDRESS"}},
		})
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL + "/")
	if d.Availability(context.Background()) != Available {
		t.Fatalf("expected available")
	}
	res, err := d.DetectAndMask(context.Background(), json.RawMessage(`{"to":"a@b.c"}`), []string{"EMAIL_ADDRESS"})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if string(res.Masked) != `{"to":"[EMAIL_ADDRESS]"}` || res.Count != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := res.InfoTypes(); len(got) != 1 || got[0] != "EMAIL_ADDRESS" {
		t.Fatalf("unexpected info types %v", got)
	}
}

func TestHTTPDetectorCooldown(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	d := NewHTTPDetector(srv.URL, WithClock(clock), WithCooldown(time.Minute))
	ctx := context.Background()

	if _, err := d.DetectAndMask(ctx, json.RawMessage(`{}`), nil); err == nil {
		t.Fatalf("expected error on 503")
	}
	if d.Availability(ctx) != Unavailable {
		t.Fatalf("expected unavailable during cooldown")
	}
	if _, err := d.DetectAndMask(ctx, json.RawMessage(`{}`), nil); err != ErrUnavailable {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("service should not be called during cooldown, hits=%d", hits.Load())
	}
	clock.Advance(time.Minute + time.Second)
	if d.Availability(ctx) != Available {
		t.Fatalf("expected available after cooldown")
	}
}

func TestHTTPDetectorRejectsInvalidMaskedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"detectedCount":0}`))
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL)
	if _, err := d.DetectAndMask(context.Background(), json.RawMessage(`{"a":1}`), nil); err == nil {
		t.Fatalf("expected error for non-JSON masked payload")
	}
	if d.Availability(context.Background()) != Available {
		t.Fatalf("a bad payload is not an outage")
	}
}

func TestUnconfiguredDetectorUnavailable(t *testing.T) {
	if NewHTTPDetector("").Availability(context.Background()) != Unavailable {
		t.Fatalf("empty base URL must be unavailable")
	}
	if (Disabled{}).Availability(context.Background()) != Unavailable {
		t.Fatalf("Disabled must be unavailable")
	}
}
