package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func quiet() Option { return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))) }

func TestFlushComputesAndResets(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	c := New(WithClock(clock), quiet())

	c.ConnectionOpened("sse")
	c.Record("sse", 100*time.Millisecond, "")
	c.Record("streamable-http", 300*time.Millisecond, "upstream_failure")
	last := clock.Now()

	r := c.Flush(context.Background())
	if r.ErrorRate != 50 {
		t.Fatalf("want 50%% error rate, got %v", r.ErrorRate)
	}
	if r.AvgResponseTime != 200*time.Millisecond || r.MinResponseTime != 100*time.Millisecond || r.MaxResponseTime != 300*time.Millisecond {
		t.Fatalf("unexpected timings: %+v", r)
	}
	if r.ErrorsByType["upstream_failure"] != 1 {
		t.Fatalf("unexpected errors by type: %v", r.ErrorsByType)
	}
	if r.Transports["sse"].AvgResponseTime != 100*time.Millisecond || r.Transports["streamable-http"].Failed != 1 {
		t.Fatalf("unexpected per-transport stats: %+v", r.Transports)
	}

	clock.Advance(time.Minute)
	after := c.Snapshot()
	if after.Requests != 0 || after.Successful != 0 || after.Failed != 0 || len(after.ErrorsByType) != 0 || len(after.Transports) != 0 {
		t.Fatalf("interval counters not reset: %+v", after)
	}
	if after.ErrorRate != 0 || after.AvgResponseTime != 0 {
		t.Fatalf("derived stats not reset: %+v", after)
	}
	if after.Connections["sse"] != 1 || !after.LastActivity.Equal(last) {
		t.Fatalf("current state must survive flush: %+v", after)
	}
}

func TestConnectionCountsNeverNegative(t *testing.T) {
	c := New(quiet())
	c.ConnectionClosed("sse")
	c.ConnectionOpened("sse")
	c.ConnectionOpened("sse")
	c.ConnectionClosed("sse")
	if got := c.Snapshot().Connections["sse"]; got != 1 {
		t.Fatalf("want 1 connection, got %d", got)
	}
}

func TestCPUSampler(t *testing.T) {
	readings := []CPUTimes{{Idle: 100, Total: 200}, {Idle: 150, Total: 400}, {Idle: 150, Total: 400}}
	i := 0
	s := &cpuSampler{source: func() (CPUTimes, error) {
		r := readings[i]
		i++
		return r, nil
	}}

	first, _ := s.sample()
	if first != 0 {
		t.Fatalf("first sample must be neutral, got %v", first)
	}
	second, _ := s.sample()
	if second != 75 {
		t.Fatalf("want 75%%, got %v", second)
	}
	third, _ := s.sample()
	if third != 0 {
		t.Fatalf("no elapsed ticks must report 0, got %v", third)
	}
}

func TestCPUSourceErrorReportsZero(t *testing.T) {
	c := New(quiet(), WithCPUSource(func() (CPUTimes, error) { return CPUTimes{}, errors.New("no procfs") }))
	if r := c.Flush(context.Background()); r.CPUPercent != 0 {
		t.Fatalf("want 0 cpu on error, got %v", r.CPUPercent)
	}
}

func TestRunFlushesOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(WithClock(clock), WithInterval(time.Second), quiet())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	c.Record("sse", time.Millisecond, "")
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for c.Snapshot().Requests != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ticker did not flush")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestPrometheusMirror(t *testing.T) {
	c := New(quiet())
	c.Record("sse", 10*time.Millisecond, "")
	c.Record("sse", 10*time.Millisecond, "not_found")
	c.ConnectionOpened("streamable-http")

	if got := testutil.ToFloat64(c.reqTotal.WithLabelValues("sse", "error")); got != 1 {
		t.Fatalf("want 1 error sample, got %v", got)
	}
	if got := testutil.ToFloat64(c.connGauge.WithLabelValues("streamable-http")); got != 1 {
		t.Fatalf("want 1 connection, got %v", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "mcp_gateway_requests_total") {
		t.Fatalf("exposition missing counter:\n%s", rec.Body.String())
	}
}
