package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/goleak"

	"github.com/ggoodman/mcp-gateway-go/auth"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var owner = auth.Context{OrganizationID: "org-1", UserID: "alice"}

func newTestRegistry(opts ...Option) (*Registry, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	opts = append([]Option{WithClock(clock), WithTTL(time.Minute), WithMaxSessions(2)}, opts...)
	return NewRegistry(opts...), clock
}

func TestCreateEnforcesCapacity(t *testing.T) {
	r, _ := newTestRegistry()

	if !r.CanCreateNewSession() {
		t.Fatalf("empty registry should have room")
	}
	for _, id := range []string{"a", "b"} {
		if _, err := r.Create(id, TransportSSE, owner, "test", nil); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if r.CanCreateNewSession() {
		t.Fatalf("full registry should report no room")
	}
	if _, err := r.Create("c", TransportSSE, owner, "test", nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("want ErrCapacityExceeded, got %v", err)
	}
	if _, err := r.Create("a", TransportSSE, owner, "test", nil); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("want ErrSessionExists, got %v", err)
	}

	if err := r.Close(context.Background(), "a", ReasonClientClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !r.CanCreateNewSession() {
		t.Fatalf("closing a session should free capacity")
	}
}

func TestCleanupRunsOnceUnderConcurrentClose(t *testing.T) {
	r, _ := newTestRegistry(WithMaxSessions(0))

	var calls atomic.Int32
	var gotReason atomic.Value
	_, err := r.Create("s1", TransportSSE, owner, "test", func(ctx context.Context, reason string) error {
		calls.Add(1)
		gotReason.Store(reason)
		return nil
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reasons := []string{ReasonClientClosed, ReasonDisconnected, ReasonWriteFailed, ReasonShutdown}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Close(context.Background(), "s1", reasons[i%len(reasons)])
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("cleanup ran %d times", got)
	}
	if r.Len() != 0 {
		t.Fatalf("session still registered")
	}
	if err := r.Close(context.Background(), "s1", ReasonClientClosed); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("close after teardown: want ErrSessionNotFound, got %v", err)
	}
}

func TestCleanupErrorIsReturnedOnce(t *testing.T) {
	r, _ := newTestRegistry()
	boom := errors.New("transport already gone")
	if _, err := r.Create("s1", TransportStreamableHTTP, owner, "test", func(context.Context, string) error { return boom }); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Close(context.Background(), "s1", ReasonClientClosed); !errors.Is(err, boom) {
		t.Fatalf("want cleanup error, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("failed cleanup must still deregister")
	}
}

func TestTouchIsMonotonicAndExtendsLife(t *testing.T) {
	r, clock := newTestRegistry()
	s, err := r.Create("s1", TransportSSE, owner, "test", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	start := s.LastActivity()

	clock.Advance(50 * time.Second)
	if !r.Touch("s1") {
		t.Fatalf("touch live session")
	}
	touched := s.LastActivity()
	if !touched.After(start) {
		t.Fatalf("activity did not advance: %v -> %v", start, touched)
	}

	s.touch(start)
	if got := s.LastActivity(); !got.Equal(touched) {
		t.Fatalf("activity moved backwards: %v -> %v", touched, got)
	}

	clock.Advance(50 * time.Second)
	if !r.IsValid("s1") {
		t.Fatalf("touched session expired early")
	}
	clock.Advance(11 * time.Second)
	if r.IsValid("s1") {
		t.Fatalf("idle session should expire")
	}
	if r.Touch("s1") {
		t.Fatalf("touch of expired session should fail")
	}
	if r.Len() != 0 {
		t.Fatalf("expired session should be closed lazily")
	}
}

func TestSweepClosesExpired(t *testing.T) {
	r, clock := newTestRegistry(WithMaxSessions(0))
	var closed atomic.Int32
	cleanup := func(_ context.Context, reason string) error {
		if reason != ReasonExpired {
			t.Errorf("unexpected reason %q", reason)
		}
		closed.Add(1)
		return nil
	}
	for _, id := range []string{"a", "b"} {
		if _, err := r.Create(id, TransportSSE, owner, "test", cleanup); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	clock.Advance(30 * time.Second)
	if _, err := r.Create("fresh", TransportSSE, owner, "test", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(31 * time.Second)

	if n := r.Sweep(context.Background()); n != 2 {
		t.Fatalf("want 2 swept, got %d", n)
	}
	if closed.Load() != 2 || r.Len() != 1 {
		t.Fatalf("closed=%d len=%d", closed.Load(), r.Len())
	}
}

func TestRunSweepsOnTicker(t *testing.T) {
	r, clock := newTestRegistry(WithSweepInterval(10 * time.Second))
	if _, err := r.Create("s1", TransportSSE, owner, "test", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	clock.BlockUntil(1)
	clock.Advance(70 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweep did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestShutdownClosesAll(t *testing.T) {
	r, _ := newTestRegistry(WithMaxSessions(0))
	boom := errors.New("boom")
	var closed atomic.Int32
	ok := func(context.Context, string) error { closed.Add(1); return nil }
	bad := func(context.Context, string) error { closed.Add(1); return boom }

	_, _ = r.Create("a", TransportSSE, owner, "test", ok)
	_, _ = r.Create("b", TransportStreamableHTTP, owner, "test", bad)
	_, _ = r.Create("c", TransportSSE, owner, "test", ok)

	err := r.Shutdown(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("want joined cleanup error, got %v", err)
	}
	if closed.Load() != 3 || r.Len() != 0 {
		t.Fatalf("closed=%d len=%d", closed.Load(), r.Len())
	}
}
