package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/mcp-gateway-go/auth"
)

var (
	// ErrCapacityExceeded is returned by Create when the registry is full.
	ErrCapacityExceeded = errors.New("sessions: capacity exceeded")
	// ErrSessionNotFound is returned for unknown or already closed sessions.
	ErrSessionNotFound = errors.New("sessions: session not found")
	// ErrSessionExists is returned by Create for a duplicate id.
	ErrSessionExists = errors.New("sessions: session already exists")
)

const (
	DefaultMaxSessions   = 1000
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Transport identifies the inbound protocol a session arrived on.
type Transport string

const (
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable-http"
)

// Close reasons reported to cleanup functions and logs.
const (
	ReasonClientClosed = "client_closed"
	ReasonDisconnected = "client_disconnected"
	ReasonWriteFailed  = "write_failed"
	ReasonExpired      = "expired"
	ReasonShutdown     = "shutdown"
)

// CleanupFunc releases a session's transport resources. It is invoked at most
// once per session, after the session has left the registry.
type CleanupFunc func(ctx context.Context, reason string) error

// Session is one live client connection.
type Session struct {
	ID        string
	Transport Transport
	Owner     auth.Context
	ClientTag string
	CreatedAt time.Time

	lastActivity atomic.Int64
	closed       atomic.Bool
	cleanup      CleanupFunc
}

// LastActivity returns the most recent touch.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Closed reports whether teardown has started.
func (s *Session) Closed() bool { return s.closed.Load() }

// touch advances lastActivity to now unless it is already later.
func (s *Session) touch(now time.Time) {
	n := now.UnixNano()
	for {
		cur := s.lastActivity.Load()
		if n <= cur || s.lastActivity.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Registry tracks live sessions, enforces the session ceiling and TTL, and
// guarantees each session is torn down exactly once.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	max           int
	ttl           time.Duration
	sweepInterval time.Duration
	clock         clockwork.Clock
	log           *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxSessions sets the live session ceiling. Zero or less disables it.
func WithMaxSessions(n int) Option {
	return func(r *Registry) { r.max = n }
}

// WithTTL sets the idle timeout after which a session expires. Zero or less
// disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithSweepInterval sets how often Run sweeps expired sessions.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithClock sets the clock.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:      make(map[string]*Session),
		max:           DefaultMaxSessions,
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		clock:         clockwork.NewRealClock(),
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CanCreateNewSession reports whether the ceiling leaves room for another
// session. Create re-checks under the lock.
func (r *Registry) CanCreateNewSession() bool {
	if r.max <= 0 {
		return true
	}
	return r.Len() < r.max
}

// Create registers a session. cleanup may be nil.
func (r *Registry) Create(id string, transport Transport, owner auth.Context, clientTag string, cleanup CleanupFunc) (*Session, error) {
	now := r.clock.Now()
	s := &Session{
		ID:        id,
		Transport: transport,
		Owner:     owner,
		ClientTag: clientTag,
		CreatedAt: now,
		cleanup:   cleanup,
	}
	s.lastActivity.Store(now.UnixNano())

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, ErrSessionExists
	}
	if r.max > 0 && len(r.sessions) >= r.max {
		n := len(r.sessions)
		r.mu.Unlock()
		r.log.Warn("session.create.capacity", slog.Int("live", n), slog.Int("max", r.max))
		return nil, ErrCapacityExceeded
	}
	r.sessions[id] = s
	r.mu.Unlock()

	r.log.Info("session.create.ok",
		slog.String("session_id", id),
		slog.String("transport", string(transport)),
		slog.String("org_id", owner.OrganizationID),
		slog.String("client", clientTag),
	)
	return s, nil
}

func (r *Registry) expired(s *Session, now time.Time) bool {
	return r.ttl > 0 && now.Sub(s.LastActivity()) > r.ttl
}

// Get returns a live session. An expired session is closed on sight and
// reported as absent.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s.Closed() {
		return nil, false
	}
	if r.expired(s, r.clock.Now()) {
		_ = r.closeSession(context.Background(), s, ReasonExpired)
		return nil, false
	}
	return s, true
}

// IsValid reports whether id names a live, unexpired session.
func (r *Registry) IsValid(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Touch records activity on id. It returns false for unknown or expired
// sessions.
func (r *Registry) Touch(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.touch(r.clock.Now())
	return true
}

// Close tears down id. Only the first caller runs the cleanup; later callers
// get nil. Unknown ids yield ErrSessionNotFound.
func (r *Registry) Close(ctx context.Context, id, reason string) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	return r.closeSession(ctx, s, reason)
}

func (r *Registry) closeSession(ctx context.Context, s *Session, reason string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	log := r.log.With(slog.String("session_id", s.ID), slog.String("reason", reason))
	if s.cleanup != nil {
		if err := s.cleanup(ctx, reason); err != nil {
			log.ErrorContext(ctx, "session.cleanup.fail", slog.String("err", err.Error()))
			return err
		}
	}
	log.InfoContext(ctx, "session.close.ok", slog.Duration("age", r.clock.Since(s.CreatedAt)))
	return nil
}

// Sweep closes every expired session and returns how many it closed.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.clock.Now()
	var stale []*Session
	r.mu.RLock()
	for _, s := range r.sessions {
		if r.expired(s, now) {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range stale {
		if !s.Closed() {
			_ = r.closeSession(ctx, s, ReasonExpired)
			n++
		}
	}
	if n > 0 {
		r.log.InfoContext(ctx, "session.sweep.ok", slog.Int("closed", n))
	}
	return n
}

// Run sweeps on the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := r.clock.NewTicker(r.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			r.Sweep(ctx)
		}
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown closes every session and joins the cleanup errors.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var errs []error
	for _, s := range all {
		if err := r.closeSession(ctx, s, ReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
