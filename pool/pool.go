package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/mcp-gateway-go/store"
)

var (
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrTransport marks failures of the underlying connection. Operations
	// whose error wraps it evict the connection they ran on.
	ErrTransport = errors.New("pool: transport failure")
)

const (
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultDialTimeout    = 30 * time.Second
	DefaultMaxConnsPerKey = 1
)

// Key identifies a pooled upstream: the tenant scope plus the server.
type Key struct {
	Scope    string
	ServerID string
}

func (k Key) String() string { return k.Scope + "/" + k.ServerID }

// Target describes how to reach an upstream server.
type Target struct {
	Name      string
	URL       string
	Transport store.TransportKind
	Headers   map[string]string
}

// TargetFor derives the dial target of s, including its upstream
// credentials.
func TargetFor(s *store.Server) Target {
	t := Target{Name: s.Name, URL: s.URL, Transport: s.Transport}
	if s.AuthType == store.AuthBearer && s.AuthToken != "" {
		t.Headers = map[string]string{"Authorization": "Bearer " + s.AuthToken}
	}
	return t
}

// Client is an established MCP client session to an upstream server. It must
// be safe for concurrent use.
type Client interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Ping(ctx context.Context, params *mcp.PingParams) error
	Close() error
}

// Dialer establishes Clients.
type Dialer interface {
	Dial(ctx context.Context, t Target) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, t Target) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, t Target) (Client, error) { return f(ctx, t) }

// Op is a unit of work run against a pooled connection.
type Op func(ctx context.Context, c Client) (any, error)

// State is a pooled connection's lifecycle phase.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "closing"
	}
}

type conn struct {
	id       uint64
	key      Key
	client   Client
	state    State // guarded by Pool.mu
	inflight int   // guarded by Pool.mu
	lastUsed atomic.Int64
}

// Pool shares upstream connections between concurrent callers.
type Pool struct {
	dialer Dialer

	mu     sync.Mutex
	conns  map[Key][]*conn
	closed bool
	nextID uint64

	group singleflight.Group

	maxPerKey     int
	idleTimeout   time.Duration
	dialTimeout   time.Duration
	sweepInterval time.Duration
	clock         clockwork.Clock
	log           *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxConnsPerKey caps established connections per key. Callers beyond
// the cap share the least loaded connection.
func WithMaxConnsPerKey(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxPerKey = n
		}
	}
}

// WithIdleTimeout sets how long an unused connection survives.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithSweepInterval sets how often Run sweeps idle connections.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.sweepInterval = d
		}
	}
}

// WithClock sets the clock.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// New returns a Pool that establishes connections with d.
func New(d Dialer, opts ...Option) *Pool {
	p := &Pool{
		dialer:        d,
		conns:         make(map[Key][]*conn),
		maxPerKey:     DefaultMaxConnsPerKey,
		idleTimeout:   DefaultIdleTimeout,
		dialTimeout:   DefaultDialTimeout,
		sweepInterval: DefaultSweepInterval,
		clock:         clockwork.NewRealClock(),
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// pickLocked returns the least loaded active connection for key and the
// number of live (connecting or active) connections. Must hold p.mu.
func (p *Pool) pickLocked(key Key) (*conn, int) {
	var best *conn
	n := 0
	for _, c := range p.conns[key] {
		if c.state == StateClosing {
			continue
		}
		n++
		if c.state == StateActive && (best == nil || c.inflight < best.inflight) {
			best = c
		}
	}
	return best, n
}

// reusable reports whether best should be shared rather than dialing anew.
func (p *Pool) reusable(best *conn, live int) bool {
	return best != nil && (best.inflight == 0 || live >= p.maxPerKey)
}

// claim returns a connection for key with its in-flight count taken, or nil
// when the caller should dial (or join the dial already in flight). Must
// hold p.mu.
func (p *Pool) claim(key Key) *conn {
	best, n := p.pickLocked(key)
	if !p.reusable(best, n) {
		return nil
	}
	best.inflight++
	return best
}

func (p *Pool) acquire(ctx context.Context, key Key, t Target) (*conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		c := p.claim(key)
		p.mu.Unlock()
		if c != nil {
			return c, nil
		}

		ch := p.group.DoChan(key.String(), func() (any, error) {
			return p.dial(ctx, key, t)
		})
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.Err != nil {
			return nil, res.Err
		}

		nc := res.Val.(*conn)
		p.mu.Lock()
		if nc.state == StateActive && !p.closed {
			nc.inflight++
			p.mu.Unlock()
			return nc, nil
		}
		p.mu.Unlock()
	}
}

// dial runs under the key's single-flight. It detaches from the caller's
// cancellation so one impatient caller cannot abort a dial others wait on.
func (p *Pool) dial(ctx context.Context, key Key, t Target) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	// A connection may have become available while this caller queued.
	if best, n := p.pickLocked(key); p.reusable(best, n) {
		p.mu.Unlock()
		return best, nil
	}
	p.nextID++
	c := &conn{id: p.nextID, key: key, state: StateConnecting}
	p.conns[key] = append(p.conns[key], c)
	p.mu.Unlock()

	log := p.log.With(slog.String("pool_key", key.String()), slog.String("server", t.Name), slog.Uint64("conn_id", c.id))

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.dialTimeout)
	defer cancel()
	start := p.clock.Now()
	client, err := p.dialer.Dial(dctx, t)
	if err != nil {
		p.mu.Lock()
		p.removeLocked(c)
		p.mu.Unlock()
		log.WarnContext(ctx, "pool.dial.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("dial %s: %w", t.Name, err)
	}

	p.mu.Lock()
	if p.closed || c.state == StateClosing {
		p.removeLocked(c)
		p.mu.Unlock()
		_ = client.Close()
		return nil, ErrPoolClosed
	}
	c.client = client
	c.state = StateActive
	c.lastUsed.Store(p.clock.Now().UnixNano())
	p.mu.Unlock()

	log.InfoContext(ctx, "pool.dial.ok", slog.Duration("elapsed", p.clock.Since(start)))
	return c, nil
}

func (p *Pool) removeLocked(c *conn) {
	list := p.conns[c.key]
	for i, cur := range list {
		if cur == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.conns, c.key)
	} else {
		p.conns[c.key] = list
	}
}

func (p *Pool) release(c *conn, err error) {
	c.lastUsed.Store(p.clock.Now().UnixNano())
	p.mu.Lock()
	c.inflight--
	p.mu.Unlock()
	if err != nil && errors.Is(err, ErrTransport) {
		p.evict(c, "transport_error")
	}
}

// detachLocked marks c closing and removes it from the map. It returns false
// when c was already detached. Must hold p.mu.
func (p *Pool) detachLocked(c *conn) bool {
	if c.state == StateClosing {
		return false
	}
	c.state = StateClosing
	p.removeLocked(c)
	return true
}

func (p *Pool) closeConn(c *conn, reason string) {
	if c.client == nil {
		return
	}
	log := p.log.With(slog.String("pool_key", c.key.String()), slog.Uint64("conn_id", c.id), slog.String("reason", reason))
	if err := c.client.Close(); err != nil {
		log.Warn("pool.evict.close_fail", slog.String("err", err.Error()))
		return
	}
	log.Info("pool.evict.ok")
}

// evict removes c and closes its client. Later evictions of the same
// connection are no-ops.
func (p *Pool) evict(c *conn, reason string) {
	p.mu.Lock()
	ok := p.detachLocked(c)
	p.mu.Unlock()
	if ok {
		p.closeConn(c, reason)
	}
}

func (p *Pool) run(ctx context.Context, c *conn, op Op) (res any, err error) {
	defer func() { p.release(c, err) }()
	return op(ctx, c.client)
}

// WithConnection runs op on a connection for key, establishing one from t if
// needed. Failures are returned as *OperationError.
func (p *Pool) WithConnection(ctx context.Context, key Key, t Target, op Op) (any, error) {
	c, err := p.acquire(ctx, key, t)
	if err != nil {
		return nil, &OperationError{Key: key, Server: t.Name, Operations: 1, Cause: err}
	}
	res, err := p.run(ctx, c, op)
	if err != nil {
		return nil, &OperationError{Key: key, Server: t.Name, Operations: 1, Cause: err}
	}
	return res, nil
}

// Do is a typed WithConnection.
func Do[T any](ctx context.Context, p *Pool, key Key, t Target, op func(ctx context.Context, c Client) (T, error)) (T, error) {
	res, err := p.WithConnection(ctx, key, t, func(ctx context.Context, c Client) (any, error) {
		return op(ctx, c)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// WithConnectionBatch runs ops concurrently on one connection for key.
// Results are returned in input order. A failing op does not cancel its
// siblings; the first failure is reported as the *BatchError cause.
func (p *Pool) WithConnectionBatch(ctx context.Context, key Key, t Target, ops []Op) ([]any, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	c, err := p.acquire(ctx, key, t)
	if err != nil {
		return nil, &BatchError{Key: key, Server: t.Name, Operations: len(ops), Cause: err}
	}

	results := make([]any, len(ops))
	var broken atomic.Bool
	_, err = p.run(ctx, c, func(ctx context.Context, client Client) (any, error) {
		var g errgroup.Group
		for i, op := range ops {
			g.Go(func() error {
				r, err := op(ctx, client)
				if err != nil {
					if errors.Is(err, ErrTransport) {
						broken.Store(true)
					}
					return fmt.Errorf("operation %d: %w", i, err)
				}
				results[i] = r
				return nil
			})
		}
		return nil, g.Wait()
	})
	// The reported failure may not be the one that broke the connection.
	if broken.Load() {
		p.evict(c, "transport_error")
	}
	if err != nil {
		return nil, &BatchError{Key: key, Server: t.Name, Operations: len(ops), Cause: err}
	}
	return results, nil
}

// Warm establishes a connection for key without running an operation.
func (p *Pool) Warm(ctx context.Context, key Key, t Target) error {
	c, err := p.acquire(ctx, key, t)
	if err != nil {
		return &OperationError{Key: key, Server: t.Name, Cause: err}
	}
	p.release(c, nil)
	return nil
}

// MarkBroken evicts every connection for key.
func (p *Pool) MarkBroken(key Key, reason string) {
	p.mu.Lock()
	list := append([]*conn(nil), p.conns[key]...)
	p.mu.Unlock()
	for _, c := range list {
		p.evict(c, reason)
	}
}

// Sweep evicts idle connections and returns how many it evicted.
func (p *Pool) Sweep(ctx context.Context) int {
	cutoff := p.clock.Now().Add(-p.idleTimeout).UnixNano()
	var idle []*conn
	p.mu.Lock()
	for _, list := range p.conns {
		for _, c := range list {
			if c.state == StateActive && c.inflight == 0 && c.lastUsed.Load() < cutoff {
				idle = append(idle, c)
			}
		}
	}
	for _, c := range idle {
		p.detachLocked(c)
	}
	p.mu.Unlock()

	for _, c := range idle {
		p.closeConn(c, "idle")
	}
	if len(idle) > 0 {
		p.log.InfoContext(ctx, "pool.sweep.ok", slog.Int("evicted", len(idle)))
	}
	return len(idle)
}

// Run sweeps on the configured interval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	t := p.clock.NewTicker(p.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			p.Sweep(ctx)
		}
	}
}

// KeyStats summarizes the connections of one key.
type KeyStats struct {
	Connecting int
	Active     int
	InFlight   int
}

// Stats reports live connections per key.
func (p *Pool) Stats() map[Key]KeyStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[Key]KeyStats, len(p.conns))
	for k, list := range p.conns {
		var s KeyStats
		for _, c := range list {
			switch c.state {
			case StateConnecting:
				s.Connecting++
			case StateActive:
				s.Active++
			}
			s.InFlight += c.inflight
		}
		out[k] = s
	}
	return out
}

// Close closes every connection and rejects further use.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var clients []Client
	for _, list := range p.conns {
		for _, c := range list {
			c.state = StateClosing
			if c.client != nil {
				clients = append(clients, c.client)
			}
		}
	}
	p.conns = make(map[Key][]*conn)
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
