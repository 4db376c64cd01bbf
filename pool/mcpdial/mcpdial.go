// Package mcpdial establishes upstream MCP client sessions with the official
// Go SDK, over either Streamable HTTP or SSE.
package mcpdial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ggoodman/mcp-gateway-go/pool"
	"github.com/ggoodman/mcp-gateway-go/store"
)

const DefaultRetries = 2

// Dialer implements pool.Dialer.
type Dialer struct {
	httpClient *http.Client
	impl       *mcp.Implementation
	retries    uint64
	initial    time.Duration
	log        *slog.Logger
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithHTTPClient sets the base HTTP client. Its transport is wrapped to add
// per-target headers.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// WithRetries sets how many times a failed handshake is retried.
func WithRetries(n uint64) Option {
	return func(d *Dialer) { d.retries = n }
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(b time.Duration) Option {
	return func(d *Dialer) {
		if b > 0 {
			d.initial = b
		}
	}
}

// WithImplementation sets the client identity sent during initialize.
func WithImplementation(impl *mcp.Implementation) Option {
	return func(d *Dialer) { d.impl = impl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) { d.log = l }
}

// New returns a Dialer.
func New(opts ...Option) *Dialer {
	d := &Dialer{
		httpClient: http.DefaultClient,
		impl:       &mcp.Implementation{Name: "mcp-gateway", Version: "v1"},
		retries:    DefaultRetries,
		initial:    200 * time.Millisecond,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ pool.Dialer = (*Dialer)(nil)

// Dial performs the MCP handshake against t, retrying with exponential
// backoff until the retry budget or ctx runs out.
func (d *Dialer) Dial(ctx context.Context, t pool.Target) (pool.Client, error) {
	hc := d.clientFor(t)
	client := mcp.NewClient(d.impl, nil)

	var cs *mcp.ClientSession
	op := func() error {
		var transport mcp.Transport
		switch t.Transport {
		case store.TransportSSE:
			transport = &mcp.SSEClientTransport{Endpoint: t.URL, HTTPClient: hc}
		default:
			transport = &mcp.StreamableClientTransport{Endpoint: t.URL, HTTPClient: hc}
		}
		s, err := client.Connect(ctx, transport, nil)
		if err != nil {
			return err
		}
		cs = s
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.initial
	b := backoff.WithContext(backoff.WithMaxRetries(eb, d.retries), ctx)
	notify := func(err error, wait time.Duration) {
		d.log.WarnContext(ctx, "upstream.connect.retry",
			slog.String("server", t.Name),
			slog.Duration("wait", wait),
			slog.String("err", err.Error()),
		)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("connect %s: %w", t.URL, err)
	}
	return &session{cs: cs}, nil
}

func (d *Dialer) clientFor(t pool.Target) *http.Client {
	if len(t.Headers) == 0 {
		return d.httpClient
	}
	base := d.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := *d.httpClient
	hc.Transport = &headerTransport{base: base, headers: t.Headers}
	return &hc
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range h.headers {
		r.Header.Set(k, v)
	}
	return h.base.RoundTrip(r)
}

// session adapts *mcp.ClientSession to pool.Client, tagging connection-level
// failures with pool.ErrTransport.
type session struct {
	cs *mcp.ClientSession
}

func (s *session) ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	res, err := s.cs.ListTools(ctx, params)
	return res, classify(err)
}

func (s *session) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	res, err := s.cs.CallTool(ctx, params)
	return res, classify(err)
}

func (s *session) Ping(ctx context.Context, params *mcp.PingParams) error {
	return classify(s.cs.Ping(ctx, params))
}

func (s *session) Close() error { return s.cs.Close() }

func classify(err error) error {
	if err == nil {
		return nil
	}
	// Caller deadlines satisfy net.Error but leave the connection healthy.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, mcp.ErrConnectionClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", pool.ErrTransport, err)
	}
	return err
}
