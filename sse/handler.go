// Package sse implements the legacy HTTP+SSE MCP transport: a long-lived
// GET stream that carries responses and a POST endpoint that accepts
// messages for the stream's session.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/internal/apierror"
	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/internal/relay"
	"github.com/ggoodman/mcp-gateway-go/pool"
	"github.com/ggoodman/mcp-gateway-go/sessions"
)

const (
	DefaultKeepAlive  = 30 * time.Second
	DefaultQueueLimit = 64
	DefaultRetryAfter = 5 * time.Second

	sessionIDParam = "sessionId"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Handler serves GET {prefix}/sse, GET {prefix}/sse/{serverID} and
// POST {prefix}/messages.
type Handler struct {
	mux        *http.ServeMux
	gate       *auth.Gate
	dispatcher *relay.Dispatcher
	registry   *sessions.Registry
	pool       *pool.Pool
	observer   relay.ConnectionObserver
	clock      clockwork.Clock
	keepAlive  time.Duration
	queueLimit int
	retryAfter time.Duration
	prefix     string
	newID      func() string
	log        *slog.Logger

	streams sync.Map // session id -> *stream
}

// stream is the transport-local state of one open SSE connection.
type stream struct {
	id     string
	writer *relay.StreamWriter
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	queue  *queue
}

func (s *stream) enqueue(m *jsonrpc.AnyMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sessions.ErrSessionNotFound
	}
	return s.queue.push(m)
}

// detach stops accepting messages so the queue can be recycled.
func (s *stream) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
}

// Option configures a Handler.
type Option func(*Handler)

func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

func WithQueueLimit(n int) Option {
	return func(h *Handler) { h.queueLimit = n }
}

// WithPool pre-dials the target server when a single-server stream opens.
func WithPool(p *pool.Pool) Option {
	return func(h *Handler) { h.pool = p }
}

func WithObserver(o relay.ConnectionObserver) Option {
	return func(h *Handler) {
		if o != nil {
			h.observer = o
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithPathPrefix mounts the routes under prefix, e.g. "/v1".
func WithPathPrefix(prefix string) Option {
	return func(h *Handler) { h.prefix = prefix }
}

func WithIDGenerator(f func() string) Option {
	return func(h *Handler) { h.newID = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

var _ http.Handler = (*Handler)(nil)

// New returns an SSE transport handler.
func New(gate *auth.Gate, d *relay.Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		gate:       gate,
		dispatcher: d,
		registry:   d.Registry(),
		observer:   relay.NopObserver{},
		clock:      clockwork.NewRealClock(),
		keepAlive:  DefaultKeepAlive,
		queueLimit: DefaultQueueLimit,
		retryAfter: DefaultRetryAfter,
		newID:      uuid.NewString,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+h.prefix+"/sse", h.handleConnect)
	mux.HandleFunc("GET "+h.prefix+"/sse/{serverID}", h.handleConnect)
	mux.HandleFunc("POST "+h.prefix+"/messages", h.handleMessage)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) rejectCapacity(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds())))
	apierror.Write(w, http.StatusServiceUnavailable, apierror.CodeCapacityExceeded, "session capacity exceeded, retry later")
}

// rollback releases partially acquired resources in reverse order.
type rollback []func()

func (rb *rollback) push(f func()) { *rb = append(*rb, f) }

func (rb *rollback) run() {
	for i := len(*rb) - 1; i >= 0; i-- {
		(*rb)[i]()
	}
	*rb = nil
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	serverID := r.PathValue("serverID")

	if !h.registry.CanCreateNewSession() {
		h.log.WarnContext(ctx, "sse.connect.capacity")
		h.rejectCapacity(w)
		return
	}

	ac, err := h.gate.Authenticate(ctx, r, serverID)
	if err != nil {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		h.gate.Reject(w, r, err)
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sw, ok := relay.NewStreamWriter(streamCtx, w)
	if !ok {
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	var rb rollback
	q := acquireQueue(h.queueLimit)
	rb.push(func() { releaseQueue(q) })

	h.observer.ConnectionOpened(string(sessions.TransportSSE))
	rb.push(func() { h.observer.ConnectionClosed(string(sessions.TransportSSE)) })

	if err := h.warm(ctx, ac); err != nil {
		rb.run()
		h.log.WarnContext(ctx, "sse.connect.warm_fail", slog.String("err", err.Error()))
		apierror.WriteHTTP(w, apierror.Wrap(apierror.CodeUpstreamFailure, "upstream server unavailable", err))
		return
	}

	st := &stream{id: h.newID(), queue: q, writer: sw, cancel: cancel}
	h.streams.Store(st.id, st)
	rb.push(func() {
		h.streams.Delete(st.id)
		st.detach()
	})

	// Teardown of the connection itself happens when this handler returns;
	// the cleanup only has to stop it.
	cleanup := func(context.Context, string) error {
		cancel()
		return nil
	}
	if _, err := h.registry.Create(st.id, sessions.TransportSSE, ac, r.UserAgent(), cleanup); err != nil {
		rb.run()
		if errors.Is(err, sessions.ErrCapacityExceeded) {
			h.rejectCapacity(w)
			return
		}
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		apierror.WriteHTTP(w, err)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: st.id, Transport: string(sessions.TransportSSE)})
	var workers sync.WaitGroup
	defer func() {
		cancel()
		workers.Wait()
		h.streams.Delete(st.id)
		st.detach()
		releaseQueue(q)
		h.observer.ConnectionClosed(string(sessions.TransportSSE))
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	}()

	relay.StartStream(w, sw)
	endpoint := h.prefix + "/messages?" + sessionIDParam + "=" + url.QueryEscape(st.id)
	if err := sw.Event("endpoint", "", []byte(endpoint)); err != nil {
		h.closeSession(ctx, st.id, sessions.ReasonWriteFailed)
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("org_id", ac.OrganizationID), slog.Bool("unified", ac.IsUnifiedEndpoint))

	workers.Add(1)
	go func() {
		defer workers.Done()
		h.work(streamCtx, st, q)
	}()

	ticker := h.clock.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-streamCtx.Done():
			if r.Context().Err() != nil {
				h.closeSession(ctx, st.id, sessions.ReasonDisconnected)
			}
			return
		case <-ticker.Chan():
			if !h.registry.Touch(st.id) {
				h.closeSession(ctx, st.id, sessions.ReasonExpired)
				return
			}
			if err := sw.Comment("keep-alive"); err != nil {
				h.log.InfoContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				h.closeSession(ctx, st.id, sessions.ReasonWriteFailed)
				return
			}
		}
	}
}

func (h *Handler) warm(ctx context.Context, ac auth.Context) error {
	if h.pool == nil || ac.IsUnifiedEndpoint {
		return nil
	}
	srv, err := h.gate.Resolver().AuthorizeServer(ctx, ac.OrganizationID, ac.TargetServerID)
	if err != nil {
		return err
	}
	return h.pool.Warm(ctx, pool.Key{Scope: ac.OrganizationID, ServerID: srv.ID}, pool.TargetFor(srv))
}

func (h *Handler) closeSession(ctx context.Context, id, reason string) {
	err := h.registry.Close(context.WithoutCancel(ctx), id, reason)
	if err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.log.WarnContext(ctx, "session.close.fail", slog.String("reason", reason), slog.String("err", err.Error()))
	}
}

// work processes the session's queue in arrival order.
func (h *Handler) work(ctx context.Context, st *stream, q *queue) {
	var batch []*jsonrpc.AnyMessage
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
		batch = q.drain(batch)
		for _, msg := range batch {
			if ctx.Err() != nil {
				return
			}
			h.deliver(ctx, st, msg)
		}
	}
}

func (h *Handler) deliver(ctx context.Context, st *stream, msg *jsonrpc.AnyMessage) {
	s, ok := h.registry.Get(st.id)
	if !ok {
		st.cancel()
		return
	}
	resp := h.dispatcher.Dispatch(ctx, s, msg)
	if resp == nil {
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := st.writer.Event("message", "", b); err != nil {
		h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		h.closeSession(ctx, st.id, sessions.ReasonWriteFailed)
	}
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		apierror.Write(w, http.StatusUnsupportedMediaType, apierror.CodeInvalidRequest, "content-type must be application/json")
		return
	}

	ac, err := h.gate.Authenticate(ctx, r, "")
	if err != nil {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		h.gate.Reject(w, r, err)
		return
	}

	id := r.URL.Query().Get(sessionIDParam)
	s, err := h.dispatcher.Lookup(id, ac)
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", id))
		relay.WriteLookupError(w, err)
		return
	}
	v, ok := h.streams.Load(s.ID)
	if !ok {
		relay.WriteLookupError(w, sessions.ErrSessionNotFound)
		return
	}
	st := v.(*stream)

	msg, err := relay.Decode(r.Body)
	if err != nil {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeInvalidRequest, err.Error())
		return
	}
	if err := st.enqueue(msg); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			relay.WriteLookupError(w, err)
			return
		}
		h.log.WarnContext(ctx, "sse.queue.full", slog.String("session_id", s.ID))
		h.rejectCapacity(w)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprint(w, "Accepted")
}
