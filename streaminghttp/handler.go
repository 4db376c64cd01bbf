package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/gateway"
	"github.com/ggoodman/mcp-gateway-go/internal/apierror"
	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/internal/relay"
	"github.com/ggoodman/mcp-gateway-go/sessions"
)

var _ http.Handler = (*Handler)(nil)

// ErrStreamAlreadyOpen rejects a second GET stream for one session.
var ErrStreamAlreadyOpen = errors.New("a stream is already open for this session")

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	responseMediaTypes   = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	streamMediaTypes     = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	DefaultKeepAlive  = 30 * time.Second
	DefaultRetryAfter = 5 * time.Second
)

// conn is the transport-local state of one registered session.
type conn struct {
	// mu serializes message handling for the session.
	mu              sync.Mutex
	protocolVersion string

	streamMu sync.Mutex
	stream   context.CancelFunc
}

// attach records the cancel func of the session's GET stream.
func (c *conn) attach(cancel context.CancelFunc) error {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.stream != nil {
		return ErrStreamAlreadyOpen
	}
	c.stream = cancel
	return nil
}

func (c *conn) detach() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	c.stream = nil
}

func (c *conn) stopStream() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.stream != nil {
		c.stream()
		c.stream = nil
	}
}

// Handler implements the Streamable HTTP transport.
type Handler struct {
	mux        *http.ServeMux
	gate       *auth.Gate
	dispatcher *relay.Dispatcher
	registry   *sessions.Registry
	observer   relay.ConnectionObserver
	clock      clockwork.Clock
	keepAlive  time.Duration
	retryAfter time.Duration
	prefix     string
	newID      func() string
	log        *slog.Logger

	conns sync.Map // session id -> *conn
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

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// New returns a Streamable HTTP transport handler.
func New(gate *auth.Gate, d *relay.Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		gate:       gate,
		dispatcher: d,
		registry:   d.Registry(),
		observer:   relay.NopObserver{},
		clock:      clockwork.NewRealClock(),
		keepAlive:  DefaultKeepAlive,
		retryAfter: DefaultRetryAfter,
		newID:      uuid.NewString,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)

	mux := http.NewServeMux()
	for _, path := range []string{h.prefix + "/mcp", h.prefix + "/mcp/{serverID}"} {
		mux.HandleFunc("POST "+path, h.handlePost)
		mux.HandleFunc("GET "+path, h.handleGet)
		mux.HandleFunc("DELETE "+path, h.handleDelete)
	}
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

// authenticate runs the gate and writes the rejection on failure.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Context, bool) {
	ac, err := h.gate.Authenticate(r.Context(), r, r.PathValue("serverID"))
	if err != nil {
		h.gate.Reject(w, r, err)
		return auth.Context{}, false
	}
	return ac, true
}

// load resolves the Mcp-Session-Id header to a session owned by caller on the
// same endpoint.
func (h *Handler) load(w http.ResponseWriter, r *http.Request, caller auth.Context) (*sessions.Session, *conn, bool) {
	ctx := r.Context()
	id := r.Header.Get(mcpSessionIDHeader)
	s, err := h.dispatcher.Lookup(id, caller)
	if err == nil && s.Owner.TargetServerID != caller.TargetServerID {
		err = sessions.ErrSessionNotFound
	}
	var c *conn
	if err == nil {
		v, ok := h.conns.Load(s.ID)
		if !ok {
			err = sessions.ErrSessionNotFound
		} else {
			c = v.(*conn)
		}
	}
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", id))
		relay.WriteLookupError(w, err)
		return nil, nil, false
	}
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && c.protocolVersion != "" && pv != c.protocolVersion {
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		apierror.Write(w, http.StatusBadRequest, apierror.CodeInvalidRequest, "protocol version mismatch")
		return nil, nil, false
	}
	return s, c, true
}

// handlePost accepts one JSON-RPC message, creating the session when the
// message is an initialize request without a session header.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		apierror.Write(w, http.StatusUnsupportedMediaType, apierror.CodeInvalidRequest, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	ac, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	msg, err := relay.Decode(r.Body)
	if err != nil {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeInvalidRequest, err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	isInitialize := msg.Type() == "request" && msg.Method == gateway.MethodInitialize

	if r.Header.Get(mcpSessionIDHeader) == "" {
		if !isInitialize {
			relay.WriteLookupError(w, relay.ErrMissingSession)
			h.log.InfoContext(ctx, "session.initialize.expected")
			return
		}
		h.initialize(w, r, ac, msg, start)
		return
	}

	s, c, ok := h.load(w, r, ac)
	if !ok {
		return
	}
	if isInitialize {
		apierror.Write(w, http.StatusConflict, apierror.CodeInvalidRequest, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	var wantStream bool
	if msg.Type() == "request" && r.Header.Get("Accept") != "" {
		accepted, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes)
		if err != nil {
			apierror.Write(w, http.StatusNotAcceptable, apierror.CodeInvalidRequest, "accept must allow application/json or text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}
		wantStream = accepted.Matches(eventStreamMediaType)
	}

	c.mu.Lock()
	resp := h.dispatcher.Dispatch(ctx, s, msg)
	c.mu.Unlock()

	if c.protocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, c.protocolVersion)
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeServerError, "failed to encode response")
		return
	}
	if wantStream {
		sw, ok := relay.NewStreamWriter(ctx, w)
		if ok {
			relay.StartStream(w, sw)
			if err := sw.Event("message", "", b); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			}
			return
		}
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request, ac auth.Context, msg *jsonrpc.AnyMessage, start time.Time) {
	ctx := r.Context()
	if !h.registry.CanCreateNewSession() {
		h.log.WarnContext(ctx, "session.initialize.capacity")
		h.rejectCapacity(w)
		return
	}

	id := h.newID()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: string(sessions.TransportStreamableHTTP)})
	resp := h.dispatcher.Handshake(ctx, sessions.TransportStreamableHTTP, id, ac, msg)
	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeServerError, "failed to encode initialize response")
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	if resp.Error != nil {
		h.log.InfoContext(ctx, "session.initialize.reject", slog.Int("code", int(resp.Error.Code)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
		return
	}

	c := &conn{protocolVersion: negotiatedVersion(resp.Result)}
	if err := h.onSessionInitialized(id, ac, r.UserAgent(), c); err != nil {
		w.Header().Del("Content-Type")
		if errors.Is(err, sessions.ErrCapacityExceeded) {
			h.rejectCapacity(w)
			return
		}
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		apierror.WriteHTTP(w, err)
		return
	}

	w.Header().Set(mcpSessionIDHeader, id)
	if c.protocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, c.protocolVersion)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.String("org_id", ac.OrganizationID), slog.Duration("dur", time.Since(start)))
}

// onSessionInitialized registers a session whose initialize succeeded. The
// registry cleanup stops any open stream and forgets the transport state.
func (h *Handler) onSessionInitialized(id string, ac auth.Context, clientTag string, c *conn) error {
	h.conns.Store(id, c)
	h.observer.ConnectionOpened(string(sessions.TransportStreamableHTTP))
	cleanup := func(context.Context, string) error {
		c.stopStream()
		h.conns.Delete(id)
		h.observer.ConnectionClosed(string(sessions.TransportStreamableHTTP))
		return nil
	}
	if _, err := h.registry.Create(id, sessions.TransportStreamableHTTP, ac, clientTag, cleanup); err != nil {
		h.conns.Delete(id)
		h.observer.ConnectionClosed(string(sessions.TransportStreamableHTTP))
		return err
	}
	return nil
}

func negotiatedVersion(result json.RawMessage) string {
	var v struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(result, &v)
	return v.ProtocolVersion
}

// handleGet opens an event stream for an established session. The gateway
// sends no server-initiated messages, so the stream carries keep-alives until
// the client disconnects or the session ends.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, streamMediaTypes); err != nil {
		apierror.Write(w, http.StatusNotAcceptable, apierror.CodeInvalidRequest, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	ac, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	s, c, ok := h.load(w, r, ac)
	if !ok {
		return
	}
	ctx = relay.WithSession(ctx, s)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sw, ok := relay.NewStreamWriter(streamCtx, w)
	if !ok {
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	if err := c.attach(cancel); err != nil {
		apierror.Write(w, http.StatusConflict, apierror.CodeInvalidRequest, err.Error())
		return
	}
	defer c.detach()

	if c.protocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, c.protocolVersion)
	}
	relay.StartStream(w, sw)
	h.log.InfoContext(ctx, "sse.stream.start")

	ticker := h.clock.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-streamCtx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case <-ticker.Chan():
			if !h.registry.Touch(s.ID) {
				h.closeSession(ctx, s.ID, sessions.ReasonExpired)
				return
			}
			if err := sw.Comment("keep-alive"); err != nil {
				h.log.InfoContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// handleDelete terminates a session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	s, _, ok := h.load(w, r, ac)
	if !ok {
		return
	}
	if err := h.registry.Close(context.WithoutCancel(ctx), s.ID, sessions.ReasonClientClosed); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			relay.WriteLookupError(w, err)
			return
		}
		h.log.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok", slog.String("session_id", s.ID))
}

func (h *Handler) closeSession(ctx context.Context, id, reason string) {
	err := h.registry.Close(context.WithoutCancel(ctx), id, reason)
	if err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.log.WarnContext(ctx, "session.close.fail", slog.String("reason", reason), slog.String("err", err.Error()))
	}
}
