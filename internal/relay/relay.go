// Package relay is the message path shared by the SSE and Streamable-HTTP
// transports: session lookup, handler dispatch, metrics and error framing.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/gateway"
	"github.com/ggoodman/mcp-gateway-go/internal/apierror"
	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/sessions"
)

// ErrMissingSession is returned when a message names no session.
var ErrMissingSession = errors.New("relay: missing session id")

// ErrBatchForbidden rejects JSON-RPC batch arrays.
var ErrBatchForbidden = errors.New("relay: JSON-RPC batches are not supported")

// MaxMessageBytes bounds an inbound message body.
const MaxMessageBytes = 4 << 20

// Recorder observes handled messages.
type Recorder interface {
	Record(transport string, elapsed time.Duration, errType string)
}

type nopRecorder struct{}

func (nopRecorder) Record(string, time.Duration, string) {}

// ConnectionObserver is told when a transport connection opens and closes.
type ConnectionObserver interface {
	ConnectionOpened(transport string)
	ConnectionClosed(transport string)
}

// NopObserver ignores connection events.
type NopObserver struct{}

func (NopObserver) ConnectionOpened(string) {}
func (NopObserver) ConnectionClosed(string) {}

// Dispatcher validates sessions and runs messages through the handler chain.
type Dispatcher struct {
	registry *sessions.Registry
	handler  gateway.Handler
	metrics  Recorder
	log      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.metrics = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// NewDispatcher returns a Dispatcher.
func NewDispatcher(reg *sessions.Registry, h gateway.Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: reg, handler: h, metrics: nopRecorder{}, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the session registry.
func (d *Dispatcher) Registry() *sessions.Registry { return d.registry }

// Lookup returns the live session id that belongs to caller. Sessions of
// other principals are reported as not found.
func (d *Dispatcher) Lookup(id string, caller auth.Context) (*sessions.Session, error) {
	if id == "" {
		return nil, ErrMissingSession
	}
	s, ok := d.registry.Get(id)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	if s.Owner.OrganizationID != caller.OrganizationID || s.Owner.UserID != caller.UserID {
		return nil, sessions.ErrSessionNotFound
	}
	return s, nil
}

// WriteLookupError maps a Lookup failure to 400 or 404.
func WriteLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMissingSession):
		apierror.Write(w, http.StatusBadRequest, apierror.CodeInvalidRequest, "missing session id")
	case errors.Is(err, sessions.ErrSessionNotFound):
		apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, "session not found or expired")
	default:
		apierror.WriteHTTP(w, err)
	}
}

// Decode reads one JSON-RPC message.
func Decode(body io.Reader) (*jsonrpc.AnyMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(io.LimitReader(body, MaxMessageBytes)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if len(raw) > 0 && raw[0] == '[' {
		return nil, ErrBatchForbidden
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC message: %w", err)
	}
	return &msg, nil
}

// WithSession decorates ctx with the session's tenant and log data.
func WithSession(ctx context.Context, s *sessions.Session) context.Context {
	ctx = auth.WithContext(ctx, s.Owner)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID, Transport: string(s.Transport)})
	return logctx.WithTenantData(ctx, &logctx.TenantData{
		OrganizationID: s.Owner.OrganizationID,
		UserID:         s.Owner.UserID,
		ServerID:       s.Owner.TargetServerID,
	})
}

// Dispatch handles msg on behalf of s. It returns the response to deliver,
// or nil when none is due (notifications and client responses). The session
// is touched before the handler runs and the outcome is always recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, s *sessions.Session, msg *jsonrpc.AnyMessage) *jsonrpc.Response {
	d.registry.Touch(s.ID)
	return d.run(WithSession(ctx, s), s.Transport, s.ID, msg)
}

// Handshake runs an initialize request for a session that is not registered
// yet. The caller registers the session only when the response carries no
// error.
func (d *Dispatcher) Handshake(ctx context.Context, transport sessions.Transport, sessionID string, owner auth.Context, msg *jsonrpc.AnyMessage) *jsonrpc.Response {
	ctx = auth.WithContext(ctx, owner)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, Transport: string(transport)})
	ctx = logctx.WithTenantData(ctx, &logctx.TenantData{
		OrganizationID: owner.OrganizationID,
		UserID:         owner.UserID,
		ServerID:       owner.TargetServerID,
	})
	return d.run(ctx, transport, sessionID, msg)
}

func (d *Dispatcher) run(ctx context.Context, transport sessions.Transport, sessionID string, msg *jsonrpc.AnyMessage) *jsonrpc.Response {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	req := msg.AsRequest()
	if req == nil {
		d.log.DebugContext(ctx, "rpc.client_response.ignored")
		return nil
	}

	start := time.Now()
	result, err := d.handler.Handle(ctx, gateway.FromJSONRPC(sessionID, req))
	elapsed := time.Since(start)
	d.metrics.Record(string(transport), elapsed, errorType(err))

	if req.IsNotification() {
		if err != nil {
			d.log.WarnContext(ctx, "rpc.notification.fail", slog.String("err", err.Error()))
		}
		return nil
	}
	if err != nil {
		rpcErr := toRPC(err)
		if rpcErr.Code == jsonrpc.ErrorCodeInternalError {
			d.log.ErrorContext(ctx, "rpc.inbound.fail", slog.Duration("dur", elapsed), slog.String("err", err.Error()))
		} else {
			d.log.InfoContext(ctx, "rpc.inbound.reject", slog.Duration("dur", elapsed), slog.String("err", err.Error()))
		}
		return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: req.ID}
	}
	d.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", elapsed))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func toRPC(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return apierror.RPC(err)
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return "rpc_error"
	}
	return string(apierror.From(err).Code)
}
