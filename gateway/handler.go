// Package gateway defines the transport-independent message handler chain
// and the Router that answers MCP requests by proxying to upstream servers.
//
// Transports decode a JSON-RPC message, attach the session's auth.Context
// to the request context and call the composed Handler:
//
//	h := gateway.Chain(router, tracker.Middleware(), piiMiddleware)
//	result, err := h.Handle(ctx, req)
//
// Middleware listed first wraps outermost.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
)

// Request is one inbound JSON-RPC request or notification.
type Request struct {
	Method    string
	ID        *jsonrpc.RequestID
	Params    json.RawMessage
	SessionID string
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return r.ID.IsNil() }

// FromJSONRPC adapts a decoded JSON-RPC request.
func FromJSONRPC(sessionID string, req *jsonrpc.Request) *Request {
	return &Request{Method: req.Method, ID: req.ID, Params: req.Params, SessionID: sessionID}
}

// Handler answers a Request with an encoded result. Errors are converted to
// JSON-RPC errors by the transport: *jsonrpc.Error values are sent as is,
// everything else goes through apierror.
type Handler interface {
	Handle(ctx context.Context, req *Request) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Middleware decorates a Handler.
type Middleware func(next Handler) Handler

// Chain wraps h so that mws[0] runs first.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
