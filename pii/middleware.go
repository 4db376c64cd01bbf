package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ggoodman/mcp-gateway-go/audit"
	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/gateway"
)

const (
	sideRequest  = "request"
	sideResponse = "response"
)

type middleware struct {
	detector Detector
	methods  map[string]bool
	log      *slog.Logger
}

// Option configures the masking middleware.
type Option func(*middleware)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *middleware) { m.log = l }
}

// WithMethods replaces the set of JSON-RPC methods that are masked.
// The default is tools/call only.
func WithMethods(methods ...string) Option {
	return func(m *middleware) {
		m.methods = make(map[string]bool, len(methods))
		for _, name := range methods {
			m.methods[name] = true
		}
	}
}

// Middleware masks request params and response results according to the
// tenant's masking mode. It fails open: a missing auth context, a disabled
// mode, an unavailable detector or a detector error all let the original
// bytes through.
func Middleware(d Detector, opts ...Option) gateway.Middleware {
	m := &middleware{
		detector: d,
		methods:  map[string]bool{gateway.MethodToolsCall: true},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m.wrap
}

func (m *middleware) wrap(next gateway.Handler) gateway.Handler {
	return gateway.HandlerFunc(func(ctx context.Context, req *gateway.Request) (json.RawMessage, error) {
		if !m.methods[req.Method] {
			return next.Handle(ctx, req)
		}
		ac, ok := auth.FromContext(ctx)
		if !ok || !(ac.PIIMaskingMode.MasksRequest() || ac.PIIMaskingMode.MasksResponse()) {
			return next.Handle(ctx, req)
		}
		if m.detector.Availability(ctx) != Available {
			m.log.DebugContext(ctx, "pii.skip.unavailable")
			return next.Handle(ctx, req)
		}
		rec, _ := audit.FromContext(ctx)

		if ac.PIIMaskingMode.MasksRequest() && !emptyParams(req.Params) {
			if res := m.mask(ctx, ac, sideRequest, req.Params); res != nil {
				if rec != nil {
					rec.SetRequest(res.Masked, res.InfoTypes())
				}
				if res.Count > 0 {
					cp := *req
					cp.Params = res.Masked
					req = &cp
				}
			}
		}

		out, err := next.Handle(ctx, req)
		if err != nil || !ac.PIIMaskingMode.MasksResponse() || len(out) == 0 {
			return out, err
		}

		res := m.mask(ctx, ac, sideResponse, out)
		if res == nil {
			return out, nil
		}
		if rec != nil {
			rec.SetResponse(res.Masked, res.InfoTypes())
		}
		if res.Count == 0 {
			return out, nil
		}
		return res.Masked, nil
	})
}

// mask returns nil when the detector failed.
func (m *middleware) mask(ctx context.Context, ac auth.Context, side string, payload json.RawMessage) *Result {
	res, err := m.detector.DetectAndMask(ctx, payload, ac.PIIInfoTypes)
	if err != nil {
		m.log.WarnContext(ctx, "pii."+side+".fail",
			slog.String("org_id", ac.OrganizationID),
			slog.String("side", side),
			slog.String("err", err.Error()),
		)
		return nil
	}
	if res.Count > 0 {
		m.log.InfoContext(ctx, "pii."+side+".masked",
			slog.String("org_id", ac.OrganizationID),
			slog.Int("count", res.Count),
			slog.Any("info_types", res.InfoTypes()),
		)
	}
	return res
}

func emptyParams(p json.RawMessage) bool {
	t := bytes.TrimSpace(p)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte("{}"))
}
