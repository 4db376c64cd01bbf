package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/mcp-gateway-go/audit"
	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/internal/apierror"
	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/pool"
	"github.com/ggoodman/mcp-gateway-go/store"
	"github.com/ggoodman/mcp-gateway-go/toon"
)

// Methods answered by the Router.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"

	notificationPrefix = "notifications/"
)

// ToolSeparator joins a server slug and a tool name on the unified endpoint.
const ToolSeparator = "__"

// LatestProtocolVersion is offered when the client asks for an unknown one.
const LatestProtocolVersion = "2025-06-18"

var supportedProtocolVersions = []string{"2024-11-05", "2025-03-26", LatestProtocolVersion}

const maxToolPages = 20

// Servers is the server lookup the Router needs.
type Servers interface {
	AuthorizeServer(ctx context.Context, orgID, serverID string) (*store.Server, error)
	ListServers(ctx context.Context, orgID string) ([]*store.Server, error)
}

// Router answers MCP requests for one authenticated session by forwarding
// tool traffic to the organization's upstream servers through the pool.
type Router struct {
	servers      Servers
	pool         *pool.Pool
	info         mcp.Implementation
	instructions string
	fanout       int
	log          *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithServerInfo sets the implementation reported by initialize.
func WithServerInfo(name, version string) RouterOption {
	return func(r *Router) { r.info = mcp.Implementation{Name: name, Version: version} }
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(s string) RouterOption {
	return func(r *Router) { r.instructions = s }
}

// WithFanout bounds concurrent upstream calls for unified tools/list.
func WithFanout(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.fanout = n
		}
	}
}

// WithRouterLogger sets the logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.log = l }
}

// NewRouter returns a Router.
func NewRouter(servers Servers, p *pool.Pool, opts ...RouterOption) *Router {
	r := &Router{
		servers: servers,
		pool:    p,
		info:    mcp.Implementation{Name: "mcp-gateway", Version: "dev"},
		fanout:  8,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Handler = (*Router)(nil)

// Handle implements Handler.
func (r *Router) Handle(ctx context.Context, req *Request) (json.RawMessage, error) {
	ac, ok := auth.FromContext(ctx)
	if !ok {
		return nil, apierror.New(apierror.CodeUnauthorized, "authentication required")
	}

	switch {
	case req.Method == MethodInitialize:
		return r.initialize(req)
	case req.Method == MethodPing:
		return json.RawMessage(`{}`), nil
	case req.Method == MethodToolsList:
		return r.listTools(ctx, ac, req)
	case req.Method == MethodToolsCall:
		return r.callTool(ctx, ac, req)
	case strings.HasPrefix(req.Method, notificationPrefix):
		return nil, nil
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: fmt.Sprintf("method %q not supported", req.Method)}
}

func (r *Router) initialize(req *Request) (json.RawMessage, error) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, apierror.Wrap(apierror.CodeInvalidRequest, "invalid initialize params", err)
		}
	}
	version := LatestProtocolVersion
	if slices.Contains(supportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}
	info := r.info
	return json.Marshal(&mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      &info,
		Instructions:    r.instructions,
		Capabilities:    &mcp.ServerCapabilities{Tools: &mcp.ToolCapabilities{}},
	})
}

func (r *Router) listTools(ctx context.Context, ac auth.Context, req *Request) (json.RawMessage, error) {
	var params mcp.ListToolsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, apierror.Wrap(apierror.CodeInvalidRequest, "invalid tools/list params", err)
		}
	}

	if !ac.IsUnifiedEndpoint {
		srv, err := r.servers.AuthorizeServer(ctx, ac.OrganizationID, ac.TargetServerID)
		if err != nil {
			return nil, err
		}
		res, err := pool.Do(ctx, r.pool, poolKey(ac, srv), pool.TargetFor(srv), func(ctx context.Context, c pool.Client) (*mcp.ListToolsResult, error) {
			return c.ListTools(ctx, &mcp.ListToolsParams{Cursor: params.Cursor})
		})
		if err != nil {
			return nil, upstreamError(err)
		}
		return json.Marshal(res)
	}

	servers, err := r.servers.ListServers(ctx, ac.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}

	perServer := make([][]*mcp.Tool, len(servers))
	var g errgroup.Group
	g.SetLimit(r.fanout)
	for i, srv := range servers {
		g.Go(func() error {
			tools, err := r.allTools(ctx, ac, srv)
			if err != nil {
				r.log.WarnContext(ctx, "router.tools_list.server_fail",
					slog.String("server_id", srv.ID),
					slog.String("server", srv.Name),
					slog.String("err", err.Error()),
				)
				return nil
			}
			prefixed := make([]*mcp.Tool, 0, len(tools))
			for _, t := range tools {
				cp := *t
				cp.Name = srv.Slug + ToolSeparator + t.Name
				prefixed = append(prefixed, &cp)
			}
			perServer[i] = prefixed
			return nil
		})
	}
	_ = g.Wait()

	out := &mcp.ListToolsResult{Tools: []*mcp.Tool{}}
	for _, tools := range perServer {
		out.Tools = append(out.Tools, tools...)
	}
	return json.Marshal(out)
}

// allTools drains a server's tool pages.
func (r *Router) allTools(ctx context.Context, ac auth.Context, srv *store.Server) ([]*mcp.Tool, error) {
	return pool.Do(ctx, r.pool, poolKey(ac, srv), pool.TargetFor(srv), func(ctx context.Context, c pool.Client) ([]*mcp.Tool, error) {
		var all []*mcp.Tool
		cursor := ""
		for range maxToolPages {
			res, err := c.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
			if err != nil {
				return nil, err
			}
			all = append(all, res.Tools...)
			if res.NextCursor == "" {
				break
			}
			cursor = res.NextCursor
		}
		return all, nil
	})
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (r *Router) callTool(ctx context.Context, ac auth.Context, req *Request) (json.RawMessage, error) {
	if !ac.CanCallTools() {
		return nil, apierror.New(apierror.CodeForbidden, "role does not permit tool execution")
	}
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return nil, apierror.Wrap(apierror.CodeInvalidRequest, "tools/call requires a tool name", err)
	}

	srv, tool, err := r.resolveTool(ctx, ac, params.Name)
	if err != nil {
		return nil, err
	}
	if rec, ok := audit.FromContext(ctx); ok {
		rec.SetTarget(srv.ID, tool)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: tool, ServerName: srv.Name})

	start := time.Now()
	res, err := pool.Do(ctx, r.pool, poolKey(ac, srv), pool.TargetFor(srv), func(ctx context.Context, c pool.Client) (*mcp.CallToolResult, error) {
		p := &mcp.CallToolParams{Name: tool}
		if len(params.Arguments) > 0 {
			p.Arguments = params.Arguments
		}
		return c.CallTool(ctx, p)
	})
	if err != nil {
		r.log.WarnContext(ctx, "router.tools_call.fail", slog.Duration("elapsed", time.Since(start)), slog.String("err", err.Error()))
		return nil, upstreamError(err)
	}
	r.log.InfoContext(ctx, "router.tools_call.ok", slog.Duration("elapsed", time.Since(start)), slog.Bool("is_error", res.IsError))

	if ac.TOONConversionEnabled {
		convertContent(res)
	}
	return json.Marshal(res)
}

// resolveTool maps a requested tool name to its server and upstream name.
func (r *Router) resolveTool(ctx context.Context, ac auth.Context, name string) (*store.Server, string, error) {
	if !ac.IsUnifiedEndpoint {
		srv, err := r.servers.AuthorizeServer(ctx, ac.OrganizationID, ac.TargetServerID)
		return srv, name, err
	}

	slug, tool, ok := strings.Cut(name, ToolSeparator)
	if !ok || slug == "" || tool == "" {
		return nil, "", apierror.New(apierror.CodeNotFound, fmt.Sprintf("tool %q not found", name))
	}
	servers, err := r.servers.ListServers(ctx, ac.OrganizationID)
	if err != nil {
		return nil, "", fmt.Errorf("list servers: %w", err)
	}
	for _, s := range servers {
		if s.Slug == slug {
			// Re-check ownership through the cached path.
			srv, err := r.servers.AuthorizeServer(ctx, ac.OrganizationID, s.ID)
			return srv, tool, err
		}
	}
	return nil, "", apierror.New(apierror.CodeNotFound, fmt.Sprintf("tool %q not found", name))
}

func convertContent(res *mcp.CallToolResult) {
	for i, c := range res.Content {
		tc, ok := c.(*mcp.TextContent)
		if !ok {
			continue
		}
		if out, ok := toon.Convert([]byte(tc.Text)); ok {
			cp := *tc
			cp.Text = out
			res.Content[i] = &cp
		}
	}
}

func poolKey(ac auth.Context, srv *store.Server) pool.Key {
	return pool.Key{Scope: ac.OrganizationID, ServerID: srv.ID}
}

// upstreamError classifies a pool failure without leaking internals.
func upstreamError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.Wrap(apierror.CodeUpstreamFailure, "upstream request timed out", err)
	}
	var oe *pool.OperationError
	if errors.As(err, &oe) {
		return apierror.Wrap(apierror.CodeUpstreamFailure,
			fmt.Sprintf("upstream server %q failed (%d operation(s))", oe.Server, oe.Operations), err)
	}
	var be *pool.BatchError
	if errors.As(err, &be) {
		return apierror.Wrap(apierror.CodeUpstreamFailure,
			fmt.Sprintf("upstream server %q failed (%d operation(s))", be.Server, be.Operations), err)
	}
	return apierror.Wrap(apierror.CodeUpstreamFailure, "upstream request failed", err)
}
