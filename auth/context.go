package auth

import (
	"context"
	"slices"

	"github.com/ggoodman/mcp-gateway-go/store"
)

// Method is the credential kind a request authenticated with.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodOAuth  Method = "oauth"
)

// Context is the resolved tenant context of a request. It is a value type;
// FromContext hands out copies so holders cannot mutate what others see.
type Context struct {
	Method                Method
	OrganizationID        string
	UserID                string
	Role                  store.Role
	TargetServerID        string
	PIIMaskingMode        store.PIIMode
	PIIInfoTypes          []string
	TOONConversionEnabled bool
	IsUnifiedEndpoint     bool
}

// CanCallTools reports whether the member's role permits tool execution.
func (c Context) CanCallTools() bool { return c.Role != store.RoleViewer }

type contextKey struct{}

// WithContext attaches ac to ctx.
func WithContext(ctx context.Context, ac Context) context.Context {
	ac.PIIInfoTypes = slices.Clone(ac.PIIInfoTypes)
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext returns a copy of the Context attached to ctx.
func FromContext(ctx context.Context) (Context, bool) {
	ac, ok := ctx.Value(contextKey{}).(Context)
	if !ok {
		return Context{}, false
	}
	ac.PIIInfoTypes = slices.Clone(ac.PIIInfoTypes)
	return ac, true
}
