package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/mcp-gateway-go/cache"
	"github.com/ggoodman/mcp-gateway-go/store"
)

// DefaultCacheTTL is how long resolved records stay cached.
const DefaultCacheTTL = 5 * time.Minute

// Identity is the principal behind an API key.
type Identity struct {
	CredentialID   string
	OrganizationID string
	UserID         string
}

// Resolver looks up credentials and tenant records through a read-through
// cache in front of the store.
type Resolver struct {
	dir     store.Directory
	creds   *cache.Typed[store.Credential]
	members *cache.Typed[store.Membership]
	orgs    *cache.Typed[store.Organization]
	servers *cache.Typed[store.Server]

	ttl      time.Duration
	negative atomic.Bool
	group    singleflight.Group
	clock    clockwork.Clock
	log      *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithNegativeCaching sets the initial state of the negative-cache switch.
func WithNegativeCaching(enabled bool) ResolverOption {
	return func(r *Resolver) { r.negative.Store(enabled) }
}

// WithResolverClock sets the clock used for credential expiry checks.
func WithResolverClock(c clockwork.Clock) ResolverOption {
	return func(r *Resolver) { r.clock = c }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = l }
}

// NewResolver builds a Resolver over dir, caching in c.
func NewResolver(dir store.Directory, c cache.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		dir:     dir,
		creds:   cache.NewTyped[store.Credential](c, "cred:"),
		members: cache.NewTyped[store.Membership](c, "member:"),
		orgs:    cache.NewTyped[store.Organization](c, "org:"),
		servers: cache.NewTyped[store.Server](c, "server:"),
		ttl:     DefaultCacheTTL,
		clock:   clockwork.NewRealClock(),
		log:     slog.Default(),
	}
	r.negative.Store(true)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetNegativeCaching flips the runtime kill switch. While disabled, cached
// absences are deleted on sight and never written.
func (r *Resolver) SetNegativeCaching(enabled bool) {
	r.negative.Store(enabled)
	r.log.Info("resolver.negative_cache.set", slog.Bool("enabled", enabled))
}

// NegativeCaching reports the current switch state.
func (r *Resolver) NegativeCaching() bool { return r.negative.Load() }

func readThrough[T any](ctx context.Context, r *Resolver, c *cache.Typed[T], key string, fetch func(context.Context) (*T, error)) (*T, error) {
	entry, err := c.Lookup(ctx, key)
	if err != nil {
		r.log.WarnContext(ctx, "cache.get.fail", slog.String("key", c.Key(key)), slog.String("err", err.Error()))
	}

	switch entry.Status {
	case cache.Found:
		v := entry.Value
		return &v, nil
	case cache.NotFound:
		if r.negative.Load() {
			return nil, store.ErrNotFound
		}
		if err := c.Delete(ctx, key); err != nil {
			r.log.WarnContext(ctx, "cache.delete.fail", slog.String("key", c.Key(key)), slog.String("err", err.Error()))
		}
	}

	v, err, _ := r.group.Do(c.Key(key), func() (any, error) {
		v, err := fetch(ctx)
		if errors.Is(err, store.ErrNotFound) {
			if r.negative.Load() {
				if err := c.PutNotFound(ctx, key, r.ttl); err != nil {
					r.log.WarnContext(ctx, "cache.set.fail", slog.String("key", c.Key(key)), slog.String("err", err.Error()))
				}
			}
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		if err := c.Put(ctx, key, *v, r.ttl); err != nil {
			r.log.WarnContext(ctx, "cache.set.fail", slog.String("key", c.Key(key)), slog.String("err", err.Error()))
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*T)
	return &cp, nil
}

// ResolveAPIKey maps a raw API key to its owner.
func (r *Resolver) ResolveAPIKey(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		return nil, reject(CodeInvalidCredential, "empty key")
	}
	hash := store.HashAPIKey(raw)
	cred, err := readThrough(ctx, r, r.creds, hash, func(ctx context.Context) (*store.Credential, error) {
		return r.dir.CredentialByHash(ctx, hash)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(CodeInvalidCredential, "unknown key")
	}
	if err != nil {
		return nil, fmt.Errorf("resolve api key: %w", err)
	}
	if !cred.Active {
		return nil, reject(CodeInvalidCredential, "inactive key")
	}
	if cred.Expired(r.clock.Now()) {
		return nil, reject(CodeInvalidCredential, "expired key")
	}
	return &Identity{CredentialID: cred.ID, OrganizationID: cred.OrganizationID, UserID: cred.UserID}, nil
}

// ResolveMembership confirms userID belongs to orgID.
func (r *Resolver) ResolveMembership(ctx context.Context, orgID, userID string) (*store.Membership, error) {
	key := orgID + ":" + userID
	m, err := readThrough(ctx, r, r.members, key, func(ctx context.Context) (*store.Membership, error) {
		return r.dir.Membership(ctx, orgID, userID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(CodeNotAMember, fmt.Sprintf("user %s not in organization %s", userID, orgID))
	}
	if err != nil {
		return nil, fmt.Errorf("resolve membership: %w", err)
	}
	return m, nil
}

// ResolveOrganization loads tenant-wide settings.
func (r *Resolver) ResolveOrganization(ctx context.Context, orgID string) (*store.Organization, error) {
	o, err := readThrough(ctx, r, r.orgs, orgID, func(ctx context.Context) (*store.Organization, error) {
		return r.dir.Organization(ctx, orgID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(CodeInvalidCredential, fmt.Sprintf("organization %s does not exist", orgID))
	}
	if err != nil {
		return nil, fmt.Errorf("resolve organization: %w", err)
	}
	return o, nil
}

// ResolveServer loads an active upstream server.
func (r *Resolver) ResolveServer(ctx context.Context, serverID string) (*store.Server, error) {
	srv, err := readThrough(ctx, r, r.servers, serverID, func(ctx context.Context) (*store.Server, error) {
		return r.dir.Server(ctx, serverID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(CodeNotFound, fmt.Sprintf("server %s does not exist", serverID))
	}
	if err != nil {
		return nil, fmt.Errorf("resolve server: %w", err)
	}
	if !srv.Active {
		return nil, reject(CodeNotFound, fmt.Sprintf("server %s is inactive", serverID))
	}
	return srv, nil
}

// AuthorizeServer resolves serverID and requires it to belong to orgID.
func (r *Resolver) AuthorizeServer(ctx context.Context, orgID, serverID string) (*store.Server, error) {
	srv, err := r.ResolveServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if srv.OrganizationID != orgID {
		return nil, reject(CodeScopeMismatch, fmt.Sprintf("server %s belongs to %s, not %s", serverID, srv.OrganizationID, orgID))
	}
	return srv, nil
}

// ListServers returns the organization's active servers straight from the
// store.
func (r *Resolver) ListServers(ctx context.Context, orgID string) ([]*store.Server, error) {
	return r.dir.ServersByOrganization(ctx, orgID)
}

var _ store.Invalidator = (*Resolver)(nil)

// InvalidateAPIKey drops any cached entry for raw.
func (r *Resolver) InvalidateAPIKey(ctx context.Context, raw string) error {
	return r.InvalidateCredential(ctx, store.HashAPIKey(raw))
}

// InvalidateCredential drops any cached entry for a hashed key.
func (r *Resolver) InvalidateCredential(ctx context.Context, keyHash string) error {
	return r.creds.Delete(ctx, keyHash)
}

// InvalidateMembership drops any cached entry for (orgID, userID).
func (r *Resolver) InvalidateMembership(ctx context.Context, orgID, userID string) error {
	return r.members.Delete(ctx, orgID+":"+userID)
}

// InvalidateOrganization drops any cached entry for orgID.
func (r *Resolver) InvalidateOrganization(ctx context.Context, orgID string) error {
	return r.orgs.Delete(ctx, orgID)
}

// InvalidateServer drops any cached entry for serverID.
func (r *Resolver) InvalidateServer(ctx context.Context, serverID string) error {
	return r.servers.Delete(ctx, serverID)
}
