package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-gateway-go/internal/apierror"
	"github.com/ggoodman/mcp-gateway-go/internal/jwtauth"
)

const (
	apiKeyHeader          = "X-API-Key"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// ErrMalformedCredential indicates an Authorization header that is not a
// usable Bearer credential.
var ErrMalformedCredential = errors.New("auth: malformed authorization header")

// TokenValidator verifies IdP-issued JWTs.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*jwtauth.Claims, error)
}

// Gate authenticates HTTP requests into a Context.
type Gate struct {
	resolver            *Resolver
	tokens              TokenValidator
	realm               string
	resourceMetadataURL string
	log                 *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithTokenValidator enables OAuth bearer JWTs. Without it every bearer
// value is treated as an API key.
func WithTokenValidator(v TokenValidator) GateOption {
	return func(g *Gate) { g.tokens = v }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) GateOption {
	return func(g *Gate) { g.realm = strings.TrimSpace(realm) }
}

// WithResourceMetadataURL advertises the protected resource metadata document
// in challenges.
func WithResourceMetadataURL(u string) GateOption {
	return func(g *Gate) { g.resourceMetadataURL = u }
}

// WithGateLogger sets the logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.log = l }
}

// NewGate builds a Gate over r.
func NewGate(r *Resolver, opts ...GateOption) *Gate {
	g := &Gate{resolver: r, log: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Resolver exposes the underlying resolver.
func (g *Gate) Resolver() *Resolver { return g.resolver }

func credentialFrom(r *http.Request) (string, error) {
	if k := strings.TrimSpace(r.Header.Get(apiKeyHeader)); k != "" {
		return k, nil
	}
	h := r.Header.Get(authorizationHeader)
	if h == "" {
		return "", ErrMissingCredential
	}
	scheme, tok, ok := strings.Cut(h, " ")
	tok = strings.TrimSpace(tok)
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		return "", ErrMalformedCredential
	}
	return tok, nil
}

// Authenticate resolves the request's credential into a Context. serverID is
// the optional target server taken from the request path; when empty the
// Context is marked as addressing the unified endpoint.
func (g *Gate) Authenticate(ctx context.Context, r *http.Request, serverID string) (Context, error) {
	tok, err := credentialFrom(r)
	if err != nil {
		return Context{}, err
	}

	var ac Context
	if g.tokens != nil && jwtauth.LooksLikeJWT(tok) {
		claims, err := g.tokens.Validate(ctx, tok)
		switch {
		case errors.Is(err, jwtauth.ErrExpiredToken):
			return Context{}, reject(CodeExpiredCredential, err.Error())
		case err != nil:
			return Context{}, reject(CodeInvalidCredential, err.Error())
		case claims.OrganizationID == "":
			return Context{}, reject(CodeInvalidCredential, "token carries no organization claim")
		}
		ac = Context{Method: MethodOAuth, OrganizationID: claims.OrganizationID, UserID: claims.Subject}
	} else {
		id, err := g.resolver.ResolveAPIKey(ctx, tok)
		if err != nil {
			return Context{}, err
		}
		ac = Context{Method: MethodAPIKey, OrganizationID: id.OrganizationID, UserID: id.UserID}
	}

	m, err := g.resolver.ResolveMembership(ctx, ac.OrganizationID, ac.UserID)
	if err != nil {
		return Context{}, err
	}
	ac.Role = m.Role

	org, err := g.resolver.ResolveOrganization(ctx, ac.OrganizationID)
	if err != nil {
		return Context{}, err
	}
	ac.PIIMaskingMode = org.PIIMaskingMode
	ac.PIIInfoTypes = org.PIIInfoTypes
	ac.TOONConversionEnabled = org.TOONConversionEnabled

	if serverID == "" {
		ac.IsUnifiedEndpoint = true
		return ac, nil
	}
	if _, err := g.resolver.AuthorizeServer(ctx, ac.OrganizationID, serverID); err != nil {
		return Context{}, err
	}
	ac.TargetServerID = serverID
	return ac, nil
}

// Reject renders an Authenticate failure.
func (g *Gate) Reject(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var re *ResolutionError
	switch {
	case errors.Is(err, ErrMissingCredential):
		// RFC 6750 §3.1: no error code when the request lacks credentials.
		g.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(g.realm, g.resourceMetadataURL, nil))
		apierror.Write(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "authentication required")
	case errors.Is(err, ErrMalformedCredential):
		g.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(g.realm, g.resourceMetadataURL, [][2]string{
			{"error", "invalid_request"}, {"error_description", "malformed bearer authorization header"},
		}))
		apierror.Write(w, http.StatusBadRequest, apierror.CodeInvalidRequest, "malformed authorization header")
	case errors.As(err, &re):
		ae := re.APIError()
		g.log.InfoContext(ctx, "auth.check.fail", slog.String("code", string(re.Code)), slog.String("err", re.Error()))
		if ae.Code == apierror.CodeUnauthorized {
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(g.realm, g.resourceMetadataURL, [][2]string{
				{"error", "invalid_token"}, {"error_description", ae.Message},
			}))
		}
		apierror.WriteHTTP(w, ae)
	default:
		g.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		apierror.WriteHTTP(w, err)
	}
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="..."
//
// Realm and resource_metadata are omitted when empty. Params keep the given order.
func buildBearerChallenge(realm, resourceMetadata string, params [][2]string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	pieces := make([]string, 0, 2+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, kv := range params {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, kv[0], esc(kv[1])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
