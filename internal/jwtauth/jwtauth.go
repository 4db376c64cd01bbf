// Package jwtauth validates bearer JWTs issued by the external identity
// provider and extracts the tenant-relevant claims.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultOrganizationClaim is the claim consulted for the tenant id.
const DefaultOrganizationClaim = "org_id"

// ErrInvalidToken indicates the token failed signature, issuer, audience or
// structural validation.
var ErrInvalidToken = errors.New("jwtauth: invalid token")

// ErrExpiredToken indicates a well-formed token whose exp is in the past.
var ErrExpiredToken = errors.New("jwtauth: token expired")

// Config controls validation behavior.
type Config struct {
	Issuer string
	// JWKSURL skips OIDC discovery when set.
	JWKSURL string
	// Audiences lists accepted aud values; empty disables the check.
	Audiences         []string
	AllowedAlgs       []string
	Leeway            time.Duration
	OrganizationClaim string
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:       []string{"RS256"},
		Leeway:            30 * time.Second,
		OrganizationClaim: DefaultOrganizationClaim,
	}
}

// Claims is the validated subset of a token the gateway acts on.
type Claims struct {
	Subject        string
	OrganizationID string
	Scopes         []string
	ExpiresAt      time.Time
	Raw            jwt.MapClaims
}

// Validator verifies tokens against a JWKS that refreshes in the background.
type Validator struct {
	cfg           Config
	issuer        string
	tokenEndpoint string
	keyfunc       jwt.Keyfunc
}

// New builds a Validator. Without cfg.JWKSURL the issuer's discovery
// document supplies the JWKS location and token endpoint.
func New(ctx context.Context, cfg *Config) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.OrganizationClaim == "" {
		c.OrganizationClaim = DefaultOrganizationClaim
	}

	v := &Validator{cfg: c, issuer: c.Issuer}
	jwksURL := c.JWKSURL
	if jwksURL == "" {
		provider, err := oidc.NewProvider(ctx, c.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery failed: %w", err)
		}
		var meta struct {
			Issuer  string `json:"issuer"`
			JwksURI string `json:"jwks_uri"`
			Token   string `json:"token_endpoint"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("invalid discovery metadata: %w", err)
		}
		if meta.JwksURI == "" {
			return nil, errors.New("discovery incomplete: missing jwks_uri")
		}
		jwksURL = meta.JwksURI
		v.issuer = meta.Issuer
		v.tokenEndpoint = meta.Token
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	v.keyfunc = func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}
	return v, nil
}

// TokenEndpoint is the IdP token endpoint learned via discovery, if any.
func (v *Validator) TokenEndpoint() string { return v.tokenEndpoint }

// Issuer is the validated issuer identifier.
func (v *Validator) Issuer() string { return v.issuer }

// Validate verifies tok and returns its claims.
func (v *Validator) Validate(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrInvalidToken)
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}

	out := &Claims{Subject: sub, Raw: claims}
	out.OrganizationID, _ = claims[v.cfg.OrganizationClaim].(string)
	if scope, ok := claims["scope"].(string); ok {
		out.Scopes = strings.Fields(scope)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// LooksLikeJWT reports whether tok has the three dot-separated segments of a
// compact JWS. Opaque API keys never contain dots.
func LooksLikeJWT(tok string) bool {
	return strings.Count(tok, ".") == 2 && !strings.HasPrefix(tok, ".") && !strings.HasSuffix(tok, ".")
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
