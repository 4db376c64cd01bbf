// Package tokenendpoint serves POST /oauth/token by exchanging client
// credentials or refresh tokens with the upstream identity provider.
package tokenendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/elnormous/contenttype"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
)

const (
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

// OAuth error codes (RFC 6749 §5.2).
const (
	errInvalidRequest       = "invalid_request"
	errInvalidClient        = "invalid_client"
	errInvalidGrant         = "invalid_grant"
	errUnauthorizedClient   = "unauthorized_client"
	errUnsupportedGrantType = "unsupported_grant_type"
	errServerError          = "server_error"
)

var formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")

// Response is the successful token response body.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// Handler proxies token requests to the identity provider's token endpoint.
type Handler struct {
	tokenURL string
	client   *http.Client
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient sets the client used to reach the identity provider.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// New returns a Handler that exchanges tokens at tokenURL.
func New(tokenURL string, opts ...Option) *Handler {
	h := &Handler{tokenURL: tokenURL, client: http.DefaultClient, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	return h
}

// Discover resolves the token endpoint from the issuer's OpenID
// configuration.
func Discover(ctx context.Context, issuer string) (string, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("oidc discovery failed: %w", err)
	}
	tokenURL := provider.Endpoint().TokenURL
	if tokenURL == "" {
		return "", errors.New("discovery incomplete: missing token_endpoint")
	}
	return tokenURL, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errInvalidRequest, "method not allowed")
		return
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(formMediaType) {
		writeError(w, http.StatusBadRequest, errInvalidRequest, "content-type must be application/x-www-form-urlencoded")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidRequest, "malformed form body")
		return
	}

	grant := r.PostForm.Get("grant_type")
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	scopes := strings.Fields(r.PostForm.Get("scope"))

	switch grant {
	case GrantClientCredentials, GrantRefreshToken:
	case "":
		writeError(w, http.StatusBadRequest, errInvalidRequest, "grant_type is required")
		return
	default:
		writeError(w, http.StatusBadRequest, errUnsupportedGrantType, fmt.Sprintf("grant type %q is not supported", grant))
		return
	}
	if clientID == "" || clientSecret == "" {
		writeError(w, http.StatusBadRequest, errInvalidRequest, "client_id and client_secret are required")
		return
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.client)
	var tok *oauth2.Token
	switch grant {
	case GrantClientCredentials:
		cc := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     h.tokenURL,
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tok, err = cc.Token(ctx)
	case GrantRefreshToken:
		rt := r.PostForm.Get("refresh_token")
		if rt == "" {
			writeError(w, http.StatusBadRequest, errInvalidRequest, "refresh_token is required")
			return
		}
		oc := oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: h.tokenURL, AuthStyle: oauth2.AuthStyleInParams},
			Scopes:       scopes,
		}
		tok, err = oc.TokenSource(ctx, &oauth2.Token{RefreshToken: rt}).Token()
	}
	if err != nil {
		h.fail(ctx, w, grant, err)
		return
	}

	resp := Response{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		ExpiresIn:    tok.ExpiresIn,
		RefreshToken: tok.RefreshToken,
	}
	if resp.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(tok.Expiry.Sub(h.now()).Round(time.Second).Seconds())
	}
	if s, ok := tok.Extra("scope").(string); ok {
		resp.Scope = s
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
	h.log.InfoContext(ctx, "token.issue.ok", slog.String("grant", grant), slog.Duration("dur", time.Since(start)))
}

// fail maps an exchange error. Identity provider rejections keep their code;
// credential failures become 401 and everything else is a 500.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, grant string, err error) {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil || re.Response.StatusCode >= 500 {
		h.log.ErrorContext(ctx, "token.issue.fail", slog.String("grant", grant), slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, errServerError, "token exchange failed")
		return
	}

	code := re.ErrorCode
	if code == "" {
		code = errInvalidGrant
	}
	status := re.Response.StatusCode
	switch code {
	case errInvalidClient, errInvalidGrant, errUnauthorizedClient:
		status = http.StatusUnauthorized
	default:
		if status < 400 {
			status = http.StatusBadRequest
		}
	}
	h.log.InfoContext(ctx, "token.issue.reject", slog.String("grant", grant), slog.String("code", code), slog.Int("upstream_status", re.Response.StatusCode))
	writeError(w, status, code, re.ErrorDescription)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Description: desc})
}
