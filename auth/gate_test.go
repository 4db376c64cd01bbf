package auth_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/auth/authtest"
	"github.com/ggoodman/mcp-gateway-go/internal/jwtauth"
	"github.com/ggoodman/mcp-gateway-go/store"
)

const (
	testJWT        = "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJhbGljZSJ9.c2ln"
	testExpiredJWT = "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJvbGQifQ.c2ln"
	testNoOrgJWT   = "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJub29yZyJ9.c2ln"
)

func newGate(t *testing.T) (*auth.Gate, *fixture) {
	t.Helper()
	f := newFixture(t)
	f.dir.PutMembership(store.Membership{OrganizationID: "org-1", UserID: "victor", Role: store.RoleViewer})
	f.dir.AddAPIKey("key-victor", "org-1", "victor")
	f.dir.AddAPIKey("key-stranger", "org-1", "stranger")

	tokens := authtest.NewTokens()
	tokens.Add(testJWT, jwtauth.Claims{Subject: "alice", OrganizationID: "org-1"})
	tokens.Add(testNoOrgJWT, jwtauth.Claims{Subject: "noorg"})
	tokens.Fail(testExpiredJWT, fmt.Errorf("%w: exp passed", jwtauth.ErrExpiredToken))

	g := auth.NewGate(f.resolver,
		auth.WithTokenValidator(tokens),
		auth.WithRealm("mcp-gateway"),
		auth.WithResourceMetadataURL("https://gw.example.com/.well-known/oauth-protected-resource"),
	)
	return g, f
}

func TestAuthenticateAPIKeyHeader(t *testing.T) {
	g, _ := newGate(t)
	r := httptest.NewRequest(http.MethodGet, "/sse/srv-1", nil)
	r.Header.Set("X-API-Key", "key-alice")

	ac, err := g.Authenticate(context.Background(), r, "srv-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ac.Method != auth.MethodAPIKey || ac.OrganizationID != "org-1" || ac.UserID != "alice" {
		t.Fatalf("unexpected context: %+v", ac)
	}
	if ac.Role != store.RoleMember || !ac.CanCallTools() {
		t.Fatalf("member should call tools: %+v", ac)
	}
	if ac.TargetServerID != "srv-1" || ac.IsUnifiedEndpoint {
		t.Fatalf("expected targeted context: %+v", ac)
	}
	if ac.PIIMaskingMode != store.PIIModeBoth || len(ac.PIIInfoTypes) != 1 {
		t.Fatalf("organization settings not applied: %+v", ac)
	}
}

func TestAuthenticateBearerAPIKeyAndUnified(t *testing.T) {
	g, _ := newGate(t)
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set("Authorization", "Bearer key-victor")

	ac, err := g.Authenticate(context.Background(), r, "")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !ac.IsUnifiedEndpoint || ac.TargetServerID != "" {
		t.Fatalf("expected unified context: %+v", ac)
	}
	if ac.CanCallTools() {
		t.Fatalf("viewer must not call tools")
	}
}

func TestAuthenticateOAuthToken(t *testing.T) {
	g, _ := newGate(t)
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set("Authorization", "Bearer "+testJWT)

	ac, err := g.Authenticate(context.Background(), r, "")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ac.Method != auth.MethodOAuth || ac.UserID != "alice" || ac.OrganizationID != "org-1" {
		t.Fatalf("unexpected context: %+v", ac)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	g, _ := newGate(t)

	cases := []struct {
		name       string
		header     [2]string
		serverID   string
		wantStatus int
		wantType   string
		challenge  string
	}{
		{"missing", [2]string{}, "", http.StatusUnauthorized, "unauthorized", `Bearer realm="mcp-gateway", resource_metadata="https://gw.example.com/.well-known/oauth-protected-resource"`},
		{"malformed", [2]string{"Authorization", "Basic Zm9vOmJhcg=="}, "", http.StatusBadRequest, "invalid_request", `error="invalid_request"`},
		{"unknown key", [2]string{"X-API-Key", "nope"}, "", http.StatusUnauthorized, "unauthorized", `error="invalid_token", error_description="invalid credential"`},
		{"expired token", [2]string{"Authorization", "Bearer " + testExpiredJWT}, "", http.StatusUnauthorized, "unauthorized", `error_description="credential expired"`},
		{"token without org", [2]string{"Authorization", "Bearer " + testNoOrgJWT}, "", http.StatusUnauthorized, "unauthorized", `error="invalid_token"`},
		{"not a member", [2]string{"X-API-Key", "key-stranger"}, "", http.StatusForbidden, "forbidden", ""},
		{"foreign server", [2]string{"X-API-Key", "key-alice"}, "srv-2", http.StatusForbidden, "forbidden", ""},
		{"missing server", [2]string{"X-API-Key", "key-alice"}, "srv-404", http.StatusNotFound, "not_found", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/sse", nil)
			if tc.header[0] != "" {
				r.Header.Set(tc.header[0], tc.header[1])
			}
			_, err := g.Authenticate(r.Context(), r, tc.serverID)
			if err == nil {
				t.Fatalf("expected failure")
			}

			rec := httptest.NewRecorder()
			g.Reject(rec, r, err)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status: want %d, got %d", tc.wantStatus, rec.Code)
			}
			var body struct {
				Error struct {
					Code    int    `json:"code"`
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
			}
			if body.Error.Type != tc.wantType || body.Error.Code != tc.wantStatus {
				t.Fatalf("body: %+v", body.Error)
			}
			if strings.Contains(body.Error.Message, "stranger") || strings.Contains(body.Error.Message, "org-2") {
				t.Fatalf("internal detail leaked: %q", body.Error.Message)
			}
			got := rec.Header().Get("WWW-Authenticate")
			if tc.challenge == "" {
				if got != "" {
					t.Fatalf("unexpected challenge %q", got)
				}
				return
			}
			if !strings.Contains(got, tc.challenge) {
				t.Fatalf("challenge %q does not contain %q", got, tc.challenge)
			}
		})
	}
}
