package sqlstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/cache/memorycache"
	"github.com/ggoodman/mcp-gateway-go/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "gateway.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(s.PutOrganization(ctx, &store.Organization{ID: "org-1", Name: "Acme", PIIMaskingMode: store.PIIModeBoth, PIIInfoTypes: []string{"EMAIL_ADDRESS", "PHONE_NUMBER"}}))
	must(s.PutMembership(ctx, &store.Membership{OrganizationID: "org-1", UserID: "u-1", Role: store.RoleMember}))
	must(s.PutCredential(ctx, &store.Credential{ID: "c-1", KeyHash: store.HashAPIKey("secret"), OrganizationID: "org-1", UserID: "u-1", Active: true}))
	must(s.PutServer(ctx, &store.Server{ID: "srv-b", OrganizationID: "org-1", Name: "GitHub", Slug: "github", URL: "http://gh", Active: true}))
	must(s.PutServer(ctx, &store.Server{ID: "srv-a", OrganizationID: "org-1", Name: "Atlassian", Slug: "atlassian", URL: "http://jira", Transport: store.TransportSSE, Active: true}))
	must(s.PutServer(ctx, &store.Server{ID: "srv-off", OrganizationID: "org-1", Name: "Old", Slug: "old", URL: "http://old", Active: false}))
}

func TestDirectoryLookups(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	cred, err := s.CredentialByHash(ctx, store.HashAPIKey("secret"))
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if cred.OrganizationID != "org-1" || !cred.Active || !cred.ExpiresAt.IsZero() {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if _, err := s.CredentialByHash(ctx, store.HashAPIKey("nope")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	m, err := s.Membership(ctx, "org-1", "u-1")
	if err != nil || m.Role != store.RoleMember {
		t.Fatalf("membership: %+v %v", m, err)
	}
	if _, err := s.Membership(ctx, "org-1", "u-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	org, err := s.Organization(ctx, "org-1")
	if err != nil {
		t.Fatalf("organization: %v", err)
	}
	want := &store.Organization{ID: "org-1", Name: "Acme", PIIMaskingMode: store.PIIModeBoth, PIIInfoTypes: []string{"EMAIL_ADDRESS", "PHONE_NUMBER"}}
	if diff := cmp.Diff(want, org); diff != "" {
		t.Fatalf("organization mismatch (-want +got):\n%s", diff)
	}

	srv, err := s.Server(ctx, "srv-a")
	if err != nil || srv.Transport != store.TransportSSE || srv.AuthType != store.AuthNone {
		t.Fatalf("server: %+v %v", srv, err)
	}

	list, err := s.ServersByOrganization(ctx, "org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var slugs []string
	for _, srv := range list {
		slugs = append(slugs, srv.Slug)
	}
	if diff := cmp.Diff([]string{"atlassian", "github"}, slugs); diff != "" {
		t.Fatalf("servers mismatch (-want +got):\n%s", diff)
	}
}

func TestCredentialExpiryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.PutCredential(ctx, &store.Credential{ID: "c-2", KeyHash: "h2", OrganizationID: "org-1", UserID: "u-1", Active: true, ExpiresAt: exp}); err != nil {
		t.Fatalf("put: %v", err)
	}
	c, err := s.CredentialByHash(ctx, "h2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !c.ExpiresAt.Equal(exp) {
		t.Fatalf("expiry: want %v got %v", exp, c.ExpiresAt)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)

	for _, id := range []string{"e-done", "e-stale"} {
		if err := s.CreateExecution(ctx, &store.Execution{ID: id, OrganizationID: "org-1", UserID: "u-1", ServerID: "srv-a", SessionID: "s-1", ToolName: "search", Status: store.ExecutionInProgress, StartedAt: started}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	done := &store.Execution{ID: "e-done", ServerID: "srv-a", Status: store.ExecutionSucceeded, FinishedAt: time.Now(), Duration: 1500 * time.Millisecond, MaskedRequest: `{"q":"[EMAIL]"}`, PIITypes: []string{"EMAIL_ADDRESS"}}
	if err := s.FinishExecution(ctx, done); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := s.FinishExecution(ctx, &store.Execution{ID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("finish missing: want ErrNotFound, got %v", err)
	}

	n, err := s.FailStaleExecutions(ctx, time.Now(), 5*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("fail stale: n=%d err=%v", n, err)
	}

	stale, err := s.Execution(ctx, "e-stale")
	if err != nil {
		t.Fatalf("load stale: %v", err)
	}
	if stale.Status != store.ExecutionFailed || stale.Duration != 5*time.Minute {
		t.Fatalf("stale execution not failed with timeout elapsed: %+v", stale)
	}

	got, err := s.Execution(ctx, "e-done")
	if err != nil {
		t.Fatalf("load done: %v", err)
	}
	if got.Status != store.ExecutionSucceeded || got.MaskedRequest != `{"q":"[EMAIL]"}` || len(got.PIITypes) != 1 {
		t.Fatalf("unexpected finished execution: %+v", got)
	}
}

func TestRebindForPostgres(t *testing.T) {
	s := &Store{postgres: true}
	if got := s.rebind(`SELECT a FROM t WHERE x = ? AND y = ?`); got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Fatalf("rebind: %s", got)
	}
}

func TestWritesInvalidateResolverCache(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	resolver := auth.NewResolver(s, memorycache.New(time.Hour))
	s.SetInvalidator(resolver)

	if _, err := resolver.ResolveMembership(ctx, "org-1", "u-1"); err != nil {
		t.Fatalf("membership: %v", err)
	}
	if err := s.DeleteMembership(ctx, "org-1", "u-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var rerr *auth.ResolutionError
	if _, err := resolver.ResolveMembership(ctx, "org-1", "u-1"); !errors.As(err, &rerr) || rerr.Code != auth.CodeNotAMember {
		t.Fatalf("revoked membership still served: %v", err)
	}

	if _, err := resolver.ResolveAPIKey(ctx, "secret"); err != nil {
		t.Fatalf("api key: %v", err)
	}
	if err := s.PutCredential(ctx, &store.Credential{ID: "c-1", KeyHash: store.HashAPIKey("rotated"), OrganizationID: "org-1", UserID: "u-1", Active: true}); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := resolver.ResolveAPIKey(ctx, "secret"); err == nil {
		t.Fatalf("rotated-out key still resolves")
	}
	if id, err := resolver.ResolveAPIKey(ctx, "rotated"); err != nil || id.CredentialID != "c-1" {
		t.Fatalf("rotated key: %+v, %v", id, err)
	}

	srv, err := resolver.ResolveServer(ctx, "srv-b")
	if err != nil || srv.URL != "http://gh" {
		t.Fatalf("server: %+v, %v", srv, err)
	}
	if err := s.PutServer(ctx, &store.Server{ID: "srv-b", OrganizationID: "org-1", Name: "GitHub", Slug: "github", URL: "http://gh2", Active: true}); err != nil {
		t.Fatalf("update server: %v", err)
	}
	if srv, err := resolver.ResolveServer(ctx, "srv-b"); err != nil || srv.URL != "http://gh2" {
		t.Fatalf("stale server served: %+v, %v", srv, err)
	}
}
