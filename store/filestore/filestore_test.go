package filestore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/store"
)

const tenants = `
organizations:
  - id: org-1
    name: Acme
    pii_masking_mode: response
    pii_info_types: [EMAIL_ADDRESS]
memberships:
  - organization_id: org-1
    user_id: u-1
    role: admin
credentials:
  - id: c-1
    key: mcpg_test_key
    organization_id: org-1
    user_id: u-1
    active: true
servers:
  - id: srv-1
    organization_id: org-1
    name: GitHub
    slug: github
    url: http://localhost:9000/mcp
    active: true
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOpenParsesTenants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	writeFile(t, path, tenants)

	s, err := Open(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	cred, err := s.CredentialByHash(ctx, store.HashAPIKey("mcpg_test_key"))
	if err != nil || cred.UserID != "u-1" {
		t.Fatalf("credential: %+v %v", cred, err)
	}
	org, err := s.Organization(ctx, "org-1")
	if err != nil || !org.PIIMaskingMode.MasksResponse() || org.PIIMaskingMode.MasksRequest() {
		t.Fatalf("organization: %+v %v", org, err)
	}
	srv, err := s.Server(ctx, "srv-1")
	if err != nil || srv.Transport != store.TransportStreamableHTTP {
		t.Fatalf("server defaults not applied: %+v %v", srv, err)
	}
	if _, err := s.Membership(ctx, "org-1", "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestOpenRejectsDanglingReferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	writeFile(t, path, "servers:\n  - id: s\n    organization_id: missing\n")
	if _, err := Open(path, quietLogger()); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.yaml")
	writeFile(t, path, tenants)

	s, err := Open(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before mutating.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, tenants+"  - id: srv-2\n    organization_id: org-1\n    name: Jira\n    slug: jira\n    url: http://jira\n    active: true\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Server(context.Background(), "srv-2"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server added on disk was never loaded")
}

func TestReloadKeepsPreviousSnapshotOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	writeFile(t, path, tenants)
	s, err := Open(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	writeFile(t, path, "organizations: [")
	if err := s.Reload(); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := s.Server(context.Background(), "srv-1"); err != nil {
		t.Fatalf("previous snapshot lost: %v", err)
	}
}

func TestExecutionsInMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	writeFile(t, path, tenants)
	s, err := Open(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	if err := s.CreateExecution(ctx, &store.Execution{ID: "e1", Status: store.ExecutionInProgress, StartedAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := s.FailStaleExecutions(ctx, time.Now(), time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("fail stale: %d %v", n, err)
	}
	e, _ := s.Execution(ctx, "e1")
	if e.Status != store.ExecutionFailed || e.Duration != time.Minute {
		t.Fatalf("unexpected execution: %+v", e)
	}
}

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInvalidator) add(k string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, k)
	return nil
}

func (r *recordingInvalidator) InvalidateCredential(_ context.Context, keyHash string) error {
	return r.add("cred:" + keyHash)
}

func (r *recordingInvalidator) InvalidateMembership(_ context.Context, orgID, userID string) error {
	return r.add("member:" + orgID + ":" + userID)
}

func (r *recordingInvalidator) InvalidateOrganization(_ context.Context, orgID string) error {
	return r.add("org:" + orgID)
}

func (r *recordingInvalidator) InvalidateServer(_ context.Context, serverID string) error {
	return r.add("server:" + serverID)
}

func (r *recordingInvalidator) has(k string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.keys, k)
}

func TestReloadInvalidatesOldAndNewRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	writeFile(t, path, tenants)
	s, err := Open(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	inv := &recordingInvalidator{}
	s.SetInvalidator(inv)

	rotated := `
organizations:
  - id: org-1
    name: Acme
credentials:
  - id: c-1
    key: mcpg_rotated_key
    organization_id: org-1
    user_id: u-1
    active: true
`
	writeFile(t, path, rotated)
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, k := range []string{
		"org:org-1",
		"member:org-1:u-1",
		"server:srv-1",
		"cred:" + store.HashAPIKey("mcpg_test_key"),
		"cred:" + store.HashAPIKey("mcpg_rotated_key"),
	} {
		if !inv.has(k) {
			t.Fatalf("%s not invalidated; got %v", k, inv.keys)
		}
	}

	before := len(inv.keys)
	writeFile(t, path, "organizations: [")
	if err := s.Reload(); err == nil {
		t.Fatalf("expected parse error")
	}
	if len(inv.keys) != before {
		t.Fatalf("failed reload must not invalidate")
	}
}
