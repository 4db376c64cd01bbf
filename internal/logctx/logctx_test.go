package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil))).With(slog.String("component", "test"))

	ctx := WithSessionData(context.Background(), &SessionData{SessionID: "s-1", Transport: "sse"})
	ctx = WithTenantData(ctx, &TenantData{OrganizationID: "org-1", UserID: "u-1"})
	log.InfoContext(ctx, "session.create.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["component"] != "test" {
		t.Fatalf("WithAttrs must keep the context handler, got %v", rec)
	}
	sess, _ := rec["sess"].(map[string]any)
	if sess["id"] != "s-1" || sess["transport"] != "sse" {
		t.Fatalf("unexpected sess group: %v", rec["sess"])
	}
	tenant, _ := rec["tenant"].(map[string]any)
	if tenant["org_id"] != "org-1" {
		t.Fatalf("unexpected tenant group: %v", rec["tenant"])
	}
	if _, ok := rec["rpc"]; ok {
		t.Fatalf("rpc group must be absent without RPC data")
	}
}
