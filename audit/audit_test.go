package audit

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExecutionSnapshot(t *testing.T) {
	ctx, e := WithExecution(context.Background())
	got, ok := FromContext(ctx)
	if !ok || got != e {
		t.Fatalf("execution not attached")
	}

	if snap := e.Snapshot(); snap.RequestSet || snap.ResponseSet {
		t.Fatalf("fresh execution should be empty: %+v", snap)
	}

	body := []byte(`{"email":"[EMAIL_ADDRESS]"}`)
	e.SetRequest(body, []string{"EMAIL_ADDRESS"})
	body[0] = 'X'
	e.SetResponse([]byte(`{"ok":true}`), nil)

	want := Record{
		MaskedRequest:  []byte(`{"email":"[EMAIL_ADDRESS]"}`),
		MaskedResponse: []byte(`{"ok":true}`),
		RequestSet:     true,
		ResponseSet:    true,
		PIITypes:       []string{"EMAIL_ADDRESS"},
	}
	if diff := cmp.Diff(want, e.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestPIITypesAreMerged(t *testing.T) {
	_, e := WithExecution(context.Background())
	e.SetRequest(nil, []string{"PHONE_NUMBER", "EMAIL_ADDRESS"})
	e.SetResponse(nil, []string{"EMAIL_ADDRESS", "CREDIT_CARD_NUMBER"})

	want := []string{"CREDIT_CARD_NUMBER", "EMAIL_ADDRESS", "PHONE_NUMBER"}
	if diff := cmp.Diff(want, e.Snapshot().PIITypes); diff != "" {
		t.Fatalf("types mismatch (-want +got):\n%s", diff)
	}
}

func TestFromContextMissing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("unexpected execution")
	}
}
