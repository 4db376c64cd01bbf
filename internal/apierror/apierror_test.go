package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromPreservesClassification(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	wrapped := fmt.Errorf("router: %w", Wrap(CodeUpstreamFailure, `upstream server "github" failed`, cause))

	ae := From(wrapped)
	if ae.Code != CodeUpstreamFailure {
		t.Fatalf("code: want %s got %s", CodeUpstreamFailure, ae.Code)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected cause to be reachable through the chain")
	}

	opaque := From(errors.New("boom"))
	if opaque.Code != CodeServerError || opaque.Message != "internal error" {
		t.Fatalf("unclassified errors must be opaque, got %+v", opaque)
	}
}

func TestWriteHTTPShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, New(CodeCapacityExceeded, "session limit reached"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: want 503 got %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != 503 || body.Error.Type != "capacity_exceeded" || body.Error.Message != "session limit reached" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRPCMapping(t *testing.T) {
	for code, want := range map[Code]int{
		CodeInvalidRequest:  -32602,
		CodeUnauthorized:    -32001,
		CodeForbidden:       -32003,
		CodeUpstreamFailure: -32010,
		CodeServerError:     -32603,
	} {
		if got := int(RPC(New(code, "x")).Code); got != want {
			t.Fatalf("%s: want %d got %d", code, want, got)
		}
	}
}
