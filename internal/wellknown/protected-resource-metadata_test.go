package wellknown

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandlerServesDocument(t *testing.T) {
	h := Handler(ProtectedResourceMetadata{
		Resource:             "https://gateway.example.com",
		AuthorizationServers: []string{"https://idp.example.com"},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var doc ProtectedResourceMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.AuthorizationServers[0] != "https://idp.example.com" {
		t.Fatalf("unexpected doc: %+v", doc)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, Path, nil))
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("preflight: status %d headers %v", rec.Code, rec.Header())
	}
}
