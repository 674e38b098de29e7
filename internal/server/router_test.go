package server

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRouterHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := newTestState(t)
	r := NewRouter(st, log.New(testWriter{t}, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %v, want ok", body["status"])
	}
}

func TestRouterProvidersListsConfiguredProvider(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := newTestState(t)
	r := NewRouter(st, log.New(testWriter{t}, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body struct {
		Providers []struct {
			Name string `json:"name"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Providers) != 1 || body.Providers[0].Name != "p1" {
		t.Fatalf("unexpected providers: %+v", body.Providers)
	}
}

func TestRouterNoRouteReturnsAnthropicShapedError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := newTestState(t)
	r := NewRouter(st, log.New(testWriter{t}, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", w.Code)
	}
	var body anthropicError
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error.Type != "not_found_error" {
		t.Fatalf("error type = %q, want not_found_error", body.Error.Type)
	}
}

func TestRouterOAuthGenerateURL(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := newTestState(t)
	r := NewRouter(st, log.New(testWriter{t}, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/oauth/generate-url", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body struct {
		AuthorizeURL string `json:"authorize_url"`
		State        string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.AuthorizeURL == "" || body.State == "" {
		t.Fatalf("expected non-empty authorize_url/state, got %+v", body)
	}
}

// testWriter adapts *testing.T to io.Writer so a request logger writing
// during a test doesn't race with the test binary's own stdout.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
