package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIClientDoDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/providers" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"providers":[{"name":"p1"}]}`))
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL)
	var out struct {
		Providers []providerView `json:"providers"`
	}
	if err := c.do(context.Background(), http.MethodGet, "/providers", nil, &out); err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(out.Providers) != 1 || out.Providers[0].Name != "p1" {
		t.Fatalf("unexpected result: %+v", out.Providers)
	}
}

func TestAPIClientDoSendsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if body["code"] != "abc" {
			t.Errorf("code = %q, want abc", body["code"])
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL)
	if err := c.do(context.Background(), http.MethodPost, "/oauth/exchange-code", map[string]string{"code": "abc"}, nil); err != nil {
		t.Fatalf("do: %v", err)
	}
}

func TestAPIClientDoReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL)
	err := c.do(context.Background(), http.MethodGet, "/oauth/status", nil, nil)
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}

func TestAPIClientBaseURLTrimsTrailingSlash(t *testing.T) {
	c := newAPIClient("http://example.com/")
	if c.baseURL != "http://example.com" {
		t.Fatalf("baseURL = %q", c.baseURL)
	}
}
