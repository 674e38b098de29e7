package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/dispatcher"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/routeresolve"
)

func TestMarshalAnthropicError(t *testing.T) {
	body := marshalAnthropicError("invalid_request_error", "bad model")
	var parsed anthropicError
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Type != "error" {
		t.Fatalf("type = %q, want error", parsed.Type)
	}
	if parsed.Error.Type != "invalid_request_error" || parsed.Error.Message != "bad model" {
		t.Fatalf("unexpected envelope: %+v", parsed)
	}
}

func TestClassifyDispatchError_NoRoute(t *testing.T) {
	resp := classifyDispatchError(routeresolve.ErrNoRoute)
	if resp.status != http.StatusBadRequest || resp.kind != "no_route" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClassifyDispatchError_AuthRequired(t *testing.T) {
	err := &dispatcher.AuthRequiredError{ProviderName: "anthropic-oauth", AccountID: "a@example.com"}
	resp := classifyDispatchError(err)
	if resp.status != http.StatusUnauthorized || resp.kind != "auth_required" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.message == "" {
		t.Fatal("expected non-empty auth instructions")
	}
}

func TestClassifyDispatchError_DeduplicationTimeout(t *testing.T) {
	resp := classifyDispatchError(dispatcher.ErrDeduplicationTimeout)
	if resp.status != http.StatusGatewayTimeout || resp.kind != "deduplication_timeout" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClassifyDispatchError_AllProvidersFailed(t *testing.T) {
	resp := classifyDispatchError(dispatcher.ErrAllProvidersFailed)
	if resp.status != http.StatusBadGateway || resp.kind != "all_providers_failed" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClassifyDispatchError_UpstreamPassthrough(t *testing.T) {
	upstream := &dispatcher.UpstreamError{
		StatusCode:  422,
		Body:        []byte(`{"type":"error","error":{"type":"overloaded_error","message":"try later"}}`),
		ContentType: "application/json",
	}
	resp := classifyDispatchError(upstream)
	if resp.status != 422 {
		t.Fatalf("status = %d, want 422", resp.status)
	}
	if string(resp.rawBody) != string(upstream.Body) {
		t.Fatalf("rawBody not forwarded verbatim: %s", resp.rawBody)
	}
}

func TestClassifyDispatchError_UpstreamEmptyBodyGetsFallback(t *testing.T) {
	upstream := &dispatcher.UpstreamError{StatusCode: 503}
	resp := classifyDispatchError(upstream)
	if len(resp.rawBody) == 0 {
		t.Fatal("expected a non-empty fallback body")
	}
}

func TestClassifyDispatchError_Unclassified(t *testing.T) {
	resp := classifyDispatchError(opaqueError{})
	if resp.status != http.StatusBadRequest || resp.kind != "invalid_request_error" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

// opaqueError is a plain error distinct from every sentinel
// classifyDispatchError checks for, to exercise its default branch.
type opaqueError struct{}

func (opaqueError) Error() string { return "boom" }
