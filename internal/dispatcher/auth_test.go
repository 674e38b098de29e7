package dispatcher

import (
	"net/http"
	"testing"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
)

func TestBuildHeadersPassthroughForwardsClientCredentialVerbatim(t *testing.T) {
	p := provider.Provider{Name: "claude-official", Type: provider.ProtocolAnthropic, BaseURL: "https://api.anthropic.com", AuthKind: provider.AuthOAuth, AuthValue: provider.Passthrough}
	original := http.Header{"Authorization": {"Bearer client-token"}}

	out := BuildHeaders(p, original, "unused-access-token")

	if got := out.Get("Authorization"); got != "Bearer client-token" {
		t.Fatalf("expected passthrough Authorization, got %q", got)
	}
	if got := out.Get("anthropic-version"); got != "2023-06-01" {
		t.Fatalf("expected anthropic-version added for passthrough Anthropic provider, got %q", got)
	}
	if got := out.Get("Host"); got != "api.anthropic.com" {
		t.Fatalf("expected Host derived from base url, got %q", got)
	}
}

func TestBuildHeadersStandardAPIKeyUsesXAPIKeyForAnthropic(t *testing.T) {
	p := provider.Provider{Name: "anthropic-direct", Type: provider.ProtocolAnthropic, BaseURL: "https://api.anthropic.com", AuthKind: provider.AuthAPIKey, AuthValue: "sk-ant-configured"}

	out := BuildHeaders(p, http.Header{}, "")

	if got := out.Get("x-api-key"); got != "sk-ant-configured" {
		t.Fatalf("expected x-api-key, got %q", got)
	}
	if out.Get("Authorization") != "" {
		t.Fatalf("expected no Authorization header for api-key Anthropic provider")
	}
}

func TestBuildHeadersStandardAPIKeyUsesBearerForOpenAI(t *testing.T) {
	p := provider.Provider{Name: "openai-compat", Type: provider.ProtocolOpenAI, BaseURL: "https://api.example.com/v1", AuthKind: provider.AuthAPIKey, AuthValue: "sk-configured"}

	out := BuildHeaders(p, http.Header{}, "")

	if got := out.Get("Authorization"); got != "Bearer sk-configured" {
		t.Fatalf("expected bearer auth for openai-compatible provider, got %q", got)
	}
	if out.Get("x-api-key") != "" {
		t.Fatalf("expected no x-api-key for openai provider")
	}
}

func TestBuildHeadersOAuthAddsBetaFlagForAnthropicOnly(t *testing.T) {
	anthropicOAuth := provider.Provider{Name: "claude-oauth", Type: provider.ProtocolAnthropic, BaseURL: "https://api.anthropic.com", AuthKind: provider.AuthOAuth}
	out := BuildHeaders(anthropicOAuth, http.Header{}, "access-123")
	if got := out.Get("Authorization"); got != "Bearer access-123" {
		t.Fatalf("expected bearer access token, got %q", got)
	}
	if got := out.Get("anthropic-beta"); got != "oauth-2025-04-20" {
		t.Fatalf("expected oauth beta flag, got %q", got)
	}

	openAIOAuth := provider.Provider{Name: "openai-oauth", Type: provider.ProtocolOpenAI, BaseURL: "https://api.example.com", AuthKind: provider.AuthOAuth}
	out2 := BuildHeaders(openAIOAuth, http.Header{}, "access-456")
	if out2.Get("anthropic-beta") != "" {
		t.Fatalf("expected no anthropic-beta header for an openai-protocol provider")
	}
}

func TestBuildHeadersOAuthBetaFlagMergesWithExistingValue(t *testing.T) {
	p := provider.Provider{Name: "claude-oauth", Type: provider.ProtocolAnthropic, BaseURL: "https://api.anthropic.com", AuthKind: provider.AuthOAuth}
	original := http.Header{"Anthropic-Beta": {"tools-2024-05-16"}}

	out := BuildHeaders(p, original, "access-789")

	got := out.Get("anthropic-beta")
	if got != "oauth-2025-04-20,tools-2024-05-16" {
		t.Fatalf("expected merged beta flags, got %q", got)
	}
}

func TestBuildHeadersStripsHopHeadersFromOriginal(t *testing.T) {
	p := provider.Provider{Name: "p", Type: provider.ProtocolAnthropic, BaseURL: "https://api.anthropic.com", AuthKind: provider.AuthAPIKey, AuthValue: "k"}
	original := http.Header{
		"Authorization":   {"Bearer stale"},
		"Content-Length":  {"42"},
		"Connection":      {"keep-alive"},
		"Accept-Encoding": {"gzip"},
		"X-Custom":        {"keep-me"},
	}

	out := BuildHeaders(p, original, "")

	if out.Get("X-Custom") != "keep-me" {
		t.Fatalf("expected unrelated client header preserved")
	}
	if out.Get("Content-Length") != "" || out.Get("Connection") != "" || out.Get("Accept-Encoding") != "" {
		t.Fatalf("expected hop headers stripped, got %+v", out)
	}
}
