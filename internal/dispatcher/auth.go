package dispatcher

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
)

// hopHeaders are stripped from the client's inbound headers before
// forwarding upstream: the auth headers are replaced per the provider's
// own auth_kind, host belongs to the upstream's own address, and
// content-length is recomputed once the (possibly translated) body is
// final.
var hopHeaders = map[string]bool{
	"authorization":   true,
	"x-api-key":       true,
	"host":            true,
	"content-length":  true,
	"content-type":    true,
	"connection":      true,
	"accept-encoding": true,
}

// BuildHeaders constructs the outbound header set for one upstream call:
// the client's original headers minus the ones replaced below, a Host
// header derived from the provider's base URL, and an auth header chosen
// by the provider's passthrough-vs-standard auth mode.
func BuildHeaders(p provider.Provider, original http.Header, accessToken string) http.Header {
	out := make(http.Header)
	for k, vs := range original {
		if hopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	out.Set("Content-Type", "application/json")
	if host := hostFromBaseURL(p.BaseURL); host != "" {
		out.Set("Host", host)
	}

	if p.IsPassthroughAuth() {
		applyPassthroughAuth(out, p, original)
	} else {
		applyStandardAuth(out, p, accessToken)
	}
	applyOAuthBetaHeader(out, p)
	return out
}

func hostFromBaseURL(baseURL string) string {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}

// applyPassthroughAuth forwards the client's own inbound credential
// unchanged, adding the Anthropic version header an Anthropic-typed
// provider requires but the client may not have sent (since the client
// is talking to the balancer, not directly to Anthropic).
func applyPassthroughAuth(out http.Header, p provider.Provider, original http.Header) {
	if v := original.Get("Authorization"); v != "" {
		out.Set("Authorization", v)
	}
	if v := original.Get("X-Api-Key"); v != "" {
		out.Set("x-api-key", v)
	}
	if p.Type == provider.ProtocolAnthropic && out.Get("anthropic-version") == "" {
		out.Set("anthropic-version", "2023-06-01")
	}
}

// applyStandardAuth sets the auth header from the provider's own
// configured or OAuth-derived credential: x-api-key for an Anthropic
// api-key provider, Authorization: Bearer for everything else (an
// OpenAI-compatible api-key provider, or any auth-token/oauth provider
// regardless of protocol).
func applyStandardAuth(out http.Header, p provider.Provider, accessToken string) {
	value := p.AuthValue
	if p.AuthKind == provider.AuthOAuth {
		value = accessToken
	}
	if p.AuthKind == provider.AuthAPIKey && p.Type == provider.ProtocolAnthropic {
		out.Set("x-api-key", value)
		return
	}
	out.Set("Authorization", "Bearer "+value)
	if p.Type == provider.ProtocolAnthropic {
		out.Set("anthropic-version", "2023-06-01")
	}
}

// applyOAuthBetaHeader adds the oauth-2025-04-20 beta flag every
// Anthropic-protocol OAuth credential needs to authenticate successfully,
// merging into any beta flags already present rather than overwriting
// them. Generalized off the account name: any provider using an OAuth
// credential against the Anthropic protocol needs this, not just an
// official-named one.
func applyOAuthBetaHeader(out http.Header, p provider.Provider) {
	if p.AuthKind != provider.AuthOAuth || p.Type != provider.ProtocolAnthropic {
		return
	}
	existing := out.Get("anthropic-beta")
	if strings.Contains(existing, "oauth-2025-04-20") {
		return
	}
	if existing == "" {
		out.Set("anthropic-beta", "oauth-2025-04-20")
		return
	}
	out.Set("anthropic-beta", "oauth-2025-04-20,"+existing)
}
