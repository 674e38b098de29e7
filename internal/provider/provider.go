// Package provider holds the immutable provider/route data model and the
// registry that snapshots it.
package provider

import "strings"

// ProtocolType identifies the wire shape a provider speaks upstream.
type ProtocolType string

const (
	ProtocolAnthropic ProtocolType = "anthropic"
	ProtocolOpenAI    ProtocolType = "openai"
)

// AuthKind identifies how a provider's credential is supplied.
type AuthKind string

const (
	AuthAPIKey    AuthKind = "api-key"
	AuthAuthToken AuthKind = "auth-token"
	AuthOAuth     AuthKind = "oauth"
)

// Passthrough is the sentinel meaning "forward the client's value unchanged".
const Passthrough = "passthrough"

// Provider is an immutable configured upstream endpoint.
type Provider struct {
	Name      string
	Type      ProtocolType
	BaseURL   string
	AuthKind  AuthKind
	AuthValue string // literal value, or Passthrough
	AccountID string // optional, typically an email
	ProxyURL  string // optional outbound proxy
	Enabled   bool
}

// Identity returns the (name, account) identity pair used for lookups.
func (p Provider) Identity() Identity {
	return Identity{Name: p.Name, AccountID: p.AccountID}
}

// IsPassthroughAuth reports whether the provider forwards the client's
// inbound credential verbatim instead of using a configured value.
func (p Provider) IsPassthroughAuth() bool {
	return strings.EqualFold(strings.TrimSpace(p.AuthValue), Passthrough)
}

// Identity is the (name, account identifier) key that uniquely identifies a
// provider entry. Multiple entries may share Name if AccountID differs.
type Identity struct {
	Name      string
	AccountID string
}

// Candidate is one entry inside a Route: a provider reference plus the
// upstream model to send and its priority within the route.
type Candidate struct {
	ProviderName string
	AccountID    string // optional; "" means "any account for this provider name"
	Model        string // literal upstream model name, or Passthrough
	Priority     int
}

// Route maps a client-facing model pattern to an ordered candidate list.
type Route struct {
	Pattern    string // exact string, or "*substring*" glob
	Candidates []Candidate
}

// IsGlob reports whether Pattern uses the "*substring*" glob form.
func (r Route) IsGlob() bool {
	return strings.HasPrefix(r.Pattern, "*") && strings.HasSuffix(r.Pattern, "*") && len(r.Pattern) > 1
}

// GlobSubstring returns the substring a glob pattern must contain, empty if
// the route is not a glob.
func (r Route) GlobSubstring() string {
	if !r.IsGlob() {
		return ""
	}
	return r.Pattern[1 : len(r.Pattern)-1]
}
