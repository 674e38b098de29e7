// Package oauthclient performs the Anthropic-style OAuth authorization-code
// + PKCE flow and the refresh-token exchange: generating an authorization
// URL, exchanging a callback code for a token pair, and refreshing an
// expiring access token against the upstream token endpoint.
package oauthclient

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthstore"
)

// Claude Code's well-known OAuth application, used when a provider's
// configuration does not override them.
const (
	DefaultAuthorizeURL = "https://claude.ai/oauth/authorize"
	DefaultTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	DefaultClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	DefaultScope        = "org:create_api_key user:profile user:inference"
	// DefaultRedirectURI points at Anthropic's manual-code display page:
	// the authorize flow redirects here and shows the code for the
	// operator to copy into POST /oauth/exchange-code, rather than
	// requiring this balancer to host its own callback listener.
	DefaultRedirectURI = "https://console.anthropic.com/oauth/code/callback"
)

// Config names the OAuth application and endpoints a given provider account
// authenticates against.
type Config struct {
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	RedirectURI  string
	Scope        string
}

// WithDefaults fills unset fields with the Claude Code application's
// well-known values.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.AuthorizeURL) == "" {
		c.AuthorizeURL = DefaultAuthorizeURL
	}
	if strings.TrimSpace(c.TokenURL) == "" {
		c.TokenURL = DefaultTokenURL
	}
	if strings.TrimSpace(c.ClientID) == "" {
		c.ClientID = DefaultClientID
	}
	if strings.TrimSpace(c.Scope) == "" {
		c.Scope = DefaultScope
	}
	if strings.TrimSpace(c.RedirectURI) == "" {
		c.RedirectURI = DefaultRedirectURI
	}
	return c
}

// PKCE is a generated authorization-code-with-PKCE challenge pair.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE produces a fresh S256 PKCE verifier/challenge pair.
func GeneratePKCE() (PKCE, error) {
	verifier, err := randomURLSafe(64)
	if err != nil {
		return PKCE{}, err
	}
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// RandomState produces an opaque CSRF state token for the authorization
// request.
func RandomState() (string, error) {
	return randomURLSafe(32)
}

func randomURLSafe(byteLen int) (string, error) {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("oauthclient: random generation failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// BuildAuthorizeURL renders the browser-facing authorization URL for
// GET /oauth/generate-url.
func BuildAuthorizeURL(cfg Config, state string, challenge string) (string, error) {
	cfg = cfg.WithDefaults()
	u, err := url.Parse(cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("oauthclient: invalid authorize url: %w", err)
	}
	q := u.Query()
	q.Set("client_id", cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", cfg.RedirectURI)
	q.Set("scope", cfg.Scope)
	q.Set("state", strings.TrimSpace(state))
	q.Set("code_challenge", strings.TrimSpace(challenge))
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// tokenResponse is the upstream token endpoint's JSON shape, for both the
// authorization-code exchange and the refresh grant.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    any    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Client performs token-endpoint HTTP calls. A nil HTTPClient defaults to
// http.DefaultClient; callers wanting the configured OAuth proxy should
// build one with an http.Transport proxying through it first.
type Client struct {
	HTTPClient *http.Client
}

// New builds a Client. proxyURL, if non-empty, routes token requests
// through it.
func New(proxyURL string) (*Client, error) {
	if strings.TrimSpace(proxyURL) == "" {
		return &Client{HTTPClient: http.DefaultClient}, nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: invalid proxy url: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(parsed)
	return &Client{HTTPClient: &http.Client{Transport: transport}}, nil
}

// ExchangeCode trades an authorization code and its PKCE verifier for a
// fresh token pair, for POST /oauth/exchange-code.
func (c *Client) ExchangeCode(ctx context.Context, cfg Config, code string, verifier string) (oauthstore.Token, error) {
	cfg = cfg.WithDefaults()
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", cfg.ClientID)
	form.Set("code", strings.TrimSpace(code))
	form.Set("redirect_uri", cfg.RedirectURI)
	form.Set("code_verifier", strings.TrimSpace(verifier))
	return c.requestToken(ctx, cfg.TokenURL, form)
}

// Refresh exchanges a refresh token for a new access token. Its signature
// matches oauthstore.RefreshFunc once bound to a Config via NewRefreshFunc.
func (c *Client) Refresh(ctx context.Context, cfg Config, refreshToken string) (oauthstore.Token, error) {
	cfg = cfg.WithDefaults()
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", cfg.ClientID)
	form.Set("refresh_token", strings.TrimSpace(refreshToken))
	return c.requestToken(ctx, cfg.TokenURL, form)
}

// NewRefreshFunc binds cfg so the result satisfies oauthstore.RefreshFunc.
// accountID is accepted for interface compatibility but otherwise unused:
// the refresh token itself identifies the account to the upstream.
func (c *Client) NewRefreshFunc(cfg Config) oauthstore.RefreshFunc {
	return func(ctx context.Context, accountID string, refreshToken string) (oauthstore.Token, error) {
		return c.Refresh(ctx, cfg, refreshToken)
	}
}

func (c *Client) requestToken(ctx context.Context, tokenURL string, form url.Values) (oauthstore.Token, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, strings.TrimSpace(tokenURL), strings.NewReader(form.Encode()))
	if err != nil {
		return oauthstore.Token{}, fmt.Errorf("oauthclient: create token request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return oauthstore.Token{}, fmt.Errorf("oauthclient: token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return oauthstore.Token{}, fmt.Errorf("oauthclient: read token response failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return oauthstore.Token{}, fmt.Errorf("oauthclient: token endpoint failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return oauthstore.Token{}, fmt.Errorf("oauthclient: parse token response failed: %w", err)
	}
	if strings.TrimSpace(tr.AccessToken) == "" {
		return oauthstore.Token{}, errors.New("oauthclient: access_token not found in token response")
	}

	now := time.Now()
	tok := oauthstore.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    now.Add(expiresIn(tr.ExpiresIn)),
		CreatedAt:    now,
	}
	if strings.TrimSpace(tr.Scope) != "" {
		tok.Scopes = strings.Fields(tr.Scope)
	}
	return tok, nil
}

// expiresIn coerces the token endpoint's expires_in, which some providers
// send as a JSON number and others as a numeric string, into a duration.
// A missing or unparsable value falls back to one hour.
func expiresIn(v any) time.Duration {
	const fallback = time.Hour
	switch t := v.(type) {
	case float64:
		if t <= 0 {
			return fallback
		}
		return time.Duration(t) * time.Second
	case json.Number:
		n, err := t.Int64()
		if err != nil || n <= 0 {
			return fallback
		}
		return time.Duration(n) * time.Second
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil || n <= 0 {
			return fallback
		}
		return time.Duration(n) * time.Second
	default:
		return fallback
	}
}
