package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrAllProvidersFailed is returned when every candidate for a route was
// tried (or skipped for cause) and none produced a usable response.
var ErrAllProvidersFailed = errors.New("all_providers_failed")

// ErrAuthRequired is the sentinel wrapped by AuthRequiredError, so callers
// can test for it with errors.Is without reaching into the concrete type.
var ErrAuthRequired = errors.New("auth_required")

// ErrDeduplicationTimeout is returned to a duplicate-request subscriber
// whose wait passed settings.deduplication_timeout before the leader's
// response completed, whether or not any chunk had been published yet.
var ErrDeduplicationTimeout = errors.New("deduplication_timeout")

// UpstreamError carries a received-but-non-retryable upstream response
// through to the client verbatim.
type UpstreamError struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status=%d", e.StatusCode)
}

// AuthRequiredError names the provider account an OAuth candidate could not
// acquire a usable token for.
type AuthRequiredError struct {
	ProviderName string
	AccountID    string
	Cause        error
}

func (e *AuthRequiredError) Error() string {
	if e.AccountID != "" {
		return fmt.Sprintf("auth_required: provider %q account %q: %v", e.ProviderName, e.AccountID, e.Cause)
	}
	return fmt.Sprintf("auth_required: provider %q: %v", e.ProviderName, e.Cause)
}

func (e *AuthRequiredError) Unwrap() error { return e.Cause }

// Is reports whether target is the auth_required sentinel.
func (e *AuthRequiredError) Is(target error) bool { return target == ErrAuthRequired }

// AuthRequiredInstructions renders the operator-facing authorization
// instructions for an account that needs the browser OAuth flow run
// against it, for inclusion in the auth_required error body.
func AuthRequiredInstructions(providerName, accountID string) string {
	var b strings.Builder
	b.WriteString("AUTHENTICATION REQUIRED - OAUTH LOGIN NEEDED\n\n")
	fmt.Fprintf(&b, "Provider: %s\n", providerName)
	if accountID != "" {
		fmt.Fprintf(&b, "Account: %s\n", accountID)
	}
	b.WriteString("\nTo continue using this balancer:\n")
	b.WriteString("  1. Call GET /oauth/generate-url and open the returned authorize_url in a browser, signing in with the account above.\n")
	b.WriteString("  2. Grant permission to the application.\n")
	b.WriteString("  3. Copy the code shown after approval and POST it, with account_email, to /oauth/exchange-code; the token is saved once that call succeeds.\n")
	b.WriteString("  4. Retry the original request.\n")
	return b.String()
}

// wrapSubscriberWaitError maps a duplicate-request subscriber's
// Subscription.Next error to the deduplication_timeout sentinel when the
// wait was cut short by the caller's own deadline rather than by the
// broadcaster closing.
func wrapSubscriberWaitError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrDeduplicationTimeout
	}
	return err
}
