package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/dedup"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/health"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthstore"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/routeresolve"
)

func testSettings() Settings {
	phase := TimeoutPhase{Connect: 2 * time.Second, Read: 2 * time.Second, Pool: 2 * time.Second}
	return Settings{
		StreamingMode:        "auto",
		DeduplicationEnabled: true,
		DeduplicationTimeout: 2 * time.Second,
		EnableAutoRefresh:    true,
		NonStreaming:         phase,
		Streaming:            phase,
	}
}

func newTestDispatcher(t *testing.T, providers []provider.Provider, routes []provider.Route, store *oauthstore.Store, classifier *Classifier) *Dispatcher {
	t.Helper()
	registry := provider.NewRegistry(providers, routes)
	tracker := health.NewTracker(health.Settings{FailureCooldown: time.Minute, UnhealthyThreshold: 10})
	resolver := routeresolve.New(registry, tracker, routeresolve.StrategyPriority)
	dd := dedup.New(0)
	if store == nil {
		var err error
		store, err = oauthstore.New(nil)
		if err != nil {
			t.Fatalf("oauthstore.New: %v", err)
		}
	}
	if classifier == nil {
		classifier = NewClassifier(nil, []int{502, 503, 529}, nil)
	}
	return New(resolver, tracker, dd, store, nil, testSettings(), classifier)
}

func readAll(t *testing.T, sub interface {
	Next(ctx context.Context) ([]byte, bool, error)
}, timeout time.Duration) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var out []byte
	for {
		chunk, ok, err := sub.Next(ctx)
		if len(chunk) > 0 {
			out = append(out, chunk...)
		}
		if !ok {
			return out, err
		}
	}
}

func TestDispatchSingleProviderSuccessDirectMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"type":"message","id":"msg_1"}`))
	}))
	defer srv.Close()

	p := provider.Provider{Name: "primary", Type: provider.ProtocolAnthropic, BaseURL: srv.URL, AuthKind: provider.AuthAPIKey, AuthValue: "sk-test", Enabled: true}
	routes := []provider.Route{{Pattern: "claude-sonnet", Candidates: []provider.Candidate{{ProviderName: "primary", Model: provider.Passthrough, Priority: 0}}}}

	d := newTestDispatcher(t, []provider.Provider{p}, routes, nil, nil)

	body := []byte(`{"model":"claude-sonnet","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	b, isLeader, err := d.Dispatch(context.Background(), body, http.Header{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !isLeader {
		t.Fatalf("expected to be the leader for a fresh fingerprint")
	}

	sub := b.Subscribe()
	out, err := readAll(t, sub, 2*time.Second)
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	if string(out) != `{"type":"message","id":"msg_1"}` {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDispatchFailsOverToSecondCandidateOn502(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"type":"error"}`))
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"type":"message","id":"msg_2"}`))
	}))
	defer healthy.Close()

	primary := provider.Provider{Name: "primary", Type: provider.ProtocolAnthropic, BaseURL: failing.URL, AuthKind: provider.AuthAPIKey, AuthValue: "sk-1", Enabled: true}
	backup := provider.Provider{Name: "backup", Type: provider.ProtocolAnthropic, BaseURL: healthy.URL, AuthKind: provider.AuthAPIKey, AuthValue: "sk-2", Enabled: true}
	routes := []provider.Route{{Pattern: "claude-sonnet", Candidates: []provider.Candidate{
		{ProviderName: "primary", Model: provider.Passthrough, Priority: 0},
		{ProviderName: "backup", Model: provider.Passthrough, Priority: 1},
	}}}

	d := newTestDispatcher(t, []provider.Provider{primary, backup}, routes, nil, nil)

	body := []byte(`{"model":"claude-sonnet","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	b, _, err := d.Dispatch(context.Background(), body, http.Header{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	out, err := readAll(t, b.Subscribe(), 2*time.Second)
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	if string(out) != `{"type":"message","id":"msg_2"}` {
		t.Fatalf("expected failover to backup provider, got %q", out)
	}
}

func TestDispatchReturnsAllProvidersFailedWhenEveryCandidateFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"type":"error"}`))
	}))
	defer srv.Close()

	p := provider.Provider{Name: "primary", Type: provider.ProtocolAnthropic, BaseURL: srv.URL, AuthKind: provider.AuthAPIKey, AuthValue: "sk-1", Enabled: true}
	routes := []provider.Route{{Pattern: "claude-sonnet", Candidates: []provider.Candidate{{ProviderName: "primary", Model: provider.Passthrough, Priority: 0}}}}

	d := newTestDispatcher(t, []provider.Provider{p}, routes, nil, nil)

	body := []byte(`{"model":"claude-sonnet","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	b, _, err := d.Dispatch(context.Background(), body, http.Header{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	_, err = readAll(t, b.Subscribe(), 2*time.Second)
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("expected all_providers_failed, got %v", err)
	}
}

func TestDispatchReturnsAuthRequiredWhenOnlyCandidateHasNoToken(t *testing.T) {
	p := provider.Provider{Name: "claude-oauth", Type: provider.ProtocolAnthropic, BaseURL: "https://unused.invalid", AuthKind: provider.AuthOAuth, AccountID: "user@example.com", Enabled: true}
	routes := []provider.Route{{Pattern: "claude-sonnet", Candidates: []provider.Candidate{{ProviderName: "claude-oauth", AccountID: "user@example.com", Model: provider.Passthrough, Priority: 0}}}}

	d := newTestDispatcher(t, []provider.Provider{p}, routes, nil, nil)

	body := []byte(`{"model":"claude-sonnet","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	b, _, err := d.Dispatch(context.Background(), body, http.Header{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	_, err = readAll(t, b.Subscribe(), 2*time.Second)
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected auth_required, got %v", err)
	}
	var authErr *AuthRequiredError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthRequiredError in chain, got %T", err)
	}
	if authErr.AccountID != "user@example.com" {
		t.Fatalf("expected account id in error, got %q", authErr.AccountID)
	}
}

func TestDispatchDeduplicatesConcurrentIdenticalRequests(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"type":"message","id":"msg_dedup"}`))
	}))
	defer srv.Close()

	p := provider.Provider{Name: "primary", Type: provider.ProtocolAnthropic, BaseURL: srv.URL, AuthKind: provider.AuthAPIKey, AuthValue: "sk-1", Enabled: true}
	routes := []provider.Route{{Pattern: "claude-sonnet", Candidates: []provider.Candidate{{ProviderName: "primary", Model: provider.Passthrough, Priority: 0}}}}
	d := newTestDispatcher(t, []provider.Provider{p}, routes, nil, nil)

	body := []byte(`{"model":"claude-sonnet","stream":false,"messages":[{"role":"user","content":"dedup me"}]}`)

	b1, isLeader1, err := d.Dispatch(context.Background(), body, http.Header{})
	if err != nil {
		t.Fatalf("Dispatch 1: %v", err)
	}
	b2, isLeader2, err := d.Dispatch(context.Background(), body, http.Header{})
	if err != nil {
		t.Fatalf("Dispatch 2: %v", err)
	}

	if isLeader1 == isLeader2 {
		t.Fatalf("expected exactly one leader, got %v and %v", isLeader1, isLeader2)
	}
	if b1.ID != b2.ID {
		t.Fatalf("expected both callers to join the same broadcaster, got %s and %s", b1.ID, b2.ID)
	}

	close(release)
	out1, err1 := readAll(t, b1.Subscribe(), 2*time.Second)
	out2, err2 := readAll(t, b2.Subscribe(), 2*time.Second)
	if err1 != nil || err2 != nil {
		t.Fatalf("readAll errors: %v, %v", err1, err2)
	}
	if string(out1) != string(out2) {
		t.Fatalf("expected both subscribers to see identical output, got %q and %q", out1, out2)
	}
}

func TestDispatchRotatesAcrossMultipleAccountsForSameProviderName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"type":"message"}`))
	}))
	defer srv.Close()

	accountA := provider.Provider{Name: "claude-oauth", Type: provider.ProtocolAnthropic, BaseURL: srv.URL, AuthKind: provider.AuthOAuth, AccountID: "a@example.com", Enabled: true}
	accountB := provider.Provider{Name: "claude-oauth", Type: provider.ProtocolAnthropic, BaseURL: srv.URL, AuthKind: provider.AuthOAuth, AccountID: "b@example.com", Enabled: true}
	routes := []provider.Route{{Pattern: "claude-sonnet", Candidates: []provider.Candidate{{ProviderName: "claude-oauth", Model: provider.Passthrough, Priority: 0}}}}

	store, err := oauthstore.New(nil)
	if err != nil {
		t.Fatalf("oauthstore.New: %v", err)
	}
	validTok := oauthstore.Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.Put("a@example.com", validTok); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := store.Put("b@example.com", validTok); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	d := newTestDispatcher(t, []provider.Provider{accountA, accountB}, routes, store, nil)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		body := []byte(`{"model":"claude-sonnet","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
		b, _, err := d.Dispatch(context.Background(), body, http.Header{})
		if err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
		if _, err := readAll(t, b.Subscribe(), 2*time.Second); err != nil {
			t.Fatalf("readAll %d: %v", i, err)
		}
	}
	for _, id := range []string{"a@example.com", "b@example.com"} {
		tok, _ := store.Get(id)
		if tok.UsageCount >= 1 {
			seen[id] = true
		}
	}
	if len(seen) != 2 {
		t.Fatalf("expected both accounts to have been used across two rotated requests, got %v", seen)
	}
}

func TestDispatchReturnsNoRouteForUnmatchedModel(t *testing.T) {
	routes := []provider.Route{{Pattern: "claude-sonnet", Candidates: []provider.Candidate{{ProviderName: "primary", Model: provider.Passthrough, Priority: 0}}}}
	d := newTestDispatcher(t, nil, routes, nil, nil)

	body := []byte(`{"model":"some-unknown-model","stream":false,"messages":[]}`)
	_, _, err := d.Dispatch(context.Background(), body, http.Header{})
	if !errors.Is(err, routeresolve.ErrNoRoute) {
		t.Fatalf("expected no_route, got %v", err)
	}
}
