package server

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/config"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/dispatcher"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/metrics"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthclient"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthstore"
)

const testConfigBody = `
providers:
  - name: p1
    type: anthropic
    base_url: https://api.anthropic.com
    auth_kind: api-key
    auth_value: sk-test
model_routes:
  - pattern: "*sonnet*"
    candidates:
      - provider: p1
        model: passthrough
        priority: 1
`

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// newTestState builds a State wired entirely in memory: no OAuth
// persistence, no sweeper goroutine started, a no-op refresh function.
func newTestState(t *testing.T) *State {
	t.Helper()
	path := writeTestConfig(t, testConfigBody)
	rt, err := config.LoadRuntime(path)
	if err != nil {
		t.Fatalf("load runtime: %v", err)
	}

	store, err := oauthstore.New(nil)
	if err != nil {
		t.Fatalf("new oauthstore: %v", err)
	}

	disp := dispatcher.New(rt.Resolver, rt.Health, rt.Dedup, store, nil, dispatcher.Settings{}, dispatcher.NewClassifier(nil, nil, nil))
	collector := metrics.NewCollector("ccpb_test", "server")
	oauthCfg := oauthclient.Config{}.WithDefaults()
	oauthClient, err := oauthclient.New("")
	if err != nil {
		t.Fatalf("new oauth client: %v", err)
	}

	return NewState(rt, store, disp, collector, nil, oauthCfg, oauthClient)
}

// newTestStateWithUpstream is newTestState but the sole provider's
// base_url points at upstreamURL, for handler tests that exercise a real
// round trip through the dispatcher to a fake upstream.
func newTestStateWithUpstream(t *testing.T, upstreamURL string) *State {
	t.Helper()
	body := fmt.Sprintf(`
providers:
  - name: p1
    type: anthropic
    base_url: %s
    auth_kind: api-key
    auth_value: sk-test
model_routes:
  - pattern: "*sonnet*"
    candidates:
      - provider: p1
        model: passthrough
        priority: 1
settings:
  timeouts:
    non_streaming:
      connect_timeout: 2
      read_timeout: 2
      pool_timeout: 2
    streaming:
      connect_timeout: 2
      read_timeout: 2
      pool_timeout: 2
`, upstreamURL)

	path := writeTestConfig(t, body)
	rt, err := config.LoadRuntime(path)
	if err != nil {
		t.Fatalf("load runtime: %v", err)
	}

	store, err := oauthstore.New(nil)
	if err != nil {
		t.Fatalf("new oauthstore: %v", err)
	}

	disp := dispatcher.New(rt.Resolver, rt.Health, rt.Dedup, store, nil, dispatcher.Settings{}, dispatcher.NewClassifier(nil, nil, nil))
	collector := metrics.NewCollector("ccpb_test", "server")
	oauthCfg := oauthclient.Config{}.WithDefaults()
	oauthClient, err := oauthclient.New("")
	if err != nil {
		t.Fatalf("new oauth client: %v", err)
	}

	return NewState(rt, store, disp, collector, nil, oauthCfg, oauthClient)
}
