package config

import (
	"os"
	"testing"
	"time"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
)

func TestLoadRuntimeResolvesCandidate(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	rt, err := LoadRuntime(path)
	if err != nil {
		t.Fatalf("unexpected err=%v", err)
	}
	candidates, err := rt.Resolver.Resolve("claude-3-5-sonnet-latest")
	if err != nil {
		t.Fatalf("unexpected err=%v", err)
	}
	if len(candidates) != 1 || candidates[0].Provider.Name != "p1" {
		t.Fatalf("got candidates=%v", candidates)
	}
}

func TestRuntimeReloadPicksUpNewProvider(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	rt, err := LoadRuntime(path)
	if err != nil {
		t.Fatalf("unexpected err=%v", err)
	}

	updated := `
providers:
  - name: p1
    type: anthropic
    base_url: https://api.anthropic.com
    auth_kind: api-key
    auth_value: sk-test
  - name: p2
    type: openai
    base_url: https://api.openai.com
    auth_kind: api-key
    auth_value: sk-test2
model_routes:
  - pattern: "*sonnet*"
    candidates:
      - provider: p1
        model: passthrough
        priority: 1
      - provider: p2
        model: gpt-4o
        priority: 2
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write updated config: %v", err)
	}
	if err := rt.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	candidates, err := rt.Resolver.Resolve("claude-3-5-sonnet-latest")
	if err != nil {
		t.Fatalf("unexpected err=%v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates after reload, got %d", len(candidates))
	}
}

func TestRuntimeReloadFailureLeavesOldConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	rt, err := LoadRuntime(path)
	if err != nil {
		t.Fatalf("unexpected err=%v", err)
	}
	before := rt.Current()

	if err := os.WriteFile(path, []byte("not: [valid"), 0o600); err != nil {
		t.Fatalf("write broken config: %v", err)
	}
	if err := rt.Reload(); err == nil {
		t.Fatal("expected reload to fail on invalid YAML")
	}
	if rt.Current() != before {
		t.Fatal("expected Current() to keep pointing at the pre-reload config")
	}
}

func TestRuntimeReloadUpdatesHealthThreshold(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	rt, err := LoadRuntime(path)
	if err != nil {
		t.Fatalf("unexpected err=%v", err)
	}
	id := provider.Identity{Name: "p1"}
	rt.Health.RecordFailure(id, time.Now())
	if !rt.Health.Eligible(id) {
		t.Fatal("expected provider to stay eligible below default threshold of 3")
	}

	lowThreshold := minimalConfig + "settings:\n  unhealthy_threshold: 1\n"
	if err := os.WriteFile(path, []byte(lowThreshold), 0o600); err != nil {
		t.Fatalf("write updated config: %v", err)
	}
	if err := rt.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	rt.Health.RecordFailure(id, time.Now())
	if rt.Health.Eligible(id) {
		t.Fatal("expected provider to become ineligible once threshold drops to 1")
	}
}
