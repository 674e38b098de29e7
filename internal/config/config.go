// Package config loads the YAML configuration document (providers,
// model_routes, settings), applies defaults and environment overrides,
// and exposes the result as an immutable Config value. See Watcher for
// the hot-reload path.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
)

// ProviderEntry is one `providers[]` YAML entry.
type ProviderEntry struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	BaseURL   string `yaml:"base_url"`
	AuthKind  string `yaml:"auth_kind"`
	AuthValue string `yaml:"auth_value"`
	AccountID string `yaml:"account_id"`
	ProxyURL  string `yaml:"proxy_url"`
	Enabled   *bool  `yaml:"enabled"`
}

// RouteCandidateEntry is one `model_routes[].candidates[]` YAML entry.
type RouteCandidateEntry struct {
	Provider  string `yaml:"provider"`
	AccountID string `yaml:"account_id"`
	Model     string `yaml:"model"`
	Priority  int    `yaml:"priority"`
}

// RouteEntry is one `model_routes[]` YAML entry.
type RouteEntry struct {
	Pattern    string                `yaml:"pattern"`
	Candidates []RouteCandidateEntry `yaml:"candidates"`
}

// TimeoutPhase is one `timeouts.{non_streaming,streaming}` block.
type TimeoutPhase struct {
	ConnectTimeoutSeconds float64 `yaml:"connect_timeout"`
	ReadTimeoutSeconds    float64 `yaml:"read_timeout"`
	PoolTimeoutSeconds    float64 `yaml:"pool_timeout"`
}

// TimeoutSettings is the `settings.timeouts` block.
type TimeoutSettings struct {
	NonStreaming TimeoutPhase `yaml:"non_streaming"`
	Streaming    TimeoutPhase `yaml:"streaming"`
	Caching      struct {
		DeduplicationTimeoutSeconds float64 `yaml:"deduplication_timeout"`
	} `yaml:"caching"`
}

// DeduplicationSettings is the `settings.deduplication` block.
type DeduplicationSettings struct {
	Enabled                     *bool   `yaml:"enabled"`
	IncludeMaxTokensInSignature bool    `yaml:"include_max_tokens_in_signature"`
	SSEErrorCleanupDelaySeconds float64 `yaml:"sse_error_cleanup_delay"`
}

// OAuthSettings is the `settings.oauth` block.
type OAuthSettings struct {
	EnablePersistence *bool  `yaml:"enable_persistence"`
	EnableAutoRefresh *bool  `yaml:"enable_auto_refresh"`
	ServiceName       string `yaml:"service_name"`
	Proxy             string `yaml:"proxy"`
	// SecretPassphraseEnv names the environment variable holding the
	// passphrase used to derive the secretstore encryption key. Not part
	// of the documented settings surface; an ambient operational knob.
	SecretPassphraseEnv string `yaml:"secret_passphrase_env"`
}

// TestingSettings is the `settings.testing` block, used by integration
// tests to exercise failover/timeout paths deterministically.
type TestingSettings struct {
	SimulateDelay        bool     `yaml:"simulate_delay"`
	DelaySeconds         float64  `yaml:"delay_seconds"`
	DelayTriggerKeywords []string `yaml:"delay_trigger_keywords"`
}

// SweepSettings is the `settings.sweep` block: cron schedules for the
// periodic maintenance sweeper (internal/sweeper).
type SweepSettings struct {
	HealthCooldownSchedule string `yaml:"health_cooldown_schedule"`
	OAuthRefreshSchedule   string `yaml:"oauth_refresh_schedule"`
}

// Settings is the `settings` top-level block.
type Settings struct {
	SelectionStrategy       string          `yaml:"selection_strategy"`
	StreamingMode           string          `yaml:"streaming_mode"`
	FailureCooldownSeconds  float64         `yaml:"failure_cooldown"`
	UnhealthyThreshold      int             `yaml:"unhealthy_threshold"`
	UnhealthyResetOnSuccess *bool           `yaml:"unhealthy_reset_on_success"`
	UnhealthyResetTimeout   float64         `yaml:"unhealthy_reset_timeout"`
	Timeouts                TimeoutSettings `yaml:"timeouts"`
	Sweep                   SweepSettings   `yaml:"sweep"`

	UnhealthyExceptionPatterns    []string `yaml:"unhealthy_exception_patterns"`
	UnhealthyResponseBodyPatterns []string `yaml:"unhealthy_response_body_patterns"`
	UnhealthyHTTPCodes            []int    `yaml:"unhealthy_http_codes"`

	// Deprecated aliases for the classification triple above, accepted
	// and folded in by applyDeprecatedAliases if present.
	FailoverErrorTypes []string `yaml:"failover_error_types"`
	FailoverHTTPCodes  []int    `yaml:"failover_http_codes"`

	Deduplication DeduplicationSettings `yaml:"deduplication"`
	OAuth         OAuthSettings         `yaml:"oauth"`

	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	LogFilePath string `yaml:"log_file_path"`

	Testing TestingSettings `yaml:"testing"`
}

// Config is the full parsed configuration document.
type Config struct {
	Providers   []ProviderEntry `yaml:"providers"`
	ModelRoutes []RouteEntry    `yaml:"model_routes"`
	Settings    Settings        `yaml:"settings"`
}

// Load reads path, applies defaults and environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	applyDeprecatedAliases(&cfg)
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDeprecatedAliases(cfg *Config) {
	s := &cfg.Settings
	if len(s.UnhealthyExceptionPatterns) == 0 && len(s.FailoverErrorTypes) > 0 {
		s.UnhealthyExceptionPatterns = s.FailoverErrorTypes
	}
	if len(s.UnhealthyHTTPCodes) == 0 && len(s.FailoverHTTPCodes) > 0 {
		s.UnhealthyHTTPCodes = s.FailoverHTTPCodes
	}
}

func applyDefaults(cfg *Config) {
	s := &cfg.Settings
	if strings.TrimSpace(s.SelectionStrategy) == "" {
		s.SelectionStrategy = "priority"
	}
	if strings.TrimSpace(s.StreamingMode) == "" {
		s.StreamingMode = "auto"
	}
	if s.FailureCooldownSeconds <= 0 {
		s.FailureCooldownSeconds = 60
	}
	if s.UnhealthyThreshold <= 0 {
		s.UnhealthyThreshold = 3
	}
	if s.UnhealthyResetOnSuccess == nil {
		v := true
		s.UnhealthyResetOnSuccess = &v
	}
	if s.UnhealthyResetTimeout <= 0 {
		s.UnhealthyResetTimeout = 300
	}
	if s.Timeouts.NonStreaming.ConnectTimeoutSeconds <= 0 {
		s.Timeouts.NonStreaming.ConnectTimeoutSeconds = 10
	}
	if s.Timeouts.NonStreaming.ReadTimeoutSeconds <= 0 {
		s.Timeouts.NonStreaming.ReadTimeoutSeconds = 60
	}
	if s.Timeouts.NonStreaming.PoolTimeoutSeconds <= 0 {
		s.Timeouts.NonStreaming.PoolTimeoutSeconds = 30
	}
	if s.Timeouts.Streaming.ConnectTimeoutSeconds <= 0 {
		s.Timeouts.Streaming.ConnectTimeoutSeconds = 10
	}
	if s.Timeouts.Streaming.ReadTimeoutSeconds <= 0 {
		s.Timeouts.Streaming.ReadTimeoutSeconds = 300
	}
	if s.Timeouts.Streaming.PoolTimeoutSeconds <= 0 {
		s.Timeouts.Streaming.PoolTimeoutSeconds = 30
	}
	if s.Timeouts.Caching.DeduplicationTimeoutSeconds <= 0 {
		s.Timeouts.Caching.DeduplicationTimeoutSeconds = 60
	}
	if len(s.UnhealthyHTTPCodes) == 0 {
		s.UnhealthyHTTPCodes = []int{500, 502, 503, 504, 529}
	}
	if s.Deduplication.Enabled == nil {
		v := true
		s.Deduplication.Enabled = &v
	}
	if s.Deduplication.SSEErrorCleanupDelaySeconds <= 0 {
		s.Deduplication.SSEErrorCleanupDelaySeconds = 3
	}
	if s.OAuth.EnablePersistence == nil {
		v := true
		s.OAuth.EnablePersistence = &v
	}
	if strings.TrimSpace(s.Sweep.HealthCooldownSchedule) == "" {
		s.Sweep.HealthCooldownSchedule = "@every 30s"
	}
	if strings.TrimSpace(s.Sweep.OAuthRefreshSchedule) == "" {
		s.Sweep.OAuthRefreshSchedule = "@every 1m"
	}
	if s.OAuth.EnableAutoRefresh == nil {
		v := true
		s.OAuth.EnableAutoRefresh = &v
	}
	if strings.TrimSpace(s.OAuth.ServiceName) == "" {
		s.OAuth.ServiceName = "claude-code-provider-balancer"
	}
	if strings.TrimSpace(s.OAuth.SecretPassphraseEnv) == "" {
		s.OAuth.SecretPassphraseEnv = "CCPB_SECRET_PASSPHRASE"
	}
	if strings.TrimSpace(s.Host) == "" {
		s.Host = "0.0.0.0"
	}
	if s.Port <= 0 {
		s.Port = 8080
	}
	if strings.TrimSpace(s.LogLevel) == "" {
		s.LogLevel = "info"
	}

	for i := range cfg.Providers {
		if cfg.Providers[i].Enabled == nil {
			v := true
			cfg.Providers[i].Enabled = &v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	s := &cfg.Settings
	if v := strings.TrimSpace(os.Getenv("CCPB_HOST")); v != "" {
		s.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("CCPB_PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Port = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CCPB_LOG_LEVEL")); v != "" {
		s.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("CCPB_LOG_FILE_PATH")); v != "" {
		s.LogFilePath = v
	}
	if v := strings.TrimSpace(os.Getenv("CCPB_SELECTION_STRATEGY")); v != "" {
		s.SelectionStrategy = v
	}
	if v := strings.TrimSpace(os.Getenv("CCPB_STREAMING_MODE")); v != "" {
		s.StreamingMode = v
	}
	s.Deduplication.Enabled = envBoolPtr("CCPB_DEDUPLICATION_ENABLED", s.Deduplication.Enabled)
	s.OAuth.EnableAutoRefresh = envBoolPtr("CCPB_OAUTH_AUTO_REFRESH", s.OAuth.EnableAutoRefresh)
	s.OAuth.EnablePersistence = envBoolPtr("CCPB_OAUTH_PERSISTENCE", s.OAuth.EnablePersistence)
	if v := strings.TrimSpace(os.Getenv("CCPB_OAUTH_PROXY")); v != "" {
		s.OAuth.Proxy = v
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		envKey := "CCPB_PROVIDER_" + envSafe(p.Name) + "_AUTH_VALUE"
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			p.AuthValue = v
		}
	}
}

func envSafe(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func envBoolPtr(name string, def *bool) *bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		b := true
		return &b
	case "0", "false", "no", "n", "off":
		b := false
		return &b
	default:
		return def
	}
}

func validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return errors.New("providers: at least one provider is required")
	}
	seen := map[provider.Identity]bool{}
	for i, p := range cfg.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		switch provider.ProtocolType(p.Type) {
		case provider.ProtocolAnthropic, provider.ProtocolOpenAI:
		default:
			return fmt.Errorf("providers[%d] %q: type must be anthropic or openai, got %q", i, p.Name, p.Type)
		}
		if strings.TrimSpace(p.BaseURL) == "" {
			return fmt.Errorf("providers[%d] %q: base_url is required", i, p.Name)
		}
		switch provider.AuthKind(p.AuthKind) {
		case provider.AuthAPIKey, provider.AuthAuthToken, provider.AuthOAuth:
		default:
			return fmt.Errorf("providers[%d] %q: auth_kind must be api-key, auth-token or oauth, got %q", i, p.Name, p.AuthKind)
		}
		id := provider.Identity{Name: strings.ToLower(strings.TrimSpace(p.Name)), AccountID: p.AccountID}
		if seen[id] {
			return fmt.Errorf("providers[%d] %q: duplicate (name, account_id)", i, p.Name)
		}
		seen[id] = true
	}
	if len(cfg.ModelRoutes) == 0 {
		return errors.New("model_routes: at least one route is required")
	}
	for i, r := range cfg.ModelRoutes {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("model_routes[%d]: pattern is required", i)
		}
		if len(r.Candidates) == 0 {
			return fmt.Errorf("model_routes[%d] %q: at least one candidate is required", i, r.Pattern)
		}
		for j, c := range r.Candidates {
			if strings.TrimSpace(c.Provider) == "" {
				return fmt.Errorf("model_routes[%d].candidates[%d]: provider is required", i, j)
			}
		}
	}
	switch cfg.Settings.SelectionStrategy {
	case "priority", "round_robin", "random":
	default:
		return fmt.Errorf("settings.selection_strategy must be priority, round_robin or random, got %q", cfg.Settings.SelectionStrategy)
	}
	switch cfg.Settings.StreamingMode {
	case "auto", "direct", "background":
	default:
		return fmt.Errorf("settings.streaming_mode must be auto, direct or background, got %q", cfg.Settings.StreamingMode)
	}
	return nil
}

// BuildProviders converts the YAML entries into provider.Provider values.
func (cfg *Config) BuildProviders() []provider.Provider {
	out := make([]provider.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		enabled := true
		if p.Enabled != nil {
			enabled = *p.Enabled
		}
		out = append(out, provider.Provider{
			Name:      p.Name,
			Type:      provider.ProtocolType(p.Type),
			BaseURL:   p.BaseURL,
			AuthKind:  provider.AuthKind(p.AuthKind),
			AuthValue: p.AuthValue,
			AccountID: p.AccountID,
			ProxyURL:  p.ProxyURL,
			Enabled:   enabled,
		})
	}
	return out
}

// BuildRoutes converts the YAML entries into provider.Route values.
func (cfg *Config) BuildRoutes() []provider.Route {
	out := make([]provider.Route, 0, len(cfg.ModelRoutes))
	for _, r := range cfg.ModelRoutes {
		candidates := make([]provider.Candidate, 0, len(r.Candidates))
		for _, c := range r.Candidates {
			candidates = append(candidates, provider.Candidate{
				ProviderName: c.Provider,
				AccountID:    c.AccountID,
				Model:        c.Model,
				Priority:     c.Priority,
			})
		}
		out = append(out, provider.Route{Pattern: r.Pattern, Candidates: candidates})
	}
	return out
}

// HealthSettings converts the YAML settings into health.Settings shape
// values (durations materialized from the float-seconds YAML fields).
func (cfg *Config) HealthSettings() (cooldown, resetTimeout time.Duration, threshold int, resetOnSuccess bool) {
	s := cfg.Settings
	resetOnSuccess = true
	if s.UnhealthyResetOnSuccess != nil {
		resetOnSuccess = *s.UnhealthyResetOnSuccess
	}
	return secondsToDuration(s.FailureCooldownSeconds), secondsToDuration(s.UnhealthyResetTimeout), s.UnhealthyThreshold, resetOnSuccess
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
