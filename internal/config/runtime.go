package config

import (
	"fmt"
	"sync"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/dedup"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/health"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/routeresolve"
)

// Runtime wires a loaded Config into the live components that need to
// react to it: the provider registry, health tracker, route resolver
// and deduplication table. Reload re-reads the file and atomically
// swaps every dependent component's settings; in-flight requests that
// already captured a provider.Registry snapshot or a Config pointer
// via Current are unaffected.
type Runtime struct {
	path string

	Registry *provider.Registry
	Health   *health.Tracker
	Resolver *routeresolve.Resolver
	Dedup    *dedup.Table

	mu  sync.RWMutex
	cfg *Config
}

// LoadRuntime loads path and builds a Runtime from it.
func LoadRuntime(path string) (*Runtime, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	cooldown, resetTimeout, threshold, resetOnSuccess := cfg.HealthSettings()
	healthTracker := health.NewTracker(health.Settings{
		FailureCooldown:         cooldown,
		UnhealthyThreshold:      threshold,
		UnhealthyResetOnSuccess: resetOnSuccess,
		UnhealthyResetTimeout:   resetTimeout,
	})
	registry := provider.NewRegistry(cfg.BuildProviders(), cfg.BuildRoutes())
	resolver := routeresolve.New(registry, healthTracker, routeresolve.Strategy(cfg.Settings.SelectionStrategy))
	dedupTable := dedup.New(secondsToDuration(cfg.Settings.Deduplication.SSEErrorCleanupDelaySeconds))

	return &Runtime{
		path:     path,
		Registry: registry,
		Health:   healthTracker,
		Resolver: resolver,
		Dedup:    dedupTable,
		cfg:      cfg,
	}, nil
}

// Current returns the Config snapshot in effect right now. Callers
// should fetch a fresh reference at the start of each request rather
// than holding onto one across a reload.
func (rt *Runtime) Current() *Config {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.cfg
}

// Reload re-reads the config file and atomically swaps every dependent
// component. A failed reload leaves the running system untouched.
func (rt *Runtime) Reload() error {
	cfg, err := Load(rt.path)
	if err != nil {
		return fmt.Errorf("reload config %q: %w", rt.path, err)
	}

	cooldown, resetTimeout, threshold, resetOnSuccess := cfg.HealthSettings()
	rt.Health.SetSettings(health.Settings{
		FailureCooldown:         cooldown,
		UnhealthyThreshold:      threshold,
		UnhealthyResetOnSuccess: resetOnSuccess,
		UnhealthyResetTimeout:   resetTimeout,
	})
	rt.Registry.Replace(cfg.BuildProviders(), cfg.BuildRoutes())
	rt.Resolver.SetStrategy(routeresolve.Strategy(cfg.Settings.SelectionStrategy))
	rt.Dedup.SetSSEErrorCleanupDelay(secondsToDuration(cfg.Settings.Deduplication.SSEErrorCleanupDelaySeconds))

	rt.mu.Lock()
	rt.cfg = cfg
	rt.mu.Unlock()
	return nil
}
