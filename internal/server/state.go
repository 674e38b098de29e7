// Package server exposes the client-facing HTTP surface: POST /v1/messages,
// GET /providers, the /oauth/* management endpoints, GET /metrics and
// GET /healthz, plus the bootstrap that wires every other package into a
// running process.
package server

import (
	"sync"
	"time"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/config"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/dedup"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/dispatcher"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/health"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/metrics"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthclient"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthstore"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/routeresolve"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/sweeper"
)

// State is the long-lived, request-reachable collection of components a
// running server wires together. Registry, Health, Resolver and Dedup are
// owned by Runtime, which already knows how to reload itself from disk;
// State layers the request-handling concerns on top: the dispatcher (whose
// settings Runtime doesn't know about), metrics, the sweeper, and the
// in-memory OAuth authorization session table. Reload delegates the
// components Runtime owns to Runtime.Reload and handles the rest itself,
// so in-flight requests never observe a half-updated world either way.
type State struct {
	Runtime     *config.Runtime
	OAuth       *oauthstore.Store
	Dispatcher  *dispatcher.Dispatcher
	Metrics     *metrics.Collector
	Sweeper     *sweeper.Sweeper
	OAuthCfg    oauthclient.Config
	OAuthClient *oauthclient.Client

	startedAt time.Time

	mu           sync.RWMutex
	sessions     map[string]oauthSession // state token -> pending authorization
	dedupTimeout time.Duration
}

// Registry, Health, Resolver and Dedup forward to the components Runtime
// owns, so handlers can write state.Registry().Snapshot() etc.
// without caring that Runtime is what actually reloads them.
func (s *State) Registry() *provider.Registry    { return s.Runtime.Registry }
func (s *State) Health() *health.Tracker         { return s.Runtime.Health }
func (s *State) Resolver() *routeresolve.Resolver { return s.Runtime.Resolver }
func (s *State) Dedup() *dedup.Table             { return s.Runtime.Dedup }

// oauthSession is a pending GET /oauth/generate-url flow awaiting its
// POST /oauth/exchange-code callback.
type oauthSession struct {
	verifier  string
	createdAt time.Time
}

const oauthSessionTTL = 10 * time.Minute

// NewState builds a State on top of an already-loaded Runtime. The
// dispatcher is expected to already hold references to rt's Resolver,
// Health tracker and Dedup table (the dispatcher wires those to each
// other at construction), so NewState only adds the request-handling
// concerns layered on top: metrics, the sweeper, and the in-memory OAuth
// authorization session table.
func NewState(rt *config.Runtime, store *oauthstore.Store, disp *dispatcher.Dispatcher, coll *metrics.Collector, sw *sweeper.Sweeper, oauthCfg oauthclient.Config, oauthClient *oauthclient.Client) *State {
	s := &State{
		Runtime:     rt,
		OAuth:       store,
		Dispatcher:  disp,
		Metrics:     coll,
		Sweeper:     sw,
		OAuthCfg:    oauthCfg,
		OAuthClient: oauthClient,
		startedAt:   time.Now(),
		sessions:    map[string]oauthSession{},
	}
	s.applyDispatcherSettings(rt.Current())
	return s
}

// StartedAt is the process start time, for diagnostic endpoints.
func (s *State) StartedAt() time.Time { return s.startedAt }

// DedupTimeout returns how long a duplicate request's subscriber waits for
// the leader before giving up with deduplication_timeout. The leader
// itself is never subject to this bound — its wait is governed by the
// upstream call's own connect/read timeouts.
func (s *State) DedupTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dedupTimeout
}

// BeginOAuthSession records a fresh PKCE verifier under its state token,
// for GET /oauth/generate-url.
func (s *State) BeginOAuthSession(state, verifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcSessionsLocked()
	s.sessions[state] = oauthSession{verifier: verifier, createdAt: time.Now()}
}

// TakeOAuthSession consumes the verifier registered for state, if any and
// not expired. A session is one-shot: a second call for the same state
// token returns ok=false.
func (s *State) TakeOAuthSession(state string) (verifier string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, found := s.sessions[state]
	if !found {
		return "", false
	}
	delete(s.sessions, state)
	if time.Since(sess.createdAt) > oauthSessionTTL {
		return "", false
	}
	return sess.verifier, true
}

func (s *State) gcSessionsLocked() {
	now := time.Now()
	for k, v := range s.sessions {
		if now.Sub(v.createdAt) > oauthSessionTTL {
			delete(s.sessions, k)
		}
	}
}

// Reload re-reads the config file through Runtime, which atomically
// swaps the registry, health tracker, resolver and dedup table settings
// in place, then applies whatever Runtime doesn't know about: the
// dispatcher's own settings and classifier, and the cached dedup timeout
// the /v1/messages handler bounds a follower's wait by. A failed reload
// leaves every component, including the dispatcher, untouched.
func (s *State) Reload() error {
	if err := s.Runtime.Reload(); err != nil {
		return err
	}
	s.applyDispatcherSettings(s.Runtime.Current())
	return nil
}

func (s *State) applyDispatcherSettings(cfg *config.Config) {
	s.mu.Lock()
	s.dedupTimeout = secondsToDuration(cfg.Settings.Timeouts.Caching.DeduplicationTimeoutSeconds)
	s.mu.Unlock()

	enableAutoRefresh := true
	if cfg.Settings.OAuth.EnableAutoRefresh != nil {
		enableAutoRefresh = *cfg.Settings.OAuth.EnableAutoRefresh
	}
	dedupEnabled := true
	if cfg.Settings.Deduplication.Enabled != nil {
		dedupEnabled = *cfg.Settings.Deduplication.Enabled
	}
	s.Dispatcher.SetSettings(dispatcher.Settings{
		StreamingMode:               cfg.Settings.StreamingMode,
		DeduplicationEnabled:        dedupEnabled,
		DeduplicationTimeout:        secondsToDuration(cfg.Settings.Timeouts.Caching.DeduplicationTimeoutSeconds),
		IncludeMaxTokensInSignature: cfg.Settings.Deduplication.IncludeMaxTokensInSignature,
		EnableAutoRefresh:           enableAutoRefresh,
		NonStreaming: dispatcher.TimeoutPhase{
			Connect: secondsToDuration(cfg.Settings.Timeouts.NonStreaming.ConnectTimeoutSeconds),
			Read:    secondsToDuration(cfg.Settings.Timeouts.NonStreaming.ReadTimeoutSeconds),
			Pool:    secondsToDuration(cfg.Settings.Timeouts.NonStreaming.PoolTimeoutSeconds),
		},
		Streaming: dispatcher.TimeoutPhase{
			Connect: secondsToDuration(cfg.Settings.Timeouts.Streaming.ConnectTimeoutSeconds),
			Read:    secondsToDuration(cfg.Settings.Timeouts.Streaming.ReadTimeoutSeconds),
			Pool:    secondsToDuration(cfg.Settings.Timeouts.Streaming.PoolTimeoutSeconds),
		},
		Testing: dispatcher.TestingSettings{
			SimulateDelay:        cfg.Settings.Testing.SimulateDelay,
			DelaySeconds:         secondsToDuration(cfg.Settings.Testing.DelaySeconds),
			DelayTriggerKeywords: cfg.Settings.Testing.DelayTriggerKeywords,
		},
	})

	s.Dispatcher.SetClassifier(dispatcher.NewClassifier(
		cfg.Settings.UnhealthyExceptionPatterns,
		cfg.Settings.UnhealthyHTTPCodes,
		cfg.Settings.UnhealthyResponseBodyPatterns,
	))
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
