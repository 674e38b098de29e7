// Package routeresolve maps an inbound model name to an ordered, health
// filtered list of candidate (provider, upstream-model) pairs.
package routeresolve

import (
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/health"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
)

// ErrNoRoute is returned when no configured route pattern matches the
// requested model.
var ErrNoRoute = errors.New("no_route")

// Strategy selects how equal-priority candidates within a route are ordered.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
)

// ResolvedCandidate is one selectable (provider, upstream-model) pair.
type ResolvedCandidate struct {
	Provider      provider.Provider
	UpstreamModel string
	// RequestedAccountID is the account identifier named by the route
	// candidate itself, before resolution fell back to any matching
	// entry. Empty means the route left the account unconstrained,
	// which is the signal the OAuth credential store uses to rotate
	// across every account configured for this provider name.
	RequestedAccountID string
}

// Resolver ties a provider.Registry and a health.Tracker together to
// produce ordered candidate lists, honoring the configured selection
// strategy.
type Resolver struct {
	registry *provider.Registry
	health   *health.Tracker

	strategyMu sync.RWMutex
	strategy   Strategy

	cursorMu sync.Mutex
	cursors  map[string]int // per-route round-robin cursor, keyed by route pattern
}

// New builds a Resolver.
func New(registry *provider.Registry, tracker *health.Tracker, strategy Strategy) *Resolver {
	if strategy == "" {
		strategy = StrategyPriority
	}
	return &Resolver{
		registry: registry,
		health:   tracker,
		strategy: strategy,
		cursors:  map[string]int{},
	}
}

// Registry returns the backing provider.Registry, so callers needing
// lookups beyond Resolve (e.g. the dispatcher's OAuth account rotation)
// don't need a second reference threaded through separately.
func (r *Resolver) Registry() *provider.Registry {
	return r.registry
}

// SetStrategy atomically swaps the selection strategy, for config hot-reload.
func (r *Resolver) SetStrategy(s Strategy) {
	r.strategyMu.Lock()
	r.strategy = s
	r.strategyMu.Unlock()
}

func (r *Resolver) getStrategy() Strategy {
	r.strategyMu.RLock()
	defer r.strategyMu.RUnlock()
	return r.strategy
}

// Resolve returns the ordered, filtered candidate list for a client model
// string, or ErrNoRoute if nothing matches.
func (r *Resolver) Resolve(clientModel string) ([]ResolvedCandidate, error) {
	route, ok := r.registry.MatchRoute(clientModel)
	if !ok {
		return nil, ErrNoRoute
	}

	candidates := make([]provider.Candidate, len(route.Candidates))
	copy(candidates, route.Candidates)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	ordered := r.applyStrategy(route.Pattern, candidates)

	out := make([]ResolvedCandidate, 0, len(ordered))
	for _, c := range ordered {
		p, ok := r.registry.ResolveProvider(c.ProviderName, c.AccountID)
		if !ok || !p.Enabled {
			continue
		}
		if !r.health.Eligible(p.Identity()) {
			continue
		}
		model := c.Model
		if strings.EqualFold(strings.TrimSpace(model), provider.Passthrough) {
			model = clientModel
		}
		out = append(out, ResolvedCandidate{Provider: p, UpstreamModel: model, RequestedAccountID: c.AccountID})
	}
	return out, nil
}

func (r *Resolver) applyStrategy(routeKey string, candidates []provider.Candidate) []provider.Candidate {
	switch r.getStrategy() {
	case StrategyRoundRobin:
		return rotateEqualPriorityGroups(routeKey, candidates, r.nextCursor)
	case StrategyRandom:
		return shuffleEqualPriorityGroups(candidates)
	default:
		return candidates
	}
}

func (r *Resolver) nextCursor(key string, n int) int {
	if n <= 0 {
		return 0
	}
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	i := r.cursors[key] % n
	r.cursors[key] = (i + 1) % n
	return i
}

// rotateEqualPriorityGroups rotates the start position within each
// contiguous equal-priority group of an already priority-sorted slice,
// using a monotonically advancing cursor per route.
func rotateEqualPriorityGroups(routeKey string, sorted []provider.Candidate, next func(string, int) int) []provider.Candidate {
	out := make([]provider.Candidate, 0, len(sorted))
	i := 0
	for i < len(sorted) {
		j := i + 1
		for j < len(sorted) && sorted[j].Priority == sorted[i].Priority {
			j++
		}
		group := sorted[i:j]
		if len(group) > 1 {
			start := next(routeKey, len(group))
			rotated := make([]provider.Candidate, len(group))
			for k := range group {
				rotated[k] = group[(start+k)%len(group)]
			}
			out = append(out, rotated...)
		} else {
			out = append(out, group...)
		}
		i = j
	}
	return out
}

func shuffleEqualPriorityGroups(sorted []provider.Candidate) []provider.Candidate {
	out := make([]provider.Candidate, len(sorted))
	copy(out, sorted)
	i := 0
	for i < len(out) {
		j := i + 1
		for j < len(out) && out[j].Priority == out[i].Priority {
			j++
		}
		rand.Shuffle(j-i, func(a, b int) {
			out[i+a], out[i+b] = out[i+b], out[i+a]
		})
		i = j
	}
	return out
}
