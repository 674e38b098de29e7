package provider

import (
	"sort"
	"strings"
	"sync"
)

// Registry holds the currently-active set of providers and routes as an
// atomically-swapped snapshot, so in-flight requests keep seeing the
// snapshot they started with even if a reload races them.
type Registry struct {
	mu   sync.RWMutex
	snap *snapshot
}

type snapshot struct {
	// byName maps lowercased provider name -> entries sharing that name
	// (one per distinct account identifier, plus at most one with no
	// account identifier).
	byName map[string][]Provider
	routes []Route
	// exactRoutes indexes non-glob routes by exact pattern for O(1) lookup.
	exactRoutes map[string]Route
}

// NewRegistry builds a Registry from a provider list and route list.
func NewRegistry(providers []Provider, routes []Route) *Registry {
	r := &Registry{}
	r.Replace(providers, routes)
	return r
}

// Replace atomically swaps in a new provider/route set. Existing snapshots
// held by in-flight requests are unaffected (the old snapshot is immutable
// and simply dereferenced, never mutated).
func (r *Registry) Replace(providers []Provider, routes []Route) {
	next := &snapshot{
		byName:      map[string][]Provider{},
		exactRoutes: map[string]Route{},
	}
	for _, p := range providers {
		key := normalizeName(p.Name)
		next.byName[key] = append(next.byName[key], p)
	}
	next.routes = make([]Route, len(routes))
	copy(next.routes, routes)
	for _, rt := range next.routes {
		if !rt.IsGlob() {
			next.exactRoutes[rt.Pattern] = rt
		}
	}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// current returns the live snapshot reference. Callers must not mutate it.
func (r *Registry) current() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// ResolveProvider finds the concrete Provider for a candidate's
// (providerName, accountID): if the candidate omits an account identifier,
// prefer an entry that also omits one; else fall back to any entry sharing
// the name.
func (r *Registry) ResolveProvider(providerName, accountID string) (Provider, bool) {
	snap := r.current()
	if snap == nil {
		return Provider{}, false
	}
	entries := snap.byName[normalizeName(providerName)]
	if len(entries) == 0 {
		return Provider{}, false
	}
	account := strings.TrimSpace(accountID)
	if account != "" {
		for _, e := range entries {
			if e.AccountID == account {
				return e, true
			}
		}
		return Provider{}, false
	}
	for _, e := range entries {
		if strings.TrimSpace(e.AccountID) == "" {
			return e, true
		}
	}
	// Fall back to any entry sharing the name.
	return entries[0], true
}

// MatchRoute resolves a client model string to a Route: exact match first,
// then the first matching glob pattern in configuration order.
func (r *Registry) MatchRoute(model string) (Route, bool) {
	snap := r.current()
	if snap == nil {
		return Route{}, false
	}
	if rt, ok := snap.exactRoutes[model]; ok {
		return rt, true
	}
	lower := strings.ToLower(model)
	for _, rt := range snap.routes {
		if !rt.IsGlob() {
			continue
		}
		sub := strings.ToLower(rt.GlobSubstring())
		if sub == "" {
			continue
		}
		if strings.Contains(lower, sub) {
			return rt, true
		}
	}
	return Route{}, false
}

// AccountsForName returns every entry sharing providerName, for OAuth
// account rotation when a route candidate leaves the account
// unconstrained.
func (r *Registry) AccountsForName(providerName string) []Provider {
	snap := r.current()
	if snap == nil {
		return nil
	}
	entries := snap.byName[normalizeName(providerName)]
	out := make([]Provider, len(entries))
	copy(out, entries)
	return out
}

// Snapshot returns a read-only diagnostic view: every provider identity and
// its enabled flag, sorted for deterministic output (used by GET /providers
// together with the health tracker).
func (r *Registry) Snapshot() []Provider {
	snap := r.current()
	if snap == nil {
		return nil
	}
	out := make([]Provider, 0)
	for _, entries := range snap.byName {
		out = append(out, entries...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}
