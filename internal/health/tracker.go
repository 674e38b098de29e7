// Package health tracks per-provider error counters, cooldown timers and
// health-state transitions.
package health

import (
	"sync"
	"time"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
)

// State is a provider's health state.
type State string

const (
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// Settings configures the threshold/cooldown knobs, sourced from the
// `settings` section of config.
type Settings struct {
	FailureCooldown         time.Duration
	UnhealthyThreshold      int
	UnhealthyResetOnSuccess bool
	UnhealthyResetTimeout   time.Duration
}

// Snapshot is a read-only view of one provider's health fields, used by
// GET /providers and by the route resolver's eligibility check.
type Snapshot struct {
	State             State
	ConsecutiveErrors int
	LastErrorAt       time.Time
	LastSuccessAt     time.Time
	CooldownUntil     time.Time
}

type record struct {
	mu sync.Mutex
	Snapshot
}

// Tracker holds one record per provider.Identity, each independently
// locked — a monolithic lock covering all providers is intentionally
// avoided so a busy provider's health updates never stall lookups for an
// idle one.
type Tracker struct {
	settingsMu sync.RWMutex
	settings   Settings

	recordsMu sync.RWMutex
	records   map[provider.Identity]*record
}

// NewTracker builds a Tracker with the given settings.
func NewTracker(s Settings) *Tracker {
	return &Tracker{settings: s, records: map[provider.Identity]*record{}}
}

// SetSettings atomically swaps the threshold/cooldown settings, for
// config hot-reload.
func (t *Tracker) SetSettings(s Settings) {
	t.settingsMu.Lock()
	t.settings = s
	t.settingsMu.Unlock()
}

func (t *Tracker) getSettings() Settings {
	t.settingsMu.RLock()
	defer t.settingsMu.RUnlock()
	return t.settings
}

func (t *Tracker) recordFor(id provider.Identity) *record {
	t.recordsMu.RLock()
	r, ok := t.records[id]
	t.recordsMu.RUnlock()
	if ok {
		return r
	}
	t.recordsMu.Lock()
	defer t.recordsMu.Unlock()
	if r, ok := t.records[id]; ok {
		return r
	}
	r = &record{Snapshot: Snapshot{State: StateHealthy}}
	t.records[id] = r
	return r
}

// Eligible reports whether a provider is currently selectable: state is
// healthy, or the cooldown window has elapsed.
func (t *Tracker) Eligible(id provider.Identity) bool {
	r := t.recordFor(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State == StateHealthy {
		return true
	}
	return !time.Now().Before(r.CooldownUntil)
}

// Get returns a point-in-time snapshot of a provider's health fields.
func (t *Tracker) Get(id provider.Identity) Snapshot {
	r := t.recordFor(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Snapshot
}

// RecordFailure accounts a health-counting failure against a provider:
// increments consecutive_errors, sets last_error_at, and transitions to
// unhealthy with a cooldown once the threshold is reached.
func (t *Tracker) RecordFailure(id provider.Identity, at time.Time) Snapshot {
	s := t.getSettings()
	r := t.recordFor(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ConsecutiveErrors++
	r.LastErrorAt = at
	threshold := s.UnhealthyThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if r.ConsecutiveErrors >= threshold {
		r.State = StateUnhealthy
		r.CooldownUntil = at.Add(s.FailureCooldown)
	}
	return r.Snapshot
}

// RecordSuccess accounts a successful response: sets last_success_at,
// resets consecutive_errors if configured, and transitions back to
// healthy.
func (t *Tracker) RecordSuccess(id provider.Identity, at time.Time) Snapshot {
	s := t.getSettings()
	r := t.recordFor(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastSuccessAt = at
	if s.UnhealthyResetOnSuccess {
		r.ConsecutiveErrors = 0
	}
	r.State = StateHealthy
	r.CooldownUntil = time.Time{}
	return r.Snapshot
}

// Sweep walks every tracked provider and recovers any whose
// unhealthy_reset_timeout has elapsed since their last error. Intended to
// be called periodically (internal/sweeper) so a provider with no traffic
// still recovers instead of waiting for the next selection attempt.
func (t *Tracker) Sweep(now time.Time) {
	s := t.getSettings()
	if s.UnhealthyResetTimeout <= 0 {
		return
	}
	t.recordsMu.RLock()
	records := make([]*record, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	t.recordsMu.RUnlock()

	for _, r := range records {
		r.mu.Lock()
		if r.State == StateUnhealthy && !r.LastErrorAt.IsZero() && now.Sub(r.LastErrorAt) >= s.UnhealthyResetTimeout {
			r.State = StateHealthy
			r.ConsecutiveErrors = 0
			r.CooldownUntil = time.Time{}
		}
		r.mu.Unlock()
	}
}

// All returns every tracked identity and its snapshot, for GET /providers.
func (t *Tracker) All() map[provider.Identity]Snapshot {
	t.recordsMu.RLock()
	defer t.recordsMu.RUnlock()
	out := make(map[provider.Identity]Snapshot, len(t.records))
	for id, r := range t.records {
		r.mu.Lock()
		out[id] = r.Snapshot
		r.mu.Unlock()
	}
	return out
}
