// Package dedup implements the in-flight request table: identical
// concurrent requests join the same Broadcaster instead of issuing a
// second upstream call.
package dedup

import (
	"sync"
	"time"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/broadcast"
)

// Entry is one in-flight fingerprint's bookkeeping.
type Entry struct {
	Broadcaster *broadcast.Broadcaster
	CreatedAt   time.Time

	mu      sync.Mutex
	waiters int
}

// Waiters returns the current subscriber count attached to this entry.
func (e *Entry) Waiters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiters
}

// Table maps fingerprint -> in-flight Entry. A single lock guards table
// lookups; Broadcaster operations happen outside this lock so a slow
// subscriber never blocks another fingerprint's lookup.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry

	// sseErrorCleanupDelay is how long a closed-error entry is retained so
	// thundering-herd duplicates still join it instead of each retrying
	// upstream independently.
	sseErrorCleanupDelay time.Duration

	// afterFunc is overridable in tests to avoid real sleeps.
	afterFunc func(time.Duration, func()) *time.Timer
}

// New builds an empty Table.
func New(sseErrorCleanupDelay time.Duration) *Table {
	return &Table{
		entries:              map[string]*Entry{},
		sseErrorCleanupDelay: sseErrorCleanupDelay,
		afterFunc:            time.AfterFunc,
	}
}

// JoinOrBecomeLeader looks up fingerprint. If a live entry exists, the
// caller is a subscriber and joins its broadcaster. Otherwise the caller
// becomes the leader: a fresh Entry is installed and returned with
// isLeader=true.
func (t *Table) JoinOrBecomeLeader(fingerprint string) (entry *Entry, isLeader bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[fingerprint]; ok {
		e.mu.Lock()
		e.waiters++
		e.mu.Unlock()
		return e, false
	}
	e := &Entry{Broadcaster: broadcast.New(), CreatedAt: time.Now()}
	t.entries[fingerprint] = e
	return e, true
}

// Retire removes the leader's entry immediately (broadcaster completed
// successfully, or with a non-retryable error that does not need SSE-error
// retention).
func (t *Table) Retire(fingerprint string, entry *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[fingerprint]; ok && cur == entry {
		delete(t.entries, fingerprint)
	}
}

// RetireAfterSSEError keeps the entry discoverable for
// sse_error_cleanup_delay before removing it, so duplicate arrivals during
// that window still observe the same mid-stream error instead of
// triggering a thundering herd of fresh upstream calls.
func (t *Table) RetireAfterSSEError(fingerprint string, entry *Entry) {
	t.mu.Lock()
	delay := t.sseErrorCleanupDelay
	t.mu.Unlock()
	if delay <= 0 {
		t.Retire(fingerprint, entry)
		return
	}
	t.afterFunc(delay, func() {
		t.Retire(fingerprint, entry)
	})
}

// SetSSEErrorCleanupDelay atomically swaps the retention window used by
// RetireAfterSSEError, for config hot-reload.
func (t *Table) SetSSEErrorCleanupDelay(d time.Duration) {
	t.mu.Lock()
	t.sseErrorCleanupDelay = d
	t.mu.Unlock()
}

// Len reports the number of in-flight entries, for diagnostics/tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
