// Package oauthstore manages the per-account OAuth token lifecycle:
// acquiring and refreshing tokens, persisting them across restarts, and
// selecting among multiple accounts configured for the same provider.
package oauthstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// refreshSkew is the lead time before expiry at which a token is
// considered due for refresh, and the lead time required for a token to
// be considered immediately usable without refreshing first.
const refreshSkew = 5 * time.Minute

// refreshFailureBackoff is how long a failed refresh blocks further
// refresh attempts for that account.
const refreshFailureBackoff = time.Hour

// Token is one account's OAuth credential state.
type Token struct {
	AccessToken                string
	RefreshToken               string
	ExpiresAt                  time.Time
	Scopes                     []string
	CreatedAt                  time.Time
	LastUsedAt                 time.Time
	UsageCount                 int64
	RefreshFailureBackoffUntil time.Time
}

// usable reports whether tok can be handed to an upstream call right now
// without first refreshing.
func (tok Token) usable(now time.Time) bool {
	return now.Add(refreshSkew).Before(tok.ExpiresAt) && !now.Before(tok.RefreshFailureBackoffUntil)
}

// needsRefresh reports whether tok is within the refresh window.
func (tok Token) needsRefresh(now time.Time) bool {
	return !now.Add(refreshSkew).Before(tok.ExpiresAt)
}

// nonExpired reports whether tok has not yet hit its hard expiry,
// ignoring the refresh skew — the fallback bar used when a refresh
// attempt fails and the old token must be reused if at all possible.
func (tok Token) nonExpired(now time.Time) bool {
	return now.Before(tok.ExpiresAt)
}

// ErrNoToken is returned when no token is on file for the requested
// account.
var ErrNoToken = errors.New("oauthstore: no token for account")

// ErrUnusable is returned when a token exists but is expired and cannot
// be refreshed (disabled, backing off, or the refresh attempt failed).
var ErrUnusable = errors.New("oauthstore: token unusable and refresh unavailable")

// RefreshFunc exchanges a refresh token for a new access token against
// the upstream's token endpoint. Implementations live outside this
// package (they depend on provider-specific OAuth configuration).
type RefreshFunc func(ctx context.Context, accountID string, refreshToken string) (Token, error)

// Persister persists the token set across restarts. A nil Persister
// disables persistence entirely.
type Persister interface {
	LoadAll() (map[string]Token, error)
	Save(accountID string, tok Token) error
	Delete(accountID string) error
}

// flight is one in-progress refresh, shared by every concurrent caller
// for the same account.
type flight struct {
	done  chan struct{}
	token Token
	err   error
}

// Store holds every account's token plus the in-flight refresh
// coalescing state.
type Store struct {
	mu       sync.Mutex
	tokens   map[string]Token
	inFlight map[string]*flight
	persist  Persister

	cursorMu sync.Mutex
	cursor   map[string]int // per provider-group round-robin cursor, for SelectAccount tie-breaks
}

// New builds a Store. If persist is non-nil, LoadAll is called
// immediately to warm the in-memory cache.
func New(persist Persister) (*Store, error) {
	s := &Store{
		tokens:   map[string]Token{},
		inFlight: map[string]*flight{},
		persist:  persist,
		cursor:   map[string]int{},
	}
	if persist != nil {
		loaded, err := persist.LoadAll()
		if err != nil {
			return nil, err
		}
		for id, tok := range loaded {
			s.tokens[id] = tok
		}
	}
	return s, nil
}

// Put installs a token for an account directly, e.g. after a fresh
// authorization-code exchange. Persists if persistence is enabled.
func (s *Store) Put(accountID string, tok Token) error {
	s.mu.Lock()
	s.tokens[accountID] = tok
	s.mu.Unlock()
	if s.persist != nil {
		return s.persist.Save(accountID, tok)
	}
	return nil
}

// Delete removes an account's token.
func (s *Store) Delete(accountID string) error {
	s.mu.Lock()
	delete(s.tokens, accountID)
	s.mu.Unlock()
	if s.persist != nil {
		return s.persist.Delete(accountID)
	}
	return nil
}

// Get returns the raw stored token for an account without refreshing it.
func (s *Store) Get(accountID string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[accountID]
	return tok, ok
}

// All returns every tracked account identifier and its token, for
// inspection endpoints.
func (s *Store) All() map[string]Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Token, len(s.tokens))
	for id, tok := range s.tokens {
		out[id] = tok
	}
	return out
}

// Acquire returns a usable access token for accountID, refreshing it
// first if it is within the refresh window and auto-refresh is enabled.
// Concurrent callers for the same account share a single refresh call
// and its outcome.
func (s *Store) Acquire(ctx context.Context, accountID string, enableAutoRefresh bool, refresh RefreshFunc) (Token, error) {
	now := time.Now()

	s.mu.Lock()
	tok, ok := s.tokens[accountID]
	s.mu.Unlock()
	if !ok {
		return Token{}, ErrNoToken
	}

	if !tok.needsRefresh(now) {
		return s.touch(accountID, tok), nil
	}
	if !enableAutoRefresh || now.Before(tok.RefreshFailureBackoffUntil) {
		if tok.nonExpired(now) {
			return s.touch(accountID, tok), nil
		}
		return Token{}, ErrUnusable
	}
	if refresh == nil {
		if tok.nonExpired(now) {
			return s.touch(accountID, tok), nil
		}
		return Token{}, ErrUnusable
	}

	f, owner := s.beginFlight(accountID)
	if !owner {
		<-f.done
		if f.err != nil {
			return Token{}, f.err
		}
		return f.token, nil
	}
	defer s.endFlight(accountID, f)

	refreshed, err := refresh(ctx, accountID, tok.RefreshToken)
	if err != nil {
		s.mu.Lock()
		cur := s.tokens[accountID]
		cur.RefreshFailureBackoffUntil = time.Now().Add(refreshFailureBackoff)
		s.tokens[accountID] = cur
		s.mu.Unlock()
		if s.persist != nil {
			_ = s.persist.Save(accountID, cur)
		}
		if cur.nonExpired(time.Now()) {
			f.token = s.touch(accountID, cur)
			return f.token, nil
		}
		f.err = ErrUnusable
		return Token{}, ErrUnusable
	}

	refreshed.CreatedAt = now
	s.mu.Lock()
	s.tokens[accountID] = refreshed
	s.mu.Unlock()
	if s.persist != nil {
		_ = s.persist.Save(accountID, refreshed)
	}
	f.token = s.touch(accountID, refreshed)
	return f.token, nil
}

// touch bumps usage bookkeeping for a token about to be handed to a
// caller and writes the update back to the store.
func (s *Store) touch(accountID string, tok Token) Token {
	tok.LastUsedAt = time.Now()
	tok.UsageCount++
	s.mu.Lock()
	s.tokens[accountID] = tok
	s.mu.Unlock()
	return tok
}

func (s *Store) beginFlight(accountID string) (*flight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.inFlight[accountID]; ok {
		return f, false
	}
	f := &flight{done: make(chan struct{})}
	s.inFlight[accountID] = f
	return f, true
}

func (s *Store) endFlight(accountID string, f *flight) {
	s.mu.Lock()
	if cur, ok := s.inFlight[accountID]; ok && cur == f {
		delete(s.inFlight, accountID)
	}
	s.mu.Unlock()
	close(f.done)
}

// SelectAccount picks which of several accounts configured for the same
// route candidate should be used next, preferring whichever has gone
// longest without use. Ties (including all-unused) rotate through a
// per-group cursor so load spreads evenly across a fresh set of accounts.
func (s *Store) SelectAccount(group string, accountIDs []string) (string, bool) {
	if len(accountIDs) == 0 {
		return "", false
	}
	if len(accountIDs) == 1 {
		return accountIDs[0], true
	}

	type candidate struct {
		id         string
		lastUsedAt time.Time
	}
	candidates := make([]candidate, 0, len(accountIDs))
	s.mu.Lock()
	for _, id := range accountIDs {
		tok := s.tokens[id]
		candidates = append(candidates, candidate{id: id, lastUsedAt: tok.LastUsedAt})
	}
	s.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastUsedAt.Before(candidates[j].lastUsedAt)
	})

	oldest := candidates[0].lastUsedAt
	tiedCount := 0
	for _, c := range candidates {
		if c.lastUsedAt.Equal(oldest) {
			tiedCount++
		}
	}
	if tiedCount == 1 {
		return candidates[0].id, true
	}

	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	i := s.cursor[group] % tiedCount
	s.cursor[group] = (i + 1) % tiedCount
	return candidates[i].id, true
}
