// Package sweeper runs periodic maintenance against the health tracker
// and the OAuth store so that neither one only changes state in reaction
// to a request passing through the dispatcher.
package sweeper

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/health"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthstore"
)

// Settings configures the two cron jobs the sweeper schedules.
type Settings struct {
	HealthCooldownSchedule string
	OAuthRefreshSchedule   string
	EnableAutoRefresh      bool
}

// Sweeper owns a cron.Cron instance that drives two jobs: clearing stale
// provider cooldowns out of the health tracker, and proactively refreshing
// OAuth tokens before a real request would otherwise block on it.
type Sweeper struct {
	health  *health.Tracker
	oauth   *oauthstore.Store
	refresh oauthstore.RefreshFunc
	logger  *log.Logger

	settings Settings

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New builds a Sweeper. logger may be nil, in which case log.Default() is
// used.
func New(tracker *health.Tracker, store *oauthstore.Store, refresh oauthstore.RefreshFunc, settings Settings, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		health:   tracker,
		oauth:    store,
		refresh:  refresh,
		logger:   logger,
		settings: settings,
		cron:     cron.New(),
	}
}

// Start validates both cron expressions, schedules the jobs and starts the
// underlying cron runner. Call Stop to drain running jobs and shut down.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := cron.ParseStandard(s.settings.HealthCooldownSchedule); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(s.settings.OAuthRefreshSchedule); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.settings.HealthCooldownSchedule, s.sweepHealth); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.settings.OAuthRefreshSchedule, func() { s.sweepOAuth(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true
	s.logger.Printf("[PRISM] sweeper started health_schedule=%q oauth_schedule=%q", s.settings.HealthCooldownSchedule, s.settings.OAuthRefreshSchedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop stops the cron runner and waits for any in-flight job to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.running = false
	s.logger.Printf("[PRISM] sweeper stopped")
}

// NextRun returns the next scheduled run time across both jobs, or the
// zero time if the sweeper has not been started.
func (s *Sweeper) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	next := entries[0].Next
	for _, e := range entries[1:] {
		if e.Next.Before(next) {
			next = e.Next
		}
	}
	return next
}

func (s *Sweeper) sweepHealth() {
	s.health.Sweep(time.Now())
}

// sweepOAuth walks every tracked account and asks the store for a token,
// which transparently refreshes it if it falls inside the refresh window.
// A request handled concurrently for the same account shares the refresh
// via the store's own in-flight coalescing, so this never duplicates work.
func (s *Sweeper) sweepOAuth(ctx context.Context) {
	if !s.settings.EnableAutoRefresh || s.refresh == nil {
		return
	}
	for accountID := range s.oauth.All() {
		if _, err := s.oauth.Acquire(ctx, accountID, true, s.refresh); err != nil {
			s.logger.Printf("[PRISM] sweeper oauth refresh failed account=%s err=%v", accountID, err)
		}
	}
}
