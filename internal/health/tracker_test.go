package health

import (
	"testing"
	"time"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
)

func id(name string) provider.Identity { return provider.Identity{Name: name} }

func TestThresholdTransitionsToUnhealthy(t *testing.T) {
	tr := NewTracker(Settings{UnhealthyThreshold: 3, FailureCooldown: time.Minute})
	now := time.Now()
	p := id("p1")

	tr.RecordFailure(p, now)
	tr.RecordFailure(p, now)
	if !tr.Eligible(p) {
		t.Fatal("should still be eligible below threshold")
	}
	tr.RecordFailure(p, now)
	if tr.Eligible(p) {
		t.Fatal("should be ineligible once threshold reached and cooldown not elapsed")
	}

	snap := tr.Get(p)
	if snap.State != StateUnhealthy {
		t.Fatalf("expected unhealthy, got %v", snap.State)
	}
}

func TestEligibleAfterCooldownElapses(t *testing.T) {
	tr := NewTracker(Settings{UnhealthyThreshold: 1, FailureCooldown: time.Nanosecond})
	p := id("p1")
	past := time.Now().Add(-time.Hour)
	tr.RecordFailure(p, past)
	if !tr.Eligible(p) {
		t.Fatal("cooldown set far in the past should have elapsed")
	}
}

func TestSuccessResetsAndRecovers(t *testing.T) {
	tr := NewTracker(Settings{UnhealthyThreshold: 1, FailureCooldown: time.Hour, UnhealthyResetOnSuccess: true})
	p := id("p1")
	now := time.Now()
	tr.RecordFailure(p, now)
	if tr.Eligible(p) {
		t.Fatal("expected ineligible immediately after crossing threshold")
	}
	tr.RecordSuccess(p, now)
	if !tr.Eligible(p) {
		t.Fatal("success should recover health")
	}
	if tr.Get(p).ConsecutiveErrors != 0 {
		t.Fatal("expected consecutive_errors reset on success")
	}
}

func TestSuccessWithoutResetKeepsCounterButRecovers(t *testing.T) {
	tr := NewTracker(Settings{UnhealthyThreshold: 1, FailureCooldown: time.Hour, UnhealthyResetOnSuccess: false})
	p := id("p1")
	now := time.Now()
	tr.RecordFailure(p, now)
	tr.RecordSuccess(p, now)
	if !tr.Eligible(p) {
		t.Fatal("any success recovers health regardless of reset-on-success")
	}
	if tr.Get(p).ConsecutiveErrors != 1 {
		t.Fatal("expected counter preserved when reset-on-success is disabled")
	}
}

func TestSweepRecoversAfterResetTimeout(t *testing.T) {
	tr := NewTracker(Settings{UnhealthyThreshold: 1, FailureCooldown: time.Hour, UnhealthyResetTimeout: time.Minute})
	p := id("p1")
	old := time.Now().Add(-30 * time.Minute)
	tr.RecordFailure(p, old)
	if tr.Eligible(p) {
		t.Fatal("cooldown still active, should be ineligible before sweep")
	}
	tr.Sweep(time.Now())
	if !tr.Eligible(p) {
		t.Fatal("sweep should have recovered the provider past its reset timeout")
	}
}
