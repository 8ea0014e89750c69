package remediation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
	"github.com/qmoi-io/qmoi-heal/internal/journal"
)

func TestCircuitBreakerSlidingWindow(t *testing.T) {
	cb := NewCircuitBreaker(3, 5*time.Minute)

	cb.Record("npm-install")
	cb.Record("pip-install")
	cb.Record("sync")

	if !cb.IsOpen() {
		t.Error("circuit breaker should be open after 3 remediations (max=3)")
	}
}

func TestCircuitBreakerBoundary(t *testing.T) {
	cb := NewCircuitBreaker(2, 5*time.Minute)

	cb.Record("a")
	if cb.IsOpen() {
		t.Error("should not be open at 1/2")
	}

	cb.Record("b")
	if !cb.IsOpen() {
		t.Error("should be open at 2/2")
	}
}

func TestCircuitBreakerUnlimited(t *testing.T) {
	cb := NewCircuitBreaker(0, time.Minute)
	for range 100 {
		cb.Record("x")
	}
	if cb.IsOpen() {
		t.Error("maxPerHour 0 should never open")
	}
}

func TestPerOperationCooldown(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(100, 30*time.Minute)
	cb.now = func() time.Time { return now }

	cb.Record("npm-install")

	if !cb.IsOnCooldown("npm-install") {
		t.Error("operation should be on cooldown immediately after recording")
	}
	if cb.IsOnCooldown("pip-install") {
		t.Error("different operation should not be on cooldown")
	}

	now = now.Add(31 * time.Minute)
	if cb.IsOnCooldown("npm-install") {
		t.Error("cooldown should expire")
	}
}

func TestCircuitBreakerSlidingWindowExpiry(t *testing.T) {
	cb := NewCircuitBreaker(2, 5*time.Minute)

	cb.mu.Lock()
	twoHoursAgo := time.Now().Add(-2 * time.Hour)
	cb.recentTimes = []time.Time{twoHoursAgo, twoHoursAgo}
	cb.mu.Unlock()

	if cb.IsOpen() {
		t.Error("circuit breaker should be closed after old entries expire")
	}
}

func TestCircuitBreakerSeedFromJournal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, 10*time.Minute)
	cb.now = func() time.Time { return now }

	entries := []journal.Entry{
		// one run, two strategies: counts once
		{Event: journal.EventRemediation, RunID: "r1", Operation: "npm-install", Timestamp: now.Add(-5 * time.Minute)},
		{Event: journal.EventRemediation, RunID: "r1", Operation: "npm-install", Timestamp: now.Add(-4 * time.Minute)},
		{Event: journal.EventAttempt, RunID: "r1", Operation: "npm-install", Timestamp: now.Add(-3 * time.Minute)},
		// outside the window
		{Event: journal.EventRemediation, RunID: "r0", Operation: "sync", Timestamp: now.Add(-2 * time.Hour)},
	}

	if n := cb.Seed(entries); n != 1 {
		t.Fatalf("Seed() = %d runs, want 1", n)
	}
	if !cb.IsOnCooldown("npm-install") {
		t.Error("npm-install remediated 4m ago should be on cooldown")
	}
	if cb.IsOnCooldown("sync") {
		t.Error("sync remediated 2h ago should not be on cooldown")
	}
	if cb.IsOpen() {
		t.Error("breaker should not be open at 1/2")
	}

	cb.Seed([]journal.Entry{{Event: journal.EventRemediation, RunID: "r2", Operation: "pip-install", Timestamp: now.Add(-time.Minute)}})
	if !cb.IsOpen() {
		t.Error("breaker should be open at 2/2")
	}
}

func TestCooldownSpansInvocations(t *testing.T) {
	path := filepath.Join(t.TempDir(), journal.FileName)
	chain := func(applied *int) Chain {
		return Chain{
			Operation: "npm-install",
			Strategies: []Strategy{{Name: "reinstall", Apply: func(ctx context.Context) error {
				*applied++
				return nil
			}}},
		}
	}

	// first process: heals and journals the run
	j, err := journal.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	var first int
	if _, err := NewRemediator(NewCircuitBreaker(10, time.Hour), false, j, "run-1").Run(context.Background(), chain(&first)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	j.Close()

	// second process: a fresh breaker seeded from the journal
	entries, err := journal.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	cb := NewCircuitBreaker(10, time.Hour)
	cb.Seed(entries)

	var second int
	out, err := NewRemediator(cb, false, nil, "run-2").Run(context.Background(), chain(&second))
	if !errors.Is(err, faults.ErrNoRemediation) {
		t.Fatalf("second run within cooldown: err = %v, want NoRemediationAvailable", err)
	}
	if out.Skipped != "cooldown" {
		t.Errorf("skipped = %q, want cooldown", out.Skipped)
	}
	if first != 1 || second != 0 {
		t.Errorf("applied first=%d second=%d, want 1 and 0", first, second)
	}
}
