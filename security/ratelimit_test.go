package security

import (
	"fmt"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, rps, burst, maxEntries int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiterWithConfig(rps, burst, maxEntries, nil)
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiterAllow(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 3, 0)

	for i := 0; i < 3; i++ {
		if !rl.Allow("192.0.2.1") {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if rl.Allow("192.0.2.1") {
		t.Error("request beyond burst should be denied")
	}
}

func TestRateLimiterIndependentIdentifiers(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1, 0)

	if !rl.Allow("192.0.2.1") {
		t.Fatal("first identifier should be allowed")
	}
	if rl.Allow("192.0.2.1") {
		t.Fatal("first identifier should be exhausted")
	}
	if !rl.Allow("192.0.2.2") {
		t.Error("second identifier should have its own bucket")
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	rl := newTestRateLimiter(t, 10, 10, 2)

	for i := 0; i < 4; i++ {
		rl.Allow(fmt.Sprintf("192.0.2.%d", i))
	}

	stats := rl.GetStats()
	if stats.CurrentEntries > 2 {
		t.Errorf("CurrentEntries = %d, want <= 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 2 {
		t.Errorf("TotalEvictions = %d, want 2", stats.TotalEvictions)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newTestRateLimiter(t, 10, 10, 0)

	rl.Allow("192.0.2.1")

	rl.mu.Lock()
	entry := rl.limiters["192.0.2.1"].Value.(*rateLimiterEntry)
	entry.lastAccess = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.Cleanup(30 * time.Minute)

	if stats := rl.GetStats(); stats.CurrentEntries != 0 {
		t.Errorf("CurrentEntries after cleanup = %d, want 0", stats.CurrentEntries)
	}
}

func TestRateLimiterStopIdempotent(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	rl.Stop()
	rl.Stop() // must not panic
}
