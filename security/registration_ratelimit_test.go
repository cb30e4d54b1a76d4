package security

import (
	"fmt"
	"testing"
	"time"
)

func newTestRegistrationLimiter(t *testing.T, perMinute, perHour, maxEntries int) *RegistrationRateLimiter {
	t.Helper()
	rl := NewRegistrationRateLimiterWithConfig(perMinute, perHour, maxEntries, nil)
	t.Cleanup(rl.Stop)
	return rl
}

func TestRegistrationRateLimiterMinuteWindow(t *testing.T) {
	rl := newTestRegistrationLimiter(t, 10, 1000, 0)

	for i := 0; i < 10; i++ {
		allowed, err := rl.Allow("192.0.2.1")
		if err != nil {
			t.Fatalf("Allow() returned error: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	// The 11th registration within the minute must be denied.
	allowed, err := rl.Allow("192.0.2.1")
	if err != nil {
		t.Fatalf("Allow() returned error: %v", err)
	}
	if allowed {
		t.Error("11th request within the minute should be denied")
	}
}

func TestRegistrationRateLimiterHourWindow(t *testing.T) {
	rl := newTestRegistrationLimiter(t, 1000, 30, 0)

	for i := 0; i < 30; i++ {
		allowed, err := rl.Allow("192.0.2.2")
		if err != nil {
			t.Fatalf("Allow() returned error: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, err := rl.Allow("192.0.2.2")
	if err != nil {
		t.Fatalf("Allow() returned error: %v", err)
	}
	if allowed {
		t.Error("31st request within the hour should be denied")
	}
}

func TestRegistrationRateLimiterIndependentIPs(t *testing.T) {
	rl := newTestRegistrationLimiter(t, 2, 100, 0)

	for i := 0; i < 2; i++ {
		if allowed, _ := rl.Allow("192.0.2.10"); !allowed {
			t.Fatalf("request %d for first IP should be allowed", i+1)
		}
	}
	if allowed, _ := rl.Allow("192.0.2.10"); allowed {
		t.Error("first IP should be over its limit")
	}

	// A different IP has its own budget.
	if allowed, _ := rl.Allow("192.0.2.11"); !allowed {
		t.Error("second IP should not be affected by the first IP's limit")
	}
}

func TestRegistrationRateLimiterOldTimestampsExpire(t *testing.T) {
	rl := newTestRegistrationLimiter(t, 2, 100, 0)

	if allowed, _ := rl.Allow("192.0.2.20"); !allowed {
		t.Fatal("first request should be allowed")
	}
	if allowed, _ := rl.Allow("192.0.2.20"); !allowed {
		t.Fatal("second request should be allowed")
	}
	if allowed, _ := rl.Allow("192.0.2.20"); allowed {
		t.Fatal("third request should be denied")
	}

	// Age the recorded registrations past the minute window. The hour
	// budget (100) is not a factor here.
	rl.mu.Lock()
	entry := rl.entries["192.0.2.20"].Value.(*registrationEntry)
	for i := range entry.registrations {
		entry.registrations[i] = entry.registrations[i].Add(-2 * time.Minute)
	}
	rl.mu.Unlock()

	if allowed, _ := rl.Allow("192.0.2.20"); !allowed {
		t.Error("request should be allowed after window rolls over")
	}
}

func TestRegistrationRateLimiterLRUEviction(t *testing.T) {
	rl := newTestRegistrationLimiter(t, 10, 30, 3)

	for i := 0; i < 5; i++ {
		if allowed, _ := rl.Allow(fmt.Sprintf("192.0.2.%d", 30+i)); !allowed {
			t.Fatalf("first request from IP %d should be allowed", i)
		}
	}

	stats := rl.GetStats()
	if stats.CurrentEntries > 3 {
		t.Errorf("CurrentEntries = %d, want <= 3", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 2 {
		t.Errorf("TotalEvictions = %d, want 2", stats.TotalEvictions)
	}
}

func TestRegistrationRateLimiterCleanup(t *testing.T) {
	rl := newTestRegistrationLimiter(t, 10, 30, 0)

	if allowed, _ := rl.Allow("192.0.2.40"); !allowed {
		t.Fatal("first request should be allowed")
	}

	rl.mu.Lock()
	entry := rl.entries["192.0.2.40"].Value.(*registrationEntry)
	entry.lastAccess = time.Now().Add(-3 * time.Hour)
	rl.mu.Unlock()

	rl.Cleanup()

	if stats := rl.GetStats(); stats.CurrentEntries != 0 {
		t.Errorf("CurrentEntries after cleanup = %d, want 0", stats.CurrentEntries)
	}
}

func TestRegistrationRateLimiterStats(t *testing.T) {
	rl := newTestRegistrationLimiter(t, 1, 30, 100)

	rl.Allow("192.0.2.50") //nolint:errcheck
	rl.Allow("192.0.2.50") //nolint:errcheck

	stats := rl.GetStats()
	if stats.TotalAllowed != 1 {
		t.Errorf("TotalAllowed = %d, want 1", stats.TotalAllowed)
	}
	if stats.TotalBlocked != 1 {
		t.Errorf("TotalBlocked = %d, want 1", stats.TotalBlocked)
	}
	if stats.MaxPerMinute != 1 || stats.MaxPerHour != 30 {
		t.Errorf("limits = %d/%d, want 1/30", stats.MaxPerMinute, stats.MaxPerHour)
	}
}

func TestRegistrationRateLimiterStopIdempotent(t *testing.T) {
	rl := NewRegistrationRateLimiter(nil)
	rl.Stop()
	rl.Stop() // must not panic
}
