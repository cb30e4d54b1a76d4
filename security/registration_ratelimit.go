package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerMinute is the default short-window limit
	// for client registrations per IP.
	DefaultMaxRegistrationsPerMinute = 10

	// DefaultMaxRegistrationsPerHour is the default long-window limit
	// for client registrations per IP.
	DefaultMaxRegistrationsPerHour = 30

	// DefaultRegistrationCleanupInterval is how often the cleanup goroutine runs
	DefaultRegistrationCleanupInterval = 15 * time.Minute

	// DefaultMaxRegistrationEntries is the maximum number of IPs to track
	DefaultMaxRegistrationEntries = 10000
)

// registrationEntry tracks registration timestamps for an IP address.
// A single timestamp list serves both windows; counts are derived per
// window on each check.
type registrationEntry struct {
	ip            string
	registrations []time.Time
	lastAccess    time.Time
}

// RegistrationRateLimiter provides dual-window rate limiting for client
// registrations: a request must pass both the per-minute and the
// per-hour limit. This blocks both burst registration floods and slow
// sustained ones.
//
// Tracked IPs are LRU-bounded to prevent unbounded memory growth under
// distributed attacks.
type RegistrationRateLimiter struct {
	entries         map[string]*list.Element // IP -> list element
	lruList         *list.List               // LRU list of *registrationEntry
	mu              sync.Mutex
	maxPerMinute    int
	maxPerHour      int
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalBlocked   int64
	totalAllowed   int64
	totalEvictions int64
	totalCleanups  int64
}

// NewRegistrationRateLimiter creates a limiter with the default
// 10/minute and 30/hour per-IP limits.
func NewRegistrationRateLimiter(logger *slog.Logger) *RegistrationRateLimiter {
	return NewRegistrationRateLimiterWithConfig(
		DefaultMaxRegistrationsPerMinute,
		DefaultMaxRegistrationsPerHour,
		DefaultMaxRegistrationEntries,
		logger,
	)
}

// NewRegistrationRateLimiterWithConfig creates a limiter with custom limits.
// maxEntries bounds the number of tracked IPs; the least recently used
// entry is evicted when the bound is reached.
func NewRegistrationRateLimiterWithConfig(maxPerMinute, maxPerHour, maxEntries int, logger *slog.Logger) *RegistrationRateLimiter {
	return newRegistrationRateLimiter(maxPerMinute, maxPerHour, maxEntries, DefaultRegistrationCleanupInterval, logger)
}

func newRegistrationRateLimiter(maxPerMinute, maxPerHour, maxEntries int, cleanupInterval time.Duration, logger *slog.Logger) *RegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxRegistrationsPerMinute
		logger.Warn("Invalid maxPerMinute, using default", "max_per_minute", maxPerMinute)
	}
	if maxPerHour <= 0 {
		maxPerHour = DefaultMaxRegistrationsPerHour
		logger.Warn("Invalid maxPerHour, using default", "max_per_hour", maxPerHour)
	}
	if maxEntries < 0 {
		maxEntries = DefaultMaxRegistrationEntries
		logger.Warn("Invalid maxEntries, using default", "max_entries", maxEntries)
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultRegistrationCleanupInterval
	}

	rl := &RegistrationRateLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxPerMinute:    maxPerMinute,
		maxPerHour:      maxPerHour,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	logger.Info("Registration rate limiter initialized",
		"max_per_minute", maxPerMinute,
		"max_per_hour", maxPerHour,
		"max_entries", maxEntries)

	return rl
}

// Allow checks whether a client registration from the given IP is
// permitted and records it if so. The error return exists for the
// fail-closed contract with callers: implementations backed by external
// state may fail, and the caller must treat any error as a denial. This
// in-memory implementation never returns one.
func (rl *RegistrationRateLimiter) Allow(ip string) (bool, error) {
	now := time.Now()
	minuteStart := now.Add(-time.Minute)
	hourStart := now.Add(-time.Hour)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	elem, exists := rl.entries[ip]
	if !exists {
		if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
			rl.evictLRU()
		}
		entry := &registrationEntry{
			ip:            ip,
			registrations: []time.Time{now},
			lastAccess:    now,
		}
		rl.entries[ip] = rl.lruList.PushFront(entry)
		rl.totalAllowed++
		return true, nil
	}

	rl.lruList.MoveToFront(elem)
	entry := elem.Value.(*registrationEntry)
	entry.lastAccess = now

	// Drop timestamps older than the long window (in-place filtering),
	// then count each window over what remains.
	n := 0
	inMinute := 0
	for _, t := range entry.registrations {
		if t.After(hourStart) {
			entry.registrations[n] = t
			n++
			if t.After(minuteStart) {
				inMinute++
			}
		}
	}
	entry.registrations = entry.registrations[:n]

	if inMinute >= rl.maxPerMinute || len(entry.registrations) >= rl.maxPerHour {
		rl.totalBlocked++
		rl.logger.Warn("Client registration rate limit exceeded",
			"ip", ip,
			"in_minute", inMinute,
			"in_hour", len(entry.registrations),
			"max_per_minute", rl.maxPerMinute,
			"max_per_hour", rl.maxPerHour,
			"total_blocked", rl.totalBlocked)
		return false, nil
	}

	entry.registrations = append(entry.registrations, now)
	rl.totalAllowed++
	return true, nil
}

// evictLRU removes the least recently used entry.
// Must be called with the mutex held.
func (rl *RegistrationRateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*registrationEntry)
	delete(rl.entries, entry.ip)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Registration rate limiter LRU eviction",
		"ip", entry.ip,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.entries))
}

// cleanupLoop periodically removes inactive entries to prevent memory leaks
func (rl *RegistrationRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries that have had no activity for longer than
// twice the long window.
func (rl *RegistrationRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	maxIdleTime := 2 * time.Hour
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*registrationEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.entries, entry.ip)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Registration rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop gracefully stops the cleanup goroutine.
// Safe to call multiple times.
func (rl *RegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// RegistrationStats holds limiter statistics for monitoring.
type RegistrationStats struct {
	CurrentEntries int
	MaxEntries     int
	TotalBlocked   int64
	TotalAllowed   int64
	TotalEvictions int64
	TotalCleanups  int64
	MaxPerMinute   int
	MaxPerHour     int
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current limiter statistics for monitoring and alerting.
func (rl *RegistrationRateLimiter) GetStats() RegistrationStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := RegistrationStats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.maxEntries,
		TotalBlocked:   rl.totalBlocked,
		TotalAllowed:   rl.totalAllowed,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
		MaxPerMinute:   rl.maxPerMinute,
		MaxPerHour:     rl.maxPerHour,
	}

	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}

	return stats
}
