package wake

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig configures per-source rate limiting of the wake
// webhook. A compromised backend credential must not be able to make
// the device ring continuously.
type LimiterConfig struct {
	// Rate is the number of wakes allowed per second per source.
	Rate rate.Limit
	// Burst is the maximum burst size per source.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle source entry is kept before eviction.
	MaxAge time.Duration
}

// DefaultLimiterConfig allows 6 wakes/minute with a burst of 3, which
// covers push retries for one call without permitting ring flooding.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Rate:            rate.Limit(0.1),
		Burst:           3,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          15 * time.Minute,
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter rate limits wake deliveries per source key (remote address
// or backend identifier).
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	cfg     LimiterConfig
	stopCh  chan struct{}
}

// NewLimiter creates a limiter and starts background cleanup.
func NewLimiter(cfg LimiterConfig) *Limiter {
	l := &Limiter{
		entries: make(map[string]*limiterEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a wake from the given source may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst),
		}
		l.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.cfg.MaxAge)
	removed := 0
	for key, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("wake limiter cleanup", "removed", removed, "remaining", len(l.entries))
	}
}
