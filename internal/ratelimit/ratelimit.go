// Package ratelimit bounds the Triage Router's per-student request rate
// using one golang.org/x/time/rate token bucket per student identity,
// created lazily and evicted after a period of inactivity so the map
// doesn't grow without bound across the life of the process.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tutormesh/control-plane/internal/config"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per student identity.
type Limiter struct {
	mu      sync.Mutex
	cfg     config.RateLimitConfig
	buckets map[string]*entry
	idleTTL time.Duration
}

// New builds a Limiter from the configured requests-per-minute and burst.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*entry),
		idleTTL: 10 * time.Minute,
	}
}

// Allow reports whether studentIdentity may make another request right
// now, consuming a token if so.
func (l *Limiter) Allow(studentIdentity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.buckets[studentIdentity]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerMinute/60), l.cfg.Burst)}
		l.buckets[studentIdentity] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// Evict removes buckets that have been idle longer than the idle TTL.
// Callers run this periodically (e.g. from a ticker goroutine); it is not
// called automatically so tests can control timing precisely.
func (l *Limiter) Evict(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, e := range l.buckets {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked student buckets, for tests and
// diagnostics.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
