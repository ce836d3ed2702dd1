// Package ratelimit implements per-caller request throttling on top of
// golang.org/x/time/rate. Each caller gets an independent token bucket;
// one caller cannot exhaust another's quota.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a caller has exhausted their bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// idleTTL is how long an untouched bucket is kept before eviction.
const idleTTL = 10 * time.Minute

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // 0 = unlimited (Allow always succeeds).
	BurstSize         int // 0 = RequestsPerMinute.
}

// Limiter is a per-caller token bucket limiter. Safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	callers   map[string]*entry
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter. A zero RequestsPerMinute disables limiting.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		callers: make(map[string]*entry),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one token for the caller or returns ErrRateLimited.
func (l *Limiter) Allow(caller string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	e, ok := l.callers[caller]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[caller] = e
	}
	e.lastSeen = now
	if !e.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// RetryAfter returns how long the caller must wait for the next token.
func (l *Limiter) RetryAfter(caller string) time.Duration {
	if l == nil || l.limit <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.callers[caller]
	if !ok {
		return 0
	}
	now := l.now()
	r := e.limiter.ReserveN(now, 1)
	defer r.CancelAt(now)
	return r.DelayFrom(now)
}

// sweep evicts idle buckets at most once per TTL. Must hold l.mu.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleTTL {
		return
	}
	l.lastSweep = now
	for caller, e := range l.callers {
		if now.Sub(e.lastSeen) > idleTTL {
			delete(l.callers, caller)
		}
	}
}
