package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

// tokenBucket is a simple token bucket rate limiter.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	perSecond  float64
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(perMinute, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		max:        float64(burst),
		perSecond:  float64(perMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *tokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.perSecond
	if tb.tokens > tb.max {
		tb.tokens = tb.max
	}
	tb.lastRefill = now
	tb.lastAccess = now
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *tokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// ownerLimiter keeps one bucket per owner.
type ownerLimiter struct {
	perMinute int
	burst     int
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newOwnerLimiter(perMinute, burst int) *ownerLimiter {
	if burst <= 0 {
		burst = 10
	}
	return &ownerLimiter{perMinute: perMinute, burst: burst, now: time.Now, buckets: make(map[string]*tokenBucket)}
}

func (l *ownerLimiter) allow(owner string) bool {
	l.mu.Lock()
	b, ok := l.buckets[owner]
	if !ok {
		b = newTokenBucket(l.perMinute, l.burst, l.now())
		l.buckets[owner] = b
	}
	l.mu.Unlock()
	return b.allow(l.now())
}

// evict drops buckets idle for longer than maxAge.
func (l *ownerLimiter) evict(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for owner, b := range l.buckets {
		if b.idleSince().Before(cutoff) {
			delete(l.buckets, owner)
			n++
		}
	}
	return n
}

func (l *ownerLimiter) runEviction(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict(maxAge)
		}
	}
}

// wrap must sit inside requireAuth so the owner is known. The websocket
// stream is long-lived and exempt.
func (l *ownerLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws") {
			next.ServeHTTP(w, r)
			return
		}
		if !l.allow(ownerFrom(r.Context())) {
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
