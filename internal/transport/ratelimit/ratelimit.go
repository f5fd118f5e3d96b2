// Package ratelimit throttles inbound client requests per connection or
// session.
package ratelimit

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/xiaot623/gogo/agui/internal/metrics"
	"github.com/xiaot623/gogo/agui/internal/protocol"
)

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter provides per-key rate limiting.
type Limiter struct {
	limiters map[string]*entry
	mu       sync.RWMutex
	rate     rate.Limit // requests per second
	burst    int        // max burst size
}

// New creates a limiter allowing requestsPerSecond per key with the given
// burst. A non-positive rate disables limiting.
func New(requestsPerSecond float64, burst int) *Limiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*entry),
		rate:     limit,
		burst:    burst,
	}
}

func (l *Limiter) get(key string) *entry {
	l.mu.RLock()
	e, exists := l.limiters[key]
	l.mu.RUnlock()

	if exists {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if e, exists = l.limiters[key]; exists {
		return e
	}

	e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
	l.limiters[key] = e
	return e
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	e := l.get(key)
	l.mu.Lock()
	e.lastUsed = time.Now()
	l.mu.Unlock()
	return e.limiter.Allow()
}

// Forget drops the state kept for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Cleanup removes limiters not used since maxAge ago.
func (l *Limiter) Cleanup(now time.Time, maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, e := range l.limiters {
		if now.Sub(e.lastUsed) > maxAge {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// RunCleanup prunes stale limiters every interval until ctx is done.
func (l *Limiter) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := l.Cleanup(now, maxAge); n > 0 {
				log.Printf("Rate limiter: pruned %d idle keys", n)
			}
		}
	}
}

// Middleware rejects requests over the limit with 429. key picks the
// bucket; requests with an empty key use the client IP.
func Middleware(l *Limiter, transport string, key func(c echo.Context) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			k := key(c)
			if k == "" {
				k = c.RealIP()
			}
			if !l.Allow(k) {
				metrics.RecordInboundRejected(transport)
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded",
					"code":  protocol.ErrorCodeRateLimited,
				})
			}
			return next(c)
		}
	}
}
