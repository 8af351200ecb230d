package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig controls the per-key token-bucket limiter mounted ahead of
// the authenticated routes.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// bucket pairs a limiter with the time it was last consulted, so
// startCleanup can evict keys that have gone idle.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter hands out one rate.Limiter per key (authenticated subject, or
// client IP when no identity is available), mirroring the teacher's
// per-caller limiter map.
type rateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rps      rate.Limit
	burst    int
	stopOnce sync.Once
	stopCh   chan struct{}
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(requestsPerSecond),
		burst:   burst,
		stopCh:  make(chan struct{}),
	}
}

func (rl *rateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// middleware keys by the identity stashed by identityMiddleware, falling
// back to the client IP for requests that reach it unauthenticated.
func (rl *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ""
		if v, ok := c.Get("identity"); ok {
			if id, ok := v.(*Identity); ok {
				key = id.Subject
			}
		}
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.getLimiter(key).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// startCleanup runs a background sweep dropping buckets idle for longer than
// 2*interval, so long-running processes don't accumulate one limiter per
// caller forever.
func (rl *rateLimiter) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-2 * interval)
				rl.mu.Lock()
				for key, b := range rl.buckets {
					if b.lastSeen.Before(cutoff) {
						delete(rl.buckets, key)
					}
				}
				rl.mu.Unlock()
			case <-rl.stopCh:
				return
			}
		}
	}()
}

func (rl *rateLimiter) stopCleanup() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}
