package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiterAllowsUpToBurst(t *testing.T) {
	rl := newRateLimiter(1, 2)
	limiter := rl.getLimiter("caller-1")
	if !limiter.Allow() || !limiter.Allow() {
		t.Fatalf("first two requests within burst should be allowed")
	}
	if limiter.Allow() {
		t.Fatalf("third immediate request should exceed burst of 2")
	}
}

func TestRateLimiterKeysIndependently(t *testing.T) {
	rl := newRateLimiter(1, 1)
	if !rl.getLimiter("a").Allow() {
		t.Fatalf("caller a's first request should be allowed")
	}
	if !rl.getLimiter("b").Allow() {
		t.Fatalf("caller b should have its own independent bucket")
	}
}

func TestRateLimiterMiddlewareRejectsOverLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	rl := newRateLimiter(1, 1)
	router.Use(rl.middleware())
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	w1 := httptest.NewRecorder()
	router.ServeHTTP(w1, req)
	if w1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w1.Code)
	}

	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second immediate request status = %d, want 429", w2.Code)
	}
}

func TestRateLimiterCleanupEvictsIdleBuckets(t *testing.T) {
	rl := newRateLimiter(1, 1)
	rl.getLimiter("stale")
	rl.startCleanup(5 * time.Millisecond)
	defer rl.stopCleanup()

	time.Sleep(40 * time.Millisecond)

	rl.mu.Lock()
	_, stillThere := rl.buckets["stale"]
	rl.mu.Unlock()
	if stillThere {
		t.Errorf("cleanup should have evicted a bucket idle for longer than 2*interval")
	}
}
