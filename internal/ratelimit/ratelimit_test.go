package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/lendbridge/internal/auth"
)

func TestLimiterAllow(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// Wait for token replenishment (1 second = 1 token at 60/min)
	time.Sleep(time.Second)

	// Should allow again
	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	// Client A uses up their tokens
	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	// Client A is now rate limited
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}

	// Client B should still have tokens
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterTokenReplenishment(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 600, // 10 per second
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test"

	// Use the one token
	if !limiter.Allow(key) {
		t.Error("First request should be allowed")
	}

	// Should be denied
	if limiter.Allow(key) {
		t.Error("Second immediate request should be denied")
	}

	// Wait 100ms (should get 1 token at 10/sec)
	time.Sleep(110 * time.Millisecond)

	// Should be allowed again
	if !limiter.Allow(key) {
		t.Error("Request after 100ms should be allowed")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 120 {
		t.Errorf("Expected 120 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 20 {
		t.Errorf("Expected burst size 20, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}

func TestLimiterStopTwice(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}

func TestMiddleware_KeysByFingerprintThenIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerMinute: 1, BurstSize: 1, CleanupInterval: time.Minute})
	defer limiter.Stop()

	keys := auth.NewKeyring("op_a", "op_b")
	r := gin.New()
	r.POST("/op", auth.RequireKey(keys), limiter.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/op", nil)
		req.Header.Set("Authorization", "Bearer "+key)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do("op_a"); code != http.StatusOK {
		t.Fatalf("first op_a request: %d", code)
	}
	if code := do("op_a"); code != http.StatusTooManyRequests {
		t.Fatalf("second op_a request: expected 429, got %d", code)
	}
	// Same IP, different key: separate bucket.
	if code := do("op_b"); code != http.StatusOK {
		t.Fatalf("op_b request: expected 200, got %d", code)
	}
}

func TestMiddleware_RetryAfterHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerMinute: 1, BurstSize: 1, CleanupInterval: time.Minute})
	defer limiter.Stop()

	r := gin.New()
	r.GET("/x", limiter.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	var w *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	}
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}
