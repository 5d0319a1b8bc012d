package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ratticdb/rattic/internal/cache"
	"github.com/ratticdb/rattic/internal/metrics"
)

// countingLimiter allows burst requests per IP and then refuses.
type countingLimiter struct {
	seen map[string]int
	err  error
}

func (c *countingLimiter) CheckLoginRateLimit(_ context.Context, ip string, _, burst int) (*cache.RateLimitResult, error) {
	if c.err != nil {
		return &cache.RateLimitResult{Allowed: true}, c.err
	}
	c.seen[ip]++
	if c.seen[ip] > burst {
		return &cache.RateLimitResult{Allowed: false, RetryAfter: 2 * time.Second}, nil
	}
	return &cache.RateLimitResult{Allowed: true}, nil
}

func TestRateLimitLogin(t *testing.T) {
	limiter := &countingLimiter{seen: map[string]int{}}
	rec := metrics.NewInMemory()
	mw := RateLimitLogin(RateLimitConfig{
		Logger:   discardLogger(),
		Limiter:  limiter,
		Recorder: rec,
		RPS:      1,
		Burst:    2,
	})
	handler := mw(okHandler)

	send := func(method, remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/account/login/", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := send(http.MethodPost, "10.0.0.1:5000"); w.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d", i+1, w.Code)
		}
	}

	w := send(http.MethodPost, "10.0.0.1:5001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}
	if limiter.seen["10.0.0.1"] != 3 {
		t.Errorf("expected the port to be ignored, seen = %v", limiter.seen)
	}
	if rec.Snapshot().Logins["none/throttled"] != 1 {
		t.Errorf("expected a throttled login to be recorded")
	}

	if w := send(http.MethodGet, "10.0.0.1:5002"); w.Code != http.StatusOK {
		t.Errorf("GET should not be throttled, status = %d", w.Code)
	}
	if w := send(http.MethodPost, "10.0.0.2:5000"); w.Code != http.StatusOK {
		t.Errorf("other IP should not be throttled, status = %d", w.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{200 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{2 * time.Second, 2},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRateLimitLogin_FailsOpen(t *testing.T) {
	mw := RateLimitLogin(RateLimitConfig{
		Logger:  discardLogger(),
		Limiter: &countingLimiter{err: errors.New("redis down")},
		RPS:     1,
		Burst:   1,
	})

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		mw(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/account/login/", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
	}
}
