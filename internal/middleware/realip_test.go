package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func TestRealIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		header     string
		value      string
		want       string
	}{
		{"untrusted forwarded for", false, "X-Forwarded-For", "203.0.113.9", "10.0.0.1"},
		{"untrusted real ip", false, "X-Real-IP", "203.0.113.9", "10.0.0.1"},
		{"no header", true, "", "", "10.0.0.1"},
		{"trusted forwarded for", true, "X-Forwarded-For", "203.0.113.9", "203.0.113.9"},
		{"trusted real ip", true, "X-Real-IP", "203.0.113.9", "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := RealIP(tt.trustProxy)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = clientIP(r)
			}))

			req := httptest.NewRequest(http.MethodPost, "/account/login/", nil)
			req.RemoteAddr = "10.0.0.1:5000"
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if got != tt.want {
				t.Errorf("client IP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitLogin_IgnoresForgedForwardedFor(t *testing.T) {
	limiter := &countingLimiter{seen: map[string]int{}}
	handler := RealIP(false)(RateLimitLogin(RateLimitConfig{
		Logger:  discardLogger(),
		Limiter: limiter,
		RPS:     1,
		Burst:   2,
	})(okHandler))

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/account/login/", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		req.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i+1))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		last = w.Code
	}

	if last != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 despite rotating X-Forwarded-For", last)
	}
	if limiter.seen["10.0.0.1"] != 3 {
		t.Errorf("attempts keyed by socket address, seen = %v", limiter.seen)
	}
}
