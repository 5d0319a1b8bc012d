package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ratticdb/rattic/internal/cache"
	"github.com/ratticdb/rattic/internal/metrics"
)

// LoginLimiter is the token bucket behind login throttling.
type LoginLimiter interface {
	CheckLoginRateLimit(ctx context.Context, ip string, ratePerSecond, burst int) (*cache.RateLimitResult, error)
}

// RateLimitConfig holds configuration for login rate limiting.
type RateLimitConfig struct {
	Logger   *slog.Logger
	Limiter  LoginLimiter
	Recorder metrics.Recorder
	// Per client IP
	RPS   int
	Burst int
}

// RateLimitLogin throttles login attempts per client IP. Only POSTs are
// counted, so rendering the login form is free. Redis errors fail open.
func RateLimitLogin(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)

			result, err := cfg.Limiter.CheckLoginRateLimit(r.Context(), ip, cfg.RPS, cfg.Burst)
			if err != nil {
				cfg.Logger.Error("login rate limit check failed",
					slog.String("error", err.Error()),
					slog.String("ip", ip),
				)
			}

			if result != nil && !result.Allowed {
				retry := retryAfterSeconds(result.RetryAfter)
				cfg.Logger.Warn("login rate limit exceeded",
					slog.String("ip", ip),
					slog.Int("retry_after_seconds", retry),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				if cfg.Recorder != nil {
					cfg.Recorder.IncLogin("none", metrics.LoginThrottled)
				}

				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many login attempts. Retry after "+
					strconv.Itoa(retry)+" seconds.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up so a client that waits as told is let in.
func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

// clientIP returns the host part of RemoteAddr. RealIP runs first and has
// already applied forwarded headers when a proxy is trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
