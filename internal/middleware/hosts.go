package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

const secureKey contextKey = "secure"

// AllowedHosts rejects requests whose Host header is not in hosts with
// 400, guarding against host header poisoning in generated URLs.
func AllowedHosts(hosts []string, logger *slog.Logger) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		allowed[strings.ToLower(h)] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := strings.ToLower(r.Host)
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")

			if !allowed[host] {
				logger.Warn("disallowed host",
					slog.String("host", r.Host),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				writeError(w, http.StatusBadRequest, "BAD_HOST", "Invalid Host header")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ProxySSL marks requests as secure when the TLS-terminating proxy sets
// the configured header to the configured value.
func ProxySSL(header, value string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secure := r.TLS != nil
			if header != "" && r.Header.Get(header) == value {
				secure = true
			}
			ctx := context.WithValue(r.Context(), secureKey, secure)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IsSecure reports whether the request arrived over HTTPS, directly or
// through a trusted proxy.
func IsSecure(r *http.Request) bool {
	if secure, ok := r.Context().Value(secureKey).(bool); ok {
		return secure
	}
	return r.TLS != nil
}
