package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ratticdb/rattic/internal/auth"
)

// CSRF token locations.
const (
	CSRFHeader    = "X-CSRF-Token"
	CSRFFormField = "csrfmiddlewaretoken"
)

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// CSRF rejects unsafe requests with 403 unless they carry the session's
// token in the X-CSRF-Token header or the csrfmiddlewaretoken form field.
// Anonymous unsafe requests (the login form) must not come from another
// origin.
func CSRF(allowedHosts []string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			s := auth.SessionFromContext(r.Context())
			if s == nil {
				if !sameOrigin(r, allowedHosts) {
					rejectCSRF(w, r, logger, "cross-origin request")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get(CSRFHeader)
			if token == "" {
				token = r.PostFormValue(CSRFFormField)
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.CSRFToken)) != 1 {
				rejectCSRF(w, r, logger, "token missing or incorrect")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// sameOrigin checks Origin, then Referer. Requests with neither pass,
// as non-browser clients send neither.
func sameOrigin(r *http.Request, allowedHosts []string) bool {
	source := r.Header.Get("Origin")
	if source == "" {
		source = r.Header.Get("Referer")
	}
	if source == "" {
		return true
	}

	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range allowedHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func rejectCSRF(w http.ResponseWriter, r *http.Request, logger *slog.Logger, reason string) {
	logger.Warn("csrf verification failed",
		slog.String("reason", reason),
		slog.String("path", r.URL.Path),
		slog.String("request_id", GetRequestID(r.Context())),
	)
	writeError(w, http.StatusForbidden, "CSRF_FAILED", "CSRF verification failed")
}
