package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ratticdb/rattic/internal/auth"
	"github.com/ratticdb/rattic/internal/config"
)

// StrictAuthentication requires a logged-in user everywhere except at
// loginURL itself and below the public path prefixes. Anonymous GETs are
// redirected to loginURL with a next parameter; other methods get 401.
func StrictAuthentication(loginURL string, public []string) func(http.Handler) http.Handler {
	loginPath := loginURL
	if u, err := url.Parse(loginURL); err == nil {
		loginPath = u.Path
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.UserFromContext(r.Context()) != nil || r.URL.Path == loginPath || hasAnyPrefix(r.URL.Path, public) {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				target := loginURL + "?next=" + url.QueryEscape(r.URL.RequestURI())
				http.Redirect(w, r, target, http.StatusFound)
				return
			}
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		})
	}
}

// PasswordExpirer sends users whose local password is older than expiry to
// changeURL. Paths below the exempt prefixes are let through so the user
// can change the password or log out. A zero expiry disables the check.
func PasswordExpirer(expiry time.Duration, changeURL string, exempt []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expiry <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := auth.UserFromContext(r.Context())
			s := auth.SessionFromContext(r.Context())
			if user == nil || s == nil || s.Backend != config.BackendModel ||
				hasAnyPrefix(r.URL.Path, exempt) || !user.PasswordExpired(expiry, time.Now()) {
				next.ServeHTTP(w, r)
				return
			}

			http.Redirect(w, r, changeURL, http.StatusFound)
		})
	}
}

// RequireStaff allows only active staff users through: 401 when nobody is
// logged in, 403 for everyone else.
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r.Context())
		if user == nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}
		if !auth.IsStaff(r.Context()) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Staff access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
