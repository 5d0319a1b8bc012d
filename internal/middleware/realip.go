package middleware

import (
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// RealIP rewrites RemoteAddr from X-Forwarded-For, X-Real-IP or
// True-Client-IP, but only behind a trusted proxy. Without one those
// headers are client controlled and the socket address is kept, so the
// login throttle cannot be sidestepped by forging them.
func RealIP(trustProxy bool) func(http.Handler) http.Handler {
	if trustProxy {
		return chimiddleware.RealIP
	}
	return func(next http.Handler) http.Handler { return next }
}
