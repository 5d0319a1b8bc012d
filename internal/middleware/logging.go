package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// requestLog collects fields that inner middleware learns about a request.
type requestLog struct {
	username string
}

const requestLogKey contextKey = "request_log"

// setLogUser records the authenticated username for the request log line.
func setLogUser(ctx context.Context, username string) {
	if rl, ok := ctx.Value(requestLogKey).(*requestLog); ok {
		rl.username = username
	}
}

// Logger returns a middleware that logs HTTP requests.
// Successful requests are logged at debug, client errors at warn and
// server errors at error; the logger's handler level decides what is kept.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := wrapResponseWriter(w)
			rl := &requestLog{}
			ctx := context.WithValue(r.Context(), requestLogKey, rl)

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)

			attrs := []slog.Attr{
				slog.String("request_id", GetRequestID(ctx)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.status),
				slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			}
			if rl.username != "" {
				attrs = append(attrs, slog.String("user", rl.username))
			}

			level := slog.LevelDebug
			if wrapped.status >= 500 {
				level = slog.LevelError
			} else if wrapped.status >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(ctx, level, "http request", attrs...)
		})
	}
}
