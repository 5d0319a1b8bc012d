package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ratticdb/rattic/internal/auth"
	"github.com/ratticdb/rattic/internal/model"
	"github.com/ratticdb/rattic/internal/repository"
)

// SessionLoader loads the session named by a request's cookie.
type SessionLoader interface {
	Load(r *http.Request) (*model.Session, error)
}

// UserGetter loads users by id.
type UserGetter interface {
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
}

// Session loads the session and its user into the request context.
// Sessions of deleted or deactivated users are treated as anonymous.
func Session(sessions SessionLoader, users UserGetter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := sessions.Load(r)
			if err != nil {
				logger.Error("session lookup failed",
					slog.String("error", err.Error()),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Session store unavailable")
				return
			}
			if s == nil {
				next.ServeHTTP(w, r)
				return
			}

			user, err := users.GetUserByID(r.Context(), s.UserID)
			switch {
			case errors.Is(err, repository.ErrUserNotFound):
				next.ServeHTTP(w, r)
				return
			case err != nil:
				logger.Error("session user lookup failed",
					slog.String("error", err.Error()),
					slog.Int64("user_id", s.UserID),
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
				return
			}
			if !user.IsActive {
				next.ServeHTTP(w, r)
				return
			}

			ctx := auth.ContextWithSession(r.Context(), s)
			ctx = auth.ContextWithUser(ctx, user)
			setLogUser(ctx, user.Username)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
