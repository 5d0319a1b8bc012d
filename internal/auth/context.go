package auth

import (
	"context"

	"github.com/ratticdb/rattic/internal/model"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	sessionContextKey contextKey = "session"
	userContextKey    contextKey = "user"
)

// ContextWithSession adds the request's session to the context.
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext retrieves the session from the context.
// Returns nil for anonymous requests.
func SessionFromContext(ctx context.Context) *model.Session {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok {
		return nil
	}
	return session
}

// ContextWithUser adds the authenticated user record to the context.
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user from the context.
// Returns nil if the session middleware did not load one.
func UserFromContext(ctx context.Context) *model.User {
	user, ok := ctx.Value(userContextKey).(*model.User)
	if !ok {
		return nil
	}
	return user
}

// MustUserFromContext retrieves the user from the context.
// Panics if not present (use only behind the authentication middleware).
func MustUserFromContext(ctx context.Context) *model.User {
	user := UserFromContext(ctx)
	if user == nil {
		panic("user not found in context - ensure session middleware is applied")
	}
	return user
}

// IsStaff reports whether the request belongs to an active staff user.
func IsStaff(ctx context.Context) bool {
	user := UserFromContext(ctx)
	return user != nil && user.IsActive && user.IsStaff
}
