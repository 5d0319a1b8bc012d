package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ratticdb/rattic/internal/model"
)

var (
	// ErrInvalidCredentials is returned when no backend accepts the
	// username and password. Backends use it to pass to the next one.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoBackends is returned by a chain with nothing to try.
	ErrNoBackends = errors.New("no password backends configured")
	// ErrPasswordChangeDisabled is returned when the backend that owns the
	// password does not allow changing it here.
	ErrPasswordChangeDisabled = errors.New("password change is not allowed for this account")
)

// UserStore is the subset of the repository the backends need.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	CreateUser(ctx context.Context, user *model.User) error
	UpdateUser(ctx context.Context, user *model.User) error
	GetOrCreateGroup(ctx context.Context, name string) (*model.Group, error)
}

// PasswordBackend verifies a username and password.
type PasswordBackend interface {
	Name() string
	Authenticate(ctx context.Context, username, password string) (*model.User, error)
}

// Chain tries password backends in order until one accepts the credentials.
type Chain struct {
	backends []PasswordBackend
	logger   *slog.Logger
}

// NewChain creates a backend chain.
func NewChain(logger *slog.Logger, backends ...PasswordBackend) *Chain {
	return &Chain{backends: backends, logger: logger}
}

// Backends returns the backend names in the order they are tried.
func (c *Chain) Backends() []string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return names
}

// Authenticate returns the user and the name of the backend that accepted
// the credentials. A backend failing with anything other than
// ErrInvalidCredentials stops the chain.
func (c *Chain) Authenticate(ctx context.Context, username, password string) (*model.User, string, error) {
	if len(c.backends) == 0 {
		return nil, "", ErrNoBackends
	}
	if username == "" || password == "" {
		return nil, "", ErrInvalidCredentials
	}

	for _, b := range c.backends {
		user, err := b.Authenticate(ctx, username, password)
		if err == nil {
			return user, b.Name(), nil
		}
		if !errors.Is(err, ErrInvalidCredentials) {
			return nil, "", fmt.Errorf("%s backend: %w", b.Name(), err)
		}
		c.logger.Debug("backend rejected credentials",
			"backend", b.Name(),
			"username", username,
		)
	}

	return nil, "", ErrInvalidCredentials
}
