package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ratticdb/rattic/internal/config"
	"github.com/ratticdb/rattic/internal/model"
	"github.com/ratticdb/rattic/internal/repository"
)

// dummyHash is verified against when the user does not exist so that a
// missing account costs as much as a wrong password.
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=4$c29tZXNhbHRzb21lc2FsdA$0G0pEhpyN7Mvn0rbo7G+9wGyMvzVQzXW3ZW3sVx5vlQ"

// passwordSetter is implemented by stores that can upgrade a stored hash.
type passwordSetter interface {
	SetPassword(ctx context.Context, id int64, hash string, changedAt time.Time) error
}

// ModelBackend checks passwords stored in the users table.
type ModelBackend struct {
	users UserStore
}

// NewModelBackend creates the local database backend.
func NewModelBackend(users UserStore) *ModelBackend {
	return &ModelBackend{users: users}
}

// Name implements PasswordBackend.
func (b *ModelBackend) Name() string { return config.BackendModel }

// Authenticate implements PasswordBackend.
func (b *ModelBackend) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	user, err := b.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			_, _ = VerifyPassword(password, dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if !user.IsActive || !user.HasUsablePassword() {
		return nil, ErrInvalidCredentials
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	b.upgradeHash(ctx, user, password)
	return user, nil
}

// upgradeHash rehashes with the current cost settings. The change time is
// kept so expiry is unaffected; a failed upgrade leaves the old hash,
// which still verifies.
func (b *ModelBackend) upgradeHash(ctx context.Context, user *model.User, password string) {
	setter, ok := b.users.(passwordSetter)
	if !ok || user.PasswordChangedAt == nil || !NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := HashPassword(password)
	if err != nil {
		return
	}
	if setter.SetPassword(ctx, user.ID, hash, *user.PasswordChangedAt) == nil {
		user.PasswordHash = hash
	}
}
