// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ratticdb/rattic/internal/model"
	"github.com/ratticdb/rattic/internal/repository/migrations"
)

// RequireEnv returns an environment variable or skips the test if missing.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

// RequireIntegration skips the test unless ENABLE_TESTS=1 and returns
// DATABASE_URL, which must also be set.
func RequireIntegration(t testing.TB) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}
	if os.Getenv("ENABLE_TESTS") != "1" {
		t.Skip("ENABLE_TESTS != 1")
	}
	return RequireEnv(t, "DATABASE_URL")
}

const advisoryLockID int64 = 420420

// AcquireDBLock grabs a global advisory lock to serialize DB tests.
func AcquireDBLock(ctx context.Context, pool *pgxpool.Pool) (func() error, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	unlock := func() error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}

	return unlock, nil
}

// ResetSchema rolls every migration back and applies them again.
func ResetSchema(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.DownToContext(ctx, db, ".", 0); err != nil {
		return fmt.Errorf("apply down migrations: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply up migrations: %w", err)
	}

	return nil
}

// ============================================================================
// Test Data Factories
// ============================================================================

// NewTestUser creates an active, non-staff local user.
func NewTestUser(t testing.TB, username string) *model.User {
	t.Helper()
	now := time.Now().UTC()
	return &model.User{
		Username:          username,
		Email:             username + "@example.com",
		FirstName:         "Test",
		LastName:          "User",
		IsActive:          true,
		PasswordHash:      "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		PasswordChangedAt: &now,
	}
}

// NewTestStaff creates an active staff user.
func NewTestStaff(t testing.TB, username string) *model.User {
	t.Helper()
	user := NewTestUser(t, username)
	user.IsStaff = true
	return user
}

// UniqueName generates a unique name for tests, short enough for usernames.
func UniqueName(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano()%1_000_000_000)
}
