package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/ratticdb/rattic/internal/model"
)

// Common errors for user repository operations.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUsernameExists = errors.New("username already exists")
)

const userColumns = `
	u.id, u.username, u.email, u.first_name, u.last_name, u.is_staff, u.is_active,
	u.password_hash, u.password_changed_at, u.last_login_at, u.date_joined,
	COALESCE(array_agg(ug.group_id ORDER BY ug.group_id) FILTER (WHERE ug.group_id IS NOT NULL), '{}')
`

const userFrom = `
	FROM users u
	LEFT JOIN user_groups ug ON ug.user_id = u.id
`

// CreateUser inserts a new user and its group memberships. user.ID and
// user.DateJoined are set from the database.
func (r *Repository) CreateUser(ctx context.Context, user *model.User) error {
	query := `
		INSERT INTO users (username, email, first_name, last_name, is_staff, is_active,
			password_hash, password_changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, date_joined
	`

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, query,
			user.Username,
			user.Email,
			user.FirstName,
			user.LastName,
			user.IsStaff,
			user.IsActive,
			user.PasswordHash,
			user.PasswordChangedAt,
		).Scan(&user.ID, &user.DateJoined)
		if err != nil {
			return err
		}
		return replaceUserGroups(ctx, tx, user.ID, user.GroupIDs)
	})

	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUserByID retrieves a user by their ID.
func (r *Repository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	query := `SELECT ` + userColumns + userFrom + `WHERE u.id = $1 GROUP BY u.id`

	user, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	query := `SELECT ` + userColumns + userFrom + `WHERE u.username = $1 GROUP BY u.id`

	user, err := scanUser(r.pool.QueryRow(ctx, query, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}

	return user, nil
}

// ListUsers returns all users ordered by username.
func (r *Repository) ListUsers(ctx context.Context) ([]*model.User, error) {
	query := `SELECT ` + userColumns + userFrom + `GROUP BY u.id ORDER BY u.username`
	return r.queryUsers(ctx, query)
}

// ListGroupMembers returns the users in a group ordered by username.
func (r *Repository) ListGroupMembers(ctx context.Context, groupID int64) ([]*model.User, error) {
	query := `SELECT ` + userColumns + userFrom + `
		WHERE u.id IN (SELECT user_id FROM user_groups WHERE group_id = $1)
		GROUP BY u.id ORDER BY u.username`
	return r.queryUsers(ctx, query, groupID)
}

// UpdateUser saves profile fields, flags and group memberships.
// The password is left untouched; use SetPassword.
func (r *Repository) UpdateUser(ctx context.Context, user *model.User) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return updateUser(ctx, tx, user)
	})
	return updateUserError(err)
}

// UpdateUserAndPassword saves the same fields as UpdateUser together with
// a new password hash, in one transaction.
func (r *Repository) UpdateUserAndPassword(ctx context.Context, user *model.User, hash string, changedAt time.Time) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := updateUser(ctx, tx, user); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE users SET password_hash = $2, password_changed_at = $3 WHERE id = $1`,
			user.ID, hash, changedAt)
		return err
	})
	if err != nil {
		return updateUserError(err)
	}
	user.PasswordHash = hash
	user.PasswordChangedAt = &changedAt
	return nil
}

func updateUser(ctx context.Context, tx pgx.Tx, user *model.User) error {
	query := `
		UPDATE users
		SET username = $2, email = $3, first_name = $4, last_name = $5,
			is_staff = $6, is_active = $7
		WHERE id = $1
	`

	result, err := tx.Exec(ctx, query,
		user.ID,
		user.Username,
		user.Email,
		user.FirstName,
		user.LastName,
		user.IsStaff,
		user.IsActive,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return replaceUserGroups(ctx, tx, user.ID, user.GroupIDs)
}

func updateUserError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUserNotFound):
		return err
	case isUniqueViolation(err):
		return ErrUsernameExists
	default:
		return fmt.Errorf("failed to update user: %w", err)
	}
}

// SetPassword stores a new password hash. An empty hash marks the
// password unusable.
func (r *Repository) SetPassword(ctx context.Context, id int64, hash string, changedAt time.Time) error {
	query := `
		UPDATE users
		SET password_hash = $2, password_changed_at = $3
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, hash, changedAt)
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// UpdateLastLogin records a successful login.
func (r *Repository) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// DeleteUser removes a user. Memberships cascade.
func (r *Repository) DeleteUser(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetUserGroups replaces a user's memberships.
func (r *Repository) SetUserGroups(ctx context.Context, userID int64, groupIDs []int64) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return replaceUserGroups(ctx, tx, userID, groupIDs)
	})
	if err != nil {
		return fmt.Errorf("failed to set user groups: %w", err)
	}
	return nil
}

// replaceUserGroups deletes and re-inserts memberships inside tx.
// Unknown group ids are ignored.
func replaceUserGroups(ctx context.Context, tx pgx.Tx, userID int64, groupIDs []int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM user_groups WHERE user_id = $1`, userID); err != nil {
		return err
	}
	if len(groupIDs) == 0 {
		return nil
	}

	query := `
		INSERT INTO user_groups (user_id, group_id)
		SELECT $1, g.id FROM groups g WHERE g.id = ANY($2)
		ON CONFLICT DO NOTHING
	`
	_, err := tx.Exec(ctx, query, userID, pq.Array(groupIDs))
	return err
}

func (r *Repository) queryUsers(ctx context.Context, query string, args ...any) ([]*model.User, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}

// scanUser scans a row selected with userColumns. Arrays are scanned
// into plain slices: pgx reads them in binary format, which pq.Array
// cannot parse.
func scanUser(row pgx.Row) (*model.User, error) {
	var user model.User
	var groupIDs []int64

	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.IsStaff,
		&user.IsActive,
		&user.PasswordHash,
		&user.PasswordChangedAt,
		&user.LastLoginAt,
		&user.DateJoined,
		&groupIDs,
	)
	if err != nil {
		return nil, err
	}

	user.GroupIDs = groupIDs
	return &user, nil
}
