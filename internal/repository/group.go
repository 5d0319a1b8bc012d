package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ratticdb/rattic/internal/model"
)

// Common errors for group repository operations.
var (
	ErrGroupNotFound   = errors.New("group not found")
	ErrGroupNameExists = errors.New("group name already exists")
)

const groupSelect = `
	SELECT g.id, g.name,
		COALESCE(array_agg(ug.user_id ORDER BY ug.user_id) FILTER (WHERE ug.user_id IS NOT NULL), '{}')
	FROM groups g
	LEFT JOIN user_groups ug ON ug.group_id = g.id
`

// CreateGroup inserts a new group and sets group.ID.
func (r *Repository) CreateGroup(ctx context.Context, group *model.Group) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO groups (name) VALUES ($1) RETURNING id`,
		group.Name,
	).Scan(&group.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrGroupNameExists
		}
		return fmt.Errorf("failed to create group: %w", err)
	}

	return nil
}

// GetGroupByID retrieves a group with its member ids.
func (r *Repository) GetGroupByID(ctx context.Context, id int64) (*model.Group, error) {
	query := groupSelect + `WHERE g.id = $1 GROUP BY g.id`

	group, err := scanGroup(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to get group by ID: %w", err)
	}

	return group, nil
}

// GetOrCreateGroup returns the group with name, creating it if missing.
// Used when mirroring directory groups.
func (r *Repository) GetOrCreateGroup(ctx context.Context, name string) (*model.Group, error) {
	query := `
		INSERT INTO groups (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`

	group := &model.Group{Name: name}
	if err := r.pool.QueryRow(ctx, query, name).Scan(&group.ID); err != nil {
		return nil, fmt.Errorf("failed to get or create group: %w", err)
	}

	return group, nil
}

// ListGroups returns all groups ordered by name.
func (r *Repository) ListGroups(ctx context.Context) ([]*model.Group, error) {
	query := groupSelect + `GROUP BY g.id ORDER BY g.name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*model.Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}

	return groups, nil
}

// UpdateGroup renames a group.
func (r *Repository) UpdateGroup(ctx context.Context, group *model.Group) error {
	result, err := r.pool.Exec(ctx, `UPDATE groups SET name = $2 WHERE id = $1`, group.ID, group.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrGroupNameExists
		}
		return fmt.Errorf("failed to update group: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// DeleteGroup removes a group. Memberships cascade.
func (r *Repository) DeleteGroup(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrGroupNotFound
	}
	return nil
}

func scanGroup(row pgx.Row) (*model.Group, error) {
	var group model.Group
	var members []int64

	if err := row.Scan(&group.ID, &group.Name, &members); err != nil {
		return nil, err
	}

	group.MemberIDs = members
	return &group, nil
}
