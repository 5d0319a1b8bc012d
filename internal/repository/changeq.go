package repository

import (
	"context"
	"fmt"

	"github.com/ratticdb/rattic/internal/model"
)

// ListChangeQueue returns every queued credential with its owning group,
// oldest first.
func (r *Repository) ListChangeQueue(ctx context.Context) ([]*model.ChangeQueueEntry, error) {
	query := `
		SELECT q.cred_id, q.title, q.group_id, g.name, q.queued_at
		FROM cred_changeq q
		JOIN groups g ON g.id = q.group_id
		ORDER BY q.queued_at, q.cred_id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list change queue: %w", err)
	}
	defer rows.Close()

	var entries []*model.ChangeQueueEntry
	for rows.Next() {
		var e model.ChangeQueueEntry
		if err := rows.Scan(&e.CredID, &e.Title, &e.GroupID, &e.GroupName, &e.QueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change queue entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change queue: %w", err)
	}

	return entries, nil
}

// EnqueueChange adds a credential to the change queue. Re-queuing an entry
// keeps its original timestamp.
func (r *Repository) EnqueueChange(ctx context.Context, entry *model.ChangeQueueEntry) error {
	query := `
		INSERT INTO cred_changeq (cred_id, title, group_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (cred_id) DO NOTHING
	`

	if _, err := r.pool.Exec(ctx, query, entry.CredID, entry.Title, entry.GroupID); err != nil {
		return fmt.Errorf("failed to enqueue change: %w", err)
	}
	return nil
}
