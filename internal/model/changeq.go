package model

import "time"

// ChangeQueueEntry is a credential waiting for its password to be changed,
// as seen by the group that owns it.
type ChangeQueueEntry struct {
	CredID    int64     `json:"cred_id"`
	Title     string    `json:"title"`
	GroupID   int64     `json:"group_id"`
	GroupName string    `json:"group_name"`
	QueuedAt  time.Time `json:"queued_at"`
}
