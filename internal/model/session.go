package model

import "time"

// Session is the server-side state behind a session cookie.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	IsStaff   bool      `json:"is_staff"`
	Backend   string    `json:"backend"`
	CSRFToken string    `json:"csrf_token"`
	Language  string    `json:"language,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired returns true if the session is past its expiry.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
