// Package session manages cookie-backed server-side sessions.
package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ratticdb/rattic/internal/auth"
	"github.com/ratticdb/rattic/internal/metrics"
	"github.com/ratticdb/rattic/internal/model"
)

// DefaultCookieName is the session cookie name.
const DefaultCookieName = "sessionid"

// Store persists sessions. *cache.Cache implements it.
type Store interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	SaveSession(ctx context.Context, session *model.Session) error
	DeleteSession(ctx context.Context, session *model.Session) error
	DeleteUserSessions(ctx context.Context, userID int64) error
}

// Config controls the session cookie.
type Config struct {
	CookieName string
	// Path scopes the cookie to the application root.
	Path string
	// Age is how long a session lives server-side. The cookie itself has
	// no expiry and ends with the browser. A zero Age expires sessions
	// immediately, so logins do not outlast the response.
	Age time.Duration
	// Secure reports whether the request arrived over HTTPS.
	Secure func(*http.Request) bool
}

// Manager starts, loads and ends sessions.
type Manager struct {
	store    Store
	cfg      Config
	recorder metrics.Recorder
	now      func() time.Time
}

// NewManager creates a session manager.
func NewManager(store Store, cfg Config, recorder metrics.Recorder) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Secure == nil {
		cfg.Secure = func(r *http.Request) bool { return r.TLS != nil }
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Manager{store: store, cfg: cfg, recorder: recorder, now: time.Now}
}

// CookieName returns the session cookie name.
func (m *Manager) CookieName() string { return m.cfg.CookieName }

// Load returns the session named by the request cookie.
// Returns nil for anonymous requests and unknown or malformed ids.
func (m *Manager) Load(r *http.Request) (*model.Session, error) {
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return nil, nil //nolint:nilerr // no cookie means anonymous
	}
	if err := auth.ValidateSessionID(cookie.Value); err != nil {
		return nil, nil //nolint:nilerr // garbage cookie means anonymous
	}

	s, err := m.store.GetSession(r.Context(), cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

// Start logs user in: any session already on the request is replaced by a
// new one with a fresh id and CSRF token.
func (m *Manager) Start(w http.ResponseWriter, r *http.Request, user *model.User, backend string) (*model.Session, error) {
	if old := auth.SessionFromContext(r.Context()); old != nil {
		if err := m.store.DeleteSession(r.Context(), old); err != nil {
			return nil, err
		}
	}

	now := m.now()
	id, err := auth.NewSessionID(now)
	if err != nil {
		return nil, fmt.Errorf("new session id: %w", err)
	}
	csrf, err := auth.NewCSRFToken()
	if err != nil {
		return nil, fmt.Errorf("new csrf token: %w", err)
	}

	s := &model.Session{
		ID:        id,
		UserID:    user.ID,
		Username:  user.Username,
		IsStaff:   user.IsStaff,
		Backend:   backend,
		CSRFToken: csrf,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.Age),
	}
	if old := auth.SessionFromContext(r.Context()); old != nil {
		s.Language = old.Language
	}

	if m.cfg.Age > 0 {
		if err := m.store.SaveSession(r.Context(), s); err != nil {
			return nil, err
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    s.ID,
		Path:     m.cfg.Path,
		HttpOnly: true,
		Secure:   m.cfg.Secure(r),
		SameSite: http.SameSiteLaxMode,
	})
	m.recorder.IncSessionCreated()
	return s, nil
}

// End logs the request's session out and clears the cookie.
func (m *Manager) End(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     m.cfg.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.Secure(r),
		SameSite: http.SameSiteLaxMode,
	})

	s := auth.SessionFromContext(r.Context())
	if s == nil {
		return nil
	}
	if err := m.store.DeleteSession(r.Context(), s); err != nil {
		return err
	}
	m.recorder.IncSessionDestroyed()
	return nil
}

// EndUser ends every session of a user.
func (m *Manager) EndUser(ctx context.Context, userID int64) error {
	if err := m.store.DeleteUserSessions(ctx, userID); err != nil {
		return err
	}
	m.recorder.IncSessionDestroyed()
	return nil
}

// Save persists changes to an existing session, such as its language.
func (m *Manager) Save(ctx context.Context, s *model.Session) error {
	return m.store.SaveSession(ctx, s)
}
