package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ratticdb/rattic/internal/auth"
	"github.com/ratticdb/rattic/internal/config"
	"github.com/ratticdb/rattic/internal/metrics"
	"github.com/ratticdb/rattic/internal/middleware"
	"github.com/ratticdb/rattic/internal/model"
)

const googleNonceCookie = "google_oauth2_nonce"

// Authenticator checks a username and password against the password
// backends and names the one that accepted them.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*model.User, string, error)
}

// Sessions starts and ends login sessions.
type Sessions interface {
	Start(w http.ResponseWriter, r *http.Request, user *model.User, backend string) (*model.Session, error)
	End(w http.ResponseWriter, r *http.Request) error
	EndUser(ctx context.Context, userID int64) error
	Save(ctx context.Context, s *model.Session) error
}

// AccountStore is the repository surface used by the account views.
type AccountStore interface {
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
	SetPassword(ctx context.Context, id int64, hash string, changedAt time.Time) error
}

// DirectoryPasswords changes passwords held in the LDAP directory.
type DirectoryPasswords interface {
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error
}

// OAuthLogin is the Google Apps login flow.
type OAuthLogin interface {
	AuthCodeURL() (string, string, error)
	Complete(ctx context.Context, state, nonce, code string) (*model.User, error)
}

// AccountConfig holds the URLs the account views redirect to.
type AccountConfig struct {
	RootURL          string
	LoginURL         string
	LoginRedirectURL string
	LoginErrorURL    string
	// Secure reports whether the request arrived over HTTPS.
	Secure func(*http.Request) bool
}

// AccountHandler serves login, logout and password change.
type AccountHandler struct {
	authn     Authenticator
	sessions  Sessions
	store     AccountStore
	directory DirectoryPasswords
	google    OAuthLogin
	cfg       AccountConfig
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// AccountOption configures optional login backends.
type AccountOption func(*AccountHandler)

// WithDirectoryPasswords lets LDAP users change their directory password.
func WithDirectoryPasswords(d DirectoryPasswords) AccountOption {
	return func(h *AccountHandler) { h.directory = d }
}

// WithGoogleLogin enables the Google Apps login views.
func WithGoogleLogin(g OAuthLogin) AccountOption {
	return func(h *AccountHandler) { h.google = g }
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(
	authn Authenticator,
	sessions Sessions,
	store AccountStore,
	cfg AccountConfig,
	recorder metrics.Recorder,
	logger *slog.Logger,
	opts ...AccountOption,
) *AccountHandler {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if cfg.Secure == nil {
		cfg.Secure = func(r *http.Request) bool { return r.TLS != nil }
	}
	h := &AccountHandler{
		authn:    authn,
		sessions: sessions,
		store:    store,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GoogleEnabled reports whether the Google login views are served.
func (h *AccountHandler) GoogleEnabled() bool { return h.google != nil }

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Next     string `json:"next,omitempty"`
}

type changePasswordRequest struct {
	OldPassword  string `json:"old_password"`
	NewPassword1 string `json:"new_password1"`
	NewPassword2 string `json:"new_password2"`
}

type languageRequest struct {
	Language string `json:"language"`
	Next     string `json:"next,omitempty"`
}

// Index handles GET on the application root: the login page for
// anonymous users, the credential list for everyone else.
func (h *AccountHandler) Index(w http.ResponseWriter, r *http.Request) {
	if auth.UserFromContext(r.Context()) != nil {
		http.Redirect(w, r, h.cfg.LoginRedirectURL, http.StatusFound)
		return
	}
	h.LoginForm(w, r)
}

// LoginForm handles GET /account/login/.
func (h *AccountHandler) LoginForm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"next":   safeRedirect(r.URL.Query().Get("next"), h.cfg.LoginRedirectURL),
		"google": h.google != nil,
	})
}

// Login handles POST /account/login/.
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	err := decodeBody(r, &req, func(form url.Values) error {
		req.Username = form.Get("username")
		req.Password = form.Get("password")
		req.Next = form.Get("next")
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}
	if req.Next == "" {
		req.Next = r.URL.Query().Get("next")
	}

	user, backend, err := h.authn.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.recorder.IncLogin("none", metrics.LoginFailure)
			h.logger.Info("login_failed",
				"username", req.Username,
				"request_id", middleware.GetRequestID(r.Context()),
			)
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS",
				"Please enter a correct username and password.")
			return
		}
		h.internalError(w, r, err)
		return
	}

	if !h.startSession(w, r, user, backend) {
		return
	}
	http.Redirect(w, r, safeRedirect(req.Next, h.cfg.LoginRedirectURL), http.StatusFound)
}

// Logout handles POST /account/logout/.
func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.End(w, r); err != nil {
		h.internalError(w, r, err)
		return
	}
	http.Redirect(w, r, h.cfg.LoginURL, http.StatusFound)
}

// LoginError handles GET /account/login-error/.
func (h *AccountHandler) LoginError(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusUnauthorized, "LOGIN_FAILED", "Login failed. Please try again.")
}

// ChangePasswordForm handles GET /account/changepass/.
func (h *AccountHandler) ChangePasswordForm(w http.ResponseWriter, r *http.Request) {
	s := auth.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"backend": s.Backend,
		"allowed": h.canChangePassword(s.Backend),
	})
}

// ChangePassword handles POST /account/changepass/. Local passwords are
// checked and stored here; LDAP passwords are changed in the directory
// when that is allowed. The user is logged out everywhere else.
func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())
	s := auth.SessionFromContext(r.Context())
	if !h.canChangePassword(s.Backend) {
		writeError(w, http.StatusForbidden, "PASSWORD_CHANGE_DISABLED", auth.ErrPasswordChangeDisabled.Error())
		return
	}

	var req changePasswordRequest
	err := decodeBody(r, &req, func(form url.Values) error {
		req.OldPassword = form.Get("old_password")
		req.NewPassword1 = form.Get("new_password1")
		req.NewPassword2 = form.Get("new_password2")
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	errs := map[string]string{}
	switch {
	case len(req.NewPassword1) < model.MinPasswordLength:
		errs["new_password1"] = "Ensure this value has at least 8 characters."
	case req.NewPassword1 != req.NewPassword2:
		errs["new_password2"] = "The two password fields didn't match."
	}
	if len(errs) > 0 {
		writeFieldErrors(w, errs)
		return
	}

	switch s.Backend {
	case config.BackendLDAP:
		err = h.directory.ChangePassword(r.Context(), user.Username, req.OldPassword, req.NewPassword1)
	default:
		err = h.changeLocalPassword(r.Context(), user, req.OldPassword, req.NewPassword1)
	}
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeFieldErrors(w, map[string]string{
				"old_password": "Your old password was entered incorrectly.",
			})
			return
		}
		h.internalError(w, r, err)
		return
	}

	if err := h.sessions.EndUser(r.Context(), user.ID); err != nil {
		h.internalError(w, r, err)
		return
	}
	if !h.startSession(w, r, user, s.Backend) {
		return
	}

	h.logger.Info("password_changed", "user_id", user.ID, "backend", s.Backend)
	http.Redirect(w, r, h.cfg.LoginRedirectURL, http.StatusFound)
}

func (h *AccountHandler) canChangePassword(backend string) bool {
	switch backend {
	case config.BackendModel:
		return true
	case config.BackendLDAP:
		return h.directory != nil
	default:
		return false
	}
}

func (h *AccountHandler) changeLocalPassword(ctx context.Context, user *model.User, oldPassword, newPassword string) error {
	ok, err := auth.VerifyPassword(oldPassword, user.PasswordHash)
	if err != nil || !ok {
		return auth.ErrInvalidCredentials
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	now := h.now().UTC()
	if err := h.store.SetPassword(ctx, user.ID, hash, now); err != nil {
		return err
	}
	user.PasswordHash = hash
	user.PasswordChangedAt = &now
	return nil
}

// GoogleLogin handles GET /account/login/google-oauth2/.
func (h *AccountHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	target, nonce, err := h.google.AuthCodeURL()
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     googleNonceCookie,
		Value:    nonce,
		Path:     h.cfg.RootURL,
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.Secure(r),
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, target, http.StatusFound)
}

// GoogleComplete handles GET /account/complete/google-oauth2/.
func (h *AccountHandler) GoogleComplete(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     googleNonceCookie,
		Path:     h.cfg.RootURL,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.Secure(r),
		SameSite: http.SameSiteLaxMode,
	})

	query := r.URL.Query()
	if reason := query.Get("error"); reason != "" {
		h.googleFailed(w, r, errors.New("google: "+reason))
		return
	}

	var nonce string
	if c, err := r.Cookie(googleNonceCookie); err == nil {
		nonce = c.Value
	}

	user, err := h.google.Complete(r.Context(), query.Get("state"), nonce, query.Get("code"))
	if err != nil {
		h.googleFailed(w, r, err)
		return
	}

	if !h.startSession(w, r, user, config.BackendGoogle) {
		return
	}
	http.Redirect(w, r, h.cfg.LoginRedirectURL, http.StatusFound)
}

func (h *AccountHandler) googleFailed(w http.ResponseWriter, r *http.Request, err error) {
	h.recorder.IncLogin(config.BackendGoogle, metrics.LoginFailure)
	h.logger.Warn("google_login_failed",
		"error", err,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	http.Redirect(w, r, h.cfg.LoginErrorURL, http.StatusFound)
}

// SetLanguage handles POST /i18n/setlang/.
func (h *AccountHandler) SetLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	err := decodeBody(r, &req, func(form url.Values) error {
		req.Language = form.Get("language")
		req.Next = form.Get("next")
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	lang, ok := middleware.MatchLanguage(req.Language)
	if !ok {
		writeFieldErrors(w, map[string]string{"language": "Select a valid choice."})
		return
	}

	if s := auth.SessionFromContext(r.Context()); s != nil {
		s.Language = lang
		if err := h.sessions.Save(r.Context(), s); err != nil {
			h.internalError(w, r, err)
			return
		}
	}
	http.Redirect(w, r, safeRedirect(req.Next, h.cfg.LoginRedirectURL), http.StatusFound)
}

// startSession logs user in. It writes the error response and returns
// false on failure.
func (h *AccountHandler) startSession(w http.ResponseWriter, r *http.Request, user *model.User, backend string) bool {
	if _, err := h.sessions.Start(w, r, user, backend); err != nil {
		h.internalError(w, r, err)
		return false
	}
	if err := h.store.UpdateLastLogin(r.Context(), user.ID, h.now().UTC()); err != nil {
		h.logger.Warn("failed to record last login", "user_id", user.ID, "error", err)
	}

	h.recorder.IncLogin(backend, metrics.LoginSuccess)
	h.logger.Info("login",
		"user_id", user.ID,
		"username", user.Username,
		"backend", backend,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	return true
}

func (h *AccountHandler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("internal_error",
		"error", err,
		"path", r.URL.Path,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
}
