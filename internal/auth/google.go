package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ratticdb/rattic/internal/config"
	"github.com/ratticdb/rattic/internal/model"
	"github.com/ratticdb/rattic/internal/repository"
)

// GoogleCompletePath is where Google redirects back to, below the root path.
const GoogleCompletePath = "account/complete/google-oauth2/"

const (
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	stateTTL          = 10 * time.Minute
	stateSubject      = "google-oauth2"
)

var (
	// ErrInvalidState is returned for a missing, forged or expired state.
	ErrInvalidState = errors.New("invalid oauth2 state")
	// ErrDomainNotAllowed is returned when the Google account is outside
	// the white-listed domain.
	ErrDomainNotAllowed = errors.New("google account domain not allowed")
	// ErrEmailUnverified is returned when Google has not verified the email.
	ErrEmailUnverified = errors.New("google account email not verified")
	// ErrInactiveUser is returned for a disabled local account.
	ErrInactiveUser = errors.New("user is inactive")
)

// GoogleOption customizes a GoogleBackend.
type GoogleOption func(*GoogleBackend)

// WithGoogleEndpoint points the backend at other OAuth2 and userinfo URLs.
func WithGoogleEndpoint(endpoint oauth2.Endpoint, userInfoURL string) GoogleOption {
	return func(b *GoogleBackend) {
		b.oauth.Endpoint = endpoint
		b.userInfoURL = userInfoURL
	}
}

// WithGoogleClock replaces time.Now for state signing and validation.
func WithGoogleClock(now func() time.Time) GoogleOption {
	return func(b *GoogleBackend) {
		b.now = now
	}
}

// GoogleBackend logs users in with Google Apps OAuth2. The username of a
// Google user is their full email address.
type GoogleBackend struct {
	oauth       *oauth2.Config
	domain      string
	secret      []byte
	userInfoURL string
	users       UserStore
	now         func() time.Time
	logger      *slog.Logger
}

// NewGoogleBackend creates the Google backend from resolved settings.
func NewGoogleBackend(cfg *config.Config, users UserStore, logger *slog.Logger, opts ...GoogleOption) *GoogleBackend {
	scheme := "http"
	if cfg.Google.RedirectHTTPS {
		scheme = "https"
	}

	b := &GoogleBackend{
		oauth: &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  scheme + "://" + cfg.Hostname + config.JoinURL(cfg.RootURL, GoogleCompletePath),
			Scopes:       config.GoogleScopes,
		},
		domain:      strings.ToLower(cfg.Google.Domain),
		secret:      []byte(cfg.SecretKey),
		userInfoURL: googleUserInfoURL,
		users:       users,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the backend name recorded on sessions.
func (b *GoogleBackend) Name() string { return config.BackendGoogle }

// RedirectURL returns the callback URL registered with Google.
func (b *GoogleBackend) RedirectURL() string { return b.oauth.RedirectURL }

type stateClaims struct {
	jwt.RegisteredClaims
}

// AuthCodeURL returns the Google consent URL and the nonce embedded in its
// state. The caller keeps the nonce in a cookie and passes it to Complete.
func (b *GoogleBackend) AuthCodeURL() (string, string, error) {
	nonce, err := randomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}

	now := b.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   stateSubject,
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	})
	state, err := token.SignedString(b.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign state: %w", err)
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOnline}
	if b.domain != "" {
		opts = append(opts, oauth2.SetAuthURLParam("hd", b.domain))
	}
	return b.oauth.AuthCodeURL(state, opts...), nonce, nil
}

// VerifyState checks the signature, expiry and nonce of a state value.
func (b *GoogleBackend) VerifyState(state, nonce string) error {
	if state == "" || nonce == "" {
		return ErrInvalidState
	}

	claims := &stateClaims{}
	token, err := jwt.ParseWithClaims(state, claims, func(*jwt.Token) (any, error) {
		return b.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(stateSubject),
		jwt.WithTimeFunc(b.now),
	)
	if err != nil || !token.Valid {
		return ErrInvalidState
	}
	if claims.ID != nonce {
		return ErrInvalidState
	}
	return nil
}

type googleUserInfo struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	HostedDomain  string `json:"hd"`
}

// Complete finishes the OAuth2 flow and returns the local user, creating
// it on first login.
func (b *GoogleBackend) Complete(ctx context.Context, state, nonce, code string) (*model.User, error) {
	if err := b.VerifyState(state, nonce); err != nil {
		return nil, err
	}

	token, err := b.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	info, err := b.fetchUserInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	if !info.EmailVerified {
		return nil, ErrEmailUnverified
	}

	email := strings.ToLower(info.Email)
	if b.domain != "" && !strings.HasSuffix(email, "@"+b.domain) {
		b.logger.Warn("google login outside white-listed domain", "email", email)
		return nil, ErrDomainNotAllowed
	}

	return b.getOrCreate(ctx, email, info)
}

func (b *GoogleBackend) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}

	resp, err := b.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch userinfo: unexpected status %d", resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" {
		return nil, errors.New("userinfo has no email")
	}
	return &info, nil
}

func (b *GoogleBackend) getOrCreate(ctx context.Context, email string, info *googleUserInfo) (*model.User, error) {
	user, err := b.users.GetUserByUsername(ctx, email)
	if err == nil {
		if !user.IsActive {
			return nil, ErrInactiveUser
		}
		return user, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, fmt.Errorf("get user: %w", err)
	}

	user = &model.User{
		Username:  email,
		Email:     email,
		FirstName: truncate(info.GivenName, model.MaxNameLength),
		LastName:  truncate(info.FamilyName, model.MaxNameLength),
		IsActive:  true,
	}
	if err := b.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create google user: %w", err)
	}

	b.logger.Info("google user created", "username", email)
	return user, nil
}
