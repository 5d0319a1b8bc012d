package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Authentication backend names, in AuthBackends order.
const (
	BackendModel  = "model"
	BackendLDAP   = "ldap"
	BackendGoogle = "google-oauth2"
)

// ChangeQueueReminderTask is the scheduled task that mails change queue reminders.
const ChangeQueueReminderTask = "send-change-queue-reminder-email"

// LDAP group types understood by the directory backend.
const (
	GroupTypePosix           = "PosixGroupType"
	GroupTypeGroupOfNames    = "GroupOfNamesType"
	GroupTypeGroupOfUnique   = "GroupOfUniqueNamesType"
	GroupTypeActiveDirectory = "ActiveDirectoryGroupType"
)

const (
	defaultLDAPGroupFilter = "(objectClass=_fake)"
	googleLoginPath        = "account/login/google-oauth2/"
	loginErrorPath         = "account/login-error/"
)

var validGroupTypes = []string{
	GroupTypePosix,
	GroupTypeGroupOfNames,
	GroupTypeGroupOfUnique,
	GroupTypeActiveDirectory,
}

// GoogleScopes are requested from Google during OAuth2 login.
var GoogleScopes = []string{
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// ProxyHeader is the header a TLS-terminating proxy sets on HTTPS requests.
type ProxyHeader struct {
	Name  string
	Value string
}

// Enabled reports whether a proxy header was configured.
func (p ProxyHeader) Enabled() bool {
	return p.Name != ""
}

// Search is a subtree search below Base.
type Search struct {
	Base   string
	Filter string
}

// LDAPDirectory is the resolved LDAP backend configuration.
type LDAPDirectory struct {
	ServerURI           string
	BindDN              string
	BindPassword        string
	UserSearch          Search
	GroupSearch         Search
	GroupType           string
	UserAttrMap         map[string]string
	MirrorGroups        bool
	StaffGroupDN        string
	AllowPasswordChange bool
	StartTLS            bool
	RequireCert         bool
	Referrals           bool
}

// resolve computes derived values. Every derived value depends only on
// fields of Env or on values derived earlier in this function.
func (c *Config) resolve() error {
	if !strings.HasPrefix(c.RootURL, "/") {
		return fmt.Errorf("%w: URL_PATH must start with a slash, got %q", ErrInvalid, c.RootURL)
	}

	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return fmt.Errorf("%w: TIME_ZONE %q: %v", ErrInvalid, c.TimeZone, err)
	}
	c.Location = loc

	// Zero is allowed and expires sessions immediately.
	if c.SessionCookieAge < 0 {
		return fmt.Errorf("%w: SESSION_COOKIE_TIMEOUT must not be negative", ErrInvalid)
	}

	c.MediaURL = JoinURL(c.RootURL, "media/")
	c.StaticURL = JoinURL(c.RootURL, "static/")
	c.LoginRedirectURL = JoinURL(c.RootURL, "cred/list/")
	c.LoginURL = c.RootURL

	c.AllowedHosts = []string{c.Hostname, "localhost"}

	c.DefaultFromEmail = c.Email.From
	if c.DefaultFromEmail == "" {
		c.DefaultFromEmail = "ratticdb@" + c.Hostname
	}

	if c.SSLHeader != "" {
		c.SecureProxyHeader = ProxyHeader{Name: c.SSLHeader, Value: c.SSLHeaderValue}
	}

	c.Schedule = map[string]time.Duration{}
	if c.ChangeQueueReminderDays > 0 {
		c.Schedule[ChangeQueueReminderTask] = time.Duration(c.ChangeQueueReminderDays) * 24 * time.Hour
	}

	if err := c.resolveLogLevels(); err != nil {
		return err
	}

	c.AuthBackends = []string{BackendModel}

	if c.LDAP.Enabled {
		if err := c.resolveLDAP(); err != nil {
			return err
		}
		c.AuthBackends = []string{BackendLDAP, BackendModel}
	}

	c.PasswordExpiry = time.Duration(c.PasswordExpiryDays) * 24 * time.Hour

	// Google overrides LDAP: it replaces the backend list and disables
	// local password expiry.
	if c.Google.Enabled {
		if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
			return fmt.Errorf("%w: GOOGLE_APPS_AUTHENTICATION_CLIENT_ID and _CLIENT_SECRET are required", ErrInvalid)
		}
		c.AuthBackends = []string{BackendGoogle, BackendModel}
		c.LoginURL = c.RootURL + googleLoginPath
		c.LoginErrorURL = JoinURL(c.RootURL, loginErrorPath)
		c.PasswordExpiry = 0
	}

	return nil
}

func (c *Config) resolveLDAP() error {
	l := c.LDAP
	if l.URI == "" || l.UserBase == "" {
		return fmt.Errorf("%w: LDAP_URI and LDAP_USER_BASE are required when LDAP_ENABLED", ErrInvalid)
	}
	if !slices.Contains(validGroupTypes, l.GroupType) {
		return fmt.Errorf("%w: LDAP_GROUP_TYPE %q is not one of %s",
			ErrInvalid, l.GroupType, strings.Join(validGroupTypes, ", "))
	}

	attrs := map[string]string{"email": "mail"}
	if l.UserFirstName != "" {
		attrs["first_name"] = l.UserFirstName
	}
	if l.UserLastName != "" {
		attrs["last_name"] = l.UserLastName
	}

	groupBase := l.GroupBase
	if groupBase == "" {
		groupBase = l.UserBase
	}
	groupFilter := l.GroupFilter
	if groupFilter == "" {
		groupFilter = defaultLDAPGroupFilter
	}

	c.UseLDAPGroups = l.GroupsEnabled
	c.LDAPDirectory = LDAPDirectory{
		ServerURI:           l.URI,
		BindDN:              l.BindDN,
		BindPassword:        l.BindPassword,
		UserSearch:          Search{Base: l.UserBase, Filter: l.UserFilter},
		GroupSearch:         Search{Base: groupBase, Filter: groupFilter},
		GroupType:           l.GroupType,
		UserAttrMap:         attrs,
		MirrorGroups:        l.GroupsEnabled,
		StaffGroupDN:        l.Staff,
		AllowPasswordChange: l.AllowPasswordChange,
		StartTLS:            l.StartTLS,
		RequireCert:         l.RequireCert,
		Referrals:           l.Referrals,
	}

	level, err := c.levelOrDefault(slog.LevelWarn)
	if err != nil {
		return err
	}
	c.LDAPLogLevel = level
	return nil
}

func (c *Config) resolveLogLevels() error {
	c.ConsoleLogLevel = slog.LevelInfo
	if c.Debug {
		c.ConsoleLogLevel = slog.LevelDebug
	}

	level, err := c.levelOrDefault(slog.LevelError)
	if err != nil {
		return err
	}
	c.RequestLogLevel = level
	return nil
}

// levelOrDefault returns debug in debug mode, else LOG_LEVEL, else fallback.
func (c *Config) levelOrDefault(fallback slog.Level) (slog.Level, error) {
	if c.Debug {
		return slog.LevelDebug, nil
	}
	if c.LogLevel == "" {
		return fallback, nil
	}
	level, ok := ParseLevel(c.LogLevel)
	if !ok {
		return 0, fmt.Errorf("%w: LOG_LEVEL %q", ErrInvalid, c.LogLevel)
	}
	return level, nil
}

// ParseLevel converts a level name to slog.Level. Names are case-insensitive
// and accept the "warning" and "critical" spellings.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error", "critical":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// JoinURL resolves ref against base following RFC 3986, so a base without a
// trailing slash loses its last segment.
func JoinURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return base + ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return base + ref
	}
	return b.ResolveReference(r).String()
}
