// Package config resolves process settings from environment variables.
// Values are read once at start-up; the resulting Config is never mutated.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
)

// ErrInvalid is wrapped by every error that Load returns for a value that
// was present but unusable.
var ErrInvalid = errors.New("invalid configuration")

// Env holds the raw values read from the environment.
type Env struct {
	// Application
	RootURL     string `env:"URL_PATH" envDefault:"/"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	SecretKey   string `env:"SECRET_KEY,required"`
	TimeZone    string `env:"TIME_ZONE" envDefault:"UTC"`
	Hostname    string `env:"VIRTUAL_HOST" envDefault:"localhost"`
	AppPort     int    `env:"APP_PORT" envDefault:"8000"`
	EnableTests bool   `env:"ENABLE_TESTS" envDefault:"false"`

	// Session cookie age in seconds.
	SessionCookieAge int `env:"SESSION_COOKIE_TIMEOUT" envDefault:"1800"`

	// Credential store knobs.
	MaxAttachmentSize        int64 `env:"MAX_ATTACHMENT_SIZE" envDefault:"2097152"`
	DisableExport            bool  `env:"DISABLE_KEEPASS_EXPORT" envDefault:"false"`
	LoginlessSSHFingerprints bool  `env:"LOGINLESS_SSH_FINGERPRINTS" envDefault:"false"`

	// SSL termination in front of the app. Only trust this when the proxy
	// strips the header from client requests.
	SSLHeader      string `env:"SSL_HEADER"`
	SSLHeaderValue string `env:"SSL_HEADER_VALUE"`

	// Filesystem paths
	HelpRoot   string `env:"HELP_ROOT" envDefault:"help"`
	MediaRoot  string `env:"MEDIA_ROOT" envDefault:"media"`
	StaticRoot string `env:"STATIC_ROOT" envDefault:"static"`

	// Storage
	DatabaseURL string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/ratticdb?sslmode=disable"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Login throttling, per client IP.
	LoginRateLimitRPS   int `env:"LOGIN_RATE_LIMIT_RPS" envDefault:"1"`
	LoginRateLimitBurst int `env:"LOGIN_RATE_LIMIT_BURST" envDefault:"10"`

	// How often (in days) users must change their password.
	PasswordExpiryDays int `env:"PASSWORD_EXPIRY_DAYS" envDefault:"90"`

	// Days between change queue reminders, zero disables the task.
	ChangeQueueReminderDays int `env:"CHANGE_QUEUE_REMINDER_PERIOD" envDefault:"0"`

	Backup BackupConfig
	Email  EmailConfig
	LDAP   LDAPConfig   `envPrefix:"LDAP_"`
	Google GoogleConfig `envPrefix:"GOOGLE_APPS_AUTHENTICATION_"`
}

// BackupConfig locates backup output and encryption keys.
type BackupConfig struct {
	Dir     string `env:"BACKUP_DIR"`
	GPGHome string `env:"BACKUP_GPG_HOME"`
	// Recipients is a comma separated list of key ids, names or emails.
	Recipients string `env:"BACKUP_RECIPIENTS"`

	S3Bucket   string `env:"BACKUP_S3_BUCKET"`
	S3Prefix   string `env:"BACKUP_S3_PREFIX" envDefault:"backups/"`
	S3Region   string `env:"BACKUP_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string `env:"BACKUP_S3_ENDPOINT"`
	// Static credentials; the default AWS chain is used when unset.
	S3AccessKey string `env:"BACKUP_S3_ACCESS_KEY"`
	S3SecretKey string `env:"BACKUP_S3_SECRET_KEY"`
}

// EmailConfig holds outgoing mail settings.
type EmailConfig struct {
	Host     string `env:"SMTP_HOST" envDefault:"localhost"`
	Port     int    `env:"SMTP_PORT" envDefault:"25"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	UseTLS   bool   `env:"EMAIL_USE_TLS" envDefault:"false"`
	// From defaults to ratticdb@<VIRTUAL_HOST> when empty.
	From string `env:"EMAIL_FROM"`
}

// LDAPConfig holds the LDAP_* variables.
type LDAPConfig struct {
	Enabled             bool   `env:"ENABLED" envDefault:"false"`
	BindDN              string `env:"BIND_DN"`
	BindPassword        string `env:"BIND_PASSWORD"`
	URI                 string `env:"URI"`
	UserBase            string `env:"USER_BASE"`
	GroupBase           string `env:"GROUP_BASE"`
	UserFilter          string `env:"USER_FILTER"`
	GroupFilter         string `env:"GROUP_FILTER" envDefault:"(objectClass=_fake)"`
	GroupType           string `env:"GROUP_TYPE" envDefault:"PosixGroupType"`
	UserFirstName       string `env:"USER_FIRST_NAME"`
	UserLastName        string `env:"USER_LAST_NAME"`
	GroupsEnabled       bool   `env:"GROUPS_ENABLED" envDefault:"true"`
	AllowPasswordChange bool   `env:"ALLOW_PASSWORD_CHANGE" envDefault:"false"`
	StartTLS            bool   `env:"STARTTLS" envDefault:"false"`
	RequireCert         bool   `env:"REQUIRE_CERT" envDefault:"true"`
	Referrals           bool   `env:"REFERRALS" envDefault:"false"`
	Staff               string `env:"STAFF"`
}

// GoogleConfig holds the GOOGLE_APPS_AUTHENTICATION_* variables.
type GoogleConfig struct {
	Enabled       bool   `env:"ENABLED" envDefault:"false"`
	ClientID      string `env:"CLIENT_ID"`
	ClientSecret  string `env:"CLIENT_SECRET"`
	Domain        string `env:"DOMAIN"`
	RedirectHTTPS bool   `env:"REDIRECT" envDefault:"false"`
}

// Config is the resolved application configuration: the raw environment
// plus every value derived from it.
type Config struct {
	Env

	MediaURL         string
	StaticURL        string
	LoginURL         string
	LoginRedirectURL string
	LoginErrorURL    string
	AllowedHosts     []string
	DefaultFromEmail string

	// AuthBackends lists backend names in the order they are tried.
	AuthBackends []string

	// PasswordExpiry is zero when passwords never expire.
	PasswordExpiry time.Duration

	// Location is TimeZone loaded; the scheduler runs in it.
	Location *time.Location

	// Schedule maps periodic task names to their period.
	Schedule map[string]time.Duration

	SecureProxyHeader ProxyHeader

	UseLDAPGroups   bool
	LDAPDirectory   LDAPDirectory
	RequestLogLevel slog.Level
	LDAPLogLevel    slog.Level
	ConsoleLogLevel slog.Level
}

// StaffURL returns the staff home under the root path.
func (c *Config) StaffURL() string {
	return JoinURL(c.RootURL, "staff/")
}

// Load parses environment variables and returns the resolved Config.
// Returns an error naming the variable if a required one is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(&cfg.Env); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}
