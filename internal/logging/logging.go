// Package logging builds the process loggers.
package logging

import (
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// New returns a JSON or text logger writing to w at level. Any format
// other than "json" selects text.
func New(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Component returns a child logger with its own level, for subsystems such
// as the LDAP backend that are configured more quietly than the console.
func Component(w io.Writer, format string, level slog.Leveler, name string) *slog.Logger {
	return New(w, format, level).With("component", name)
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

// RedactURL drops the password from a connection URL.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

// SanitizeError renders err with every secret URL redacted.
func SanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := RedactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
