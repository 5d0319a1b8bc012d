package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
)

// Session id format: {ulid}.{secret}
// Example: 01J9ZK3Q6W4X1V2N8R5T7Y0M3C.4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b
const (
	SessionSecretLen = 32 // hex encoded 16 bytes
	CSRFTokenLen     = 64 // hex encoded 32 bytes
)

var (
	// ErrInvalidSessionID indicates a cookie value that cannot be a session id.
	ErrInvalidSessionID = errors.New("invalid session id")

	sessionIDRegex = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}\.[a-f0-9]{32}$`)
)

// NewSessionID creates a sortable, unguessable session id.
func NewSessionID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ulid: %w", err)
	}

	secret, err := randomHex(SessionSecretLen / 2)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}

	return id.String() + "." + secret, nil
}

// ValidateSessionID checks the format of a cookie value before it is used
// as a lookup key.
func ValidateSessionID(id string) error {
	if !sessionIDRegex.MatchString(id) {
		return ErrInvalidSessionID
	}
	return nil
}

// NewCSRFToken creates the per-session CSRF token.
func NewCSRFToken() (string, error) {
	return randomHex(CSRFTokenLen / 2)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
