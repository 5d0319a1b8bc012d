// Package model defines domain entities for the application.
package model

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Field limits for user and group records.
const (
	// Google and LDAP accounts use the full email address as username.
	MaxUsernameLength  = 254
	MaxNameLength      = 30
	MaxGroupNameLength = 80
	MinPasswordLength  = 8
)

// tooLong is the field error for values over n characters. Lengths are
// counted in characters, as Postgres VARCHAR does.
func tooLong(n int) string {
	return fmt.Sprintf("Ensure this value has at most %d characters.", n)
}

var usernamePattern = regexp.MustCompile(`^[\w.@+-]+$`)

// User is a system account. PasswordHash is empty for accounts that
// authenticate elsewhere (LDAP, Google).
type User struct {
	ID                int64      `json:"id"`
	Username          string     `json:"username"`
	Email             string     `json:"email"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	IsStaff           bool       `json:"is_staff"`
	IsActive          bool       `json:"is_active"`
	PasswordHash      string     `json:"-"` // Never serialize
	PasswordChangedAt *time.Time `json:"password_changed_at,omitempty"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	DateJoined        time.Time  `json:"date_joined"`
	GroupIDs          []int64    `json:"groups"`
}

// HasUsablePassword returns true if the user can log in with a local password.
func (u *User) HasUsablePassword() bool {
	return u.PasswordHash != ""
}

// PasswordExpired reports whether the local password is older than expiry.
// A zero expiry disables the check, as do accounts without a local password.
func (u *User) PasswordExpired(expiry time.Duration, now time.Time) bool {
	if expiry <= 0 || !u.HasUsablePassword() {
		return false
	}
	if u.PasswordChangedAt == nil {
		return true
	}
	return now.Sub(*u.PasswordChangedAt) > expiry
}

// InGroup checks group membership.
func (u *User) InGroup(groupID int64) bool {
	for _, id := range u.GroupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// UserRequest is the staff form for creating or editing a user.
// Password is required on create for local accounts and optional on edit.
type UserRequest struct {
	Username  string  `json:"username"`
	Email     string  `json:"email"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	IsStaff   bool    `json:"is_staff"`
	IsActive  *bool   `json:"is_active,omitempty"`
	Password  string  `json:"password,omitempty"`
	Password2 string  `json:"password2,omitempty"`
	Groups    []int64 `json:"groups"`
}

// Normalize trims whitespace from text fields.
func (r *UserRequest) Normalize() {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.TrimSpace(r.Email)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
}

// Active returns the requested active flag, defaulting to true.
func (r *UserRequest) Active() bool {
	return r.IsActive == nil || *r.IsActive
}

// Validate returns field errors keyed by field name. requirePassword is set
// when creating a local account.
func (r *UserRequest) Validate(requirePassword bool) map[string]string {
	errs := map[string]string{}

	switch {
	case r.Username == "":
		errs["username"] = "This field is required."
	case utf8.RuneCountInString(r.Username) > MaxUsernameLength:
		errs["username"] = tooLong(MaxUsernameLength)
	case !usernamePattern.MatchString(r.Username):
		errs["username"] = "Letters, digits and @/./+/-/_ only."
	}

	if r.Email != "" {
		if _, err := mail.ParseAddress(r.Email); err != nil {
			errs["email"] = "Enter a valid email address."
		}
	}

	if utf8.RuneCountInString(r.FirstName) > MaxNameLength {
		errs["first_name"] = tooLong(MaxNameLength)
	}
	if utf8.RuneCountInString(r.LastName) > MaxNameLength {
		errs["last_name"] = tooLong(MaxNameLength)
	}

	if requirePassword && r.Password == "" {
		errs["password"] = "This field is required."
	}
	if r.Password != "" {
		if utf8.RuneCountInString(r.Password) < MinPasswordLength {
			errs["password"] = "Ensure this value has at least 8 characters."
		} else if r.Password != r.Password2 {
			errs["password2"] = "The two password fields didn't match."
		}
	}

	return errs
}
