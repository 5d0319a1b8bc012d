package model

import (
	"strings"
	"testing"
	"time"
)

func TestUser_PasswordExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-24 * time.Hour)
	old := now.Add(-100 * 24 * time.Hour)
	expiry := 90 * 24 * time.Hour

	testCases := []struct {
		name   string
		user   User
		expiry time.Duration
		want   bool
	}{
		{
			name:   "recently changed",
			user:   User{PasswordHash: "$argon2id$", PasswordChangedAt: &recent},
			expiry: expiry,
			want:   false,
		},
		{
			name:   "changed long ago",
			user:   User{PasswordHash: "$argon2id$", PasswordChangedAt: &old},
			expiry: expiry,
			want:   true,
		},
		{
			name:   "never changed",
			user:   User{PasswordHash: "$argon2id$"},
			expiry: expiry,
			want:   true,
		},
		{
			name:   "expiry disabled",
			user:   User{PasswordHash: "$argon2id$", PasswordChangedAt: &old},
			expiry: 0,
			want:   false,
		},
		{
			name:   "no local password",
			user:   User{PasswordChangedAt: &old},
			expiry: expiry,
			want:   false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.user.PasswordExpired(tc.expiry, now); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestUserRequest_Validate(t *testing.T) {
	testCases := []struct {
		name            string
		req             UserRequest
		requirePassword bool
		wantFields      []string
	}{
		{
			name:            "valid create",
			req:             UserRequest{Username: "alice", Email: "alice@example.com", Password: "longenough", Password2: "longenough"},
			requirePassword: true,
		},
		{
			name:       "valid edit without password",
			req:        UserRequest{Username: "alice"},
			wantFields: nil,
		},
		{
			name:            "missing username and password",
			req:             UserRequest{},
			requirePassword: true,
			wantFields:      []string{"username", "password"},
		},
		{
			name:       "bad characters",
			req:        UserRequest{Username: "al ice"},
			wantFields: []string{"username"},
		},
		{
			name: "email as username",
			req:  UserRequest{Username: "firstname.lastname@corp.example.com"},
		},
		{
			name:       "username over 254 characters",
			req:        UserRequest{Username: strings.Repeat("a", 255)},
			wantFields: []string{"username"},
		},
		{
			name: "non-ASCII names counted in characters",
			req:  UserRequest{Username: "bob", FirstName: "Élodie-Françoise Ångström", LastName: strings.Repeat("é", 30)},
		},
		{
			name:       "name over 30 characters",
			req:        UserRequest{Username: "bob", LastName: strings.Repeat("é", 31)},
			wantFields: []string{"last_name"},
		},
		{
			name:       "bad email",
			req:        UserRequest{Username: "alice", Email: "not-an-email"},
			wantFields: []string{"email"},
		},
		{
			name:       "short password",
			req:        UserRequest{Username: "alice", Password: "short", Password2: "short"},
			wantFields: []string{"password"},
		},
		{
			name:       "short non-ascii password",
			req:        UserRequest{Username: "alice", Password: "äöüß", Password2: "äöüß"},
			wantFields: []string{"password"},
		},
		{
			name:       "mismatched passwords",
			req:        UserRequest{Username: "alice", Password: "longenough", Password2: "different1"},
			wantFields: []string{"password2"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			errs := tc.req.Validate(tc.requirePassword)
			if len(errs) != len(tc.wantFields) {
				t.Fatalf("expected %d errors, got %v", len(tc.wantFields), errs)
			}
			for _, f := range tc.wantFields {
				if _, ok := errs[f]; !ok {
					t.Errorf("expected error for field %q, got %v", f, errs)
				}
			}
		})
	}
}

func TestUserRequest_ActiveDefaultsTrue(t *testing.T) {
	req := UserRequest{}
	if !req.Active() {
		t.Error("expected Active to default to true")
	}

	inactive := false
	req.IsActive = &inactive
	if req.Active() {
		t.Error("expected Active to honor explicit false")
	}
}

func TestGroupRequest_Validate(t *testing.T) {
	req := GroupRequest{Name: "  "}
	req.Normalize()
	if errs := req.Validate(); errs["name"] == "" {
		t.Errorf("expected name error, got %v", errs)
	}

	req = GroupRequest{Name: "ops"}
	if errs := req.Validate(); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestSession_IsExpired(t *testing.T) {
	now := time.Now()
	s := Session{ExpiresAt: now.Add(time.Minute)}
	if s.IsExpired(now) {
		t.Error("expected session to be live")
	}
	if !s.IsExpired(now.Add(2 * time.Minute)) {
		t.Error("expected session to be expired")
	}
}
