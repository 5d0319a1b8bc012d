package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheapParams keep tests fast and double as "old" settings.
var cheapParams = hashParams{memory: 8 * 1024, time: 1, threads: 1, keyLen: 32}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	fields := strings.Split(hash, "$")
	require.Len(t, fields, 6)
	assert.Equal(t, "argon2id", fields[1])
	assert.Equal(t, "v=19", fields[2])
	assert.Equal(t, "m=65536,t=3,p=4", fields[3])

	again, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "salts differ")

	for _, h := range []string{hash, again} {
		ok, err := VerifyPassword("correct horse battery staple", h)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.False(t, NeedsRehash(hash))
}

func TestVerifyPassword(t *testing.T) {
	hash, err := hashWith("s3cret-pass", cheapParams)
	require.NoError(t, err)

	tests := []struct {
		name     string
		password string
		want     bool
	}{
		{"match", "s3cret-pass", true},
		{"wrong", "s3cret-Pass", false},
		{"empty", "", false},
		{"prefix", "s3cret", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := VerifyPassword(tt.password, hash)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestVerifyPassword_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		hash    string
		wantErr error
	}{
		{"empty", "", ErrInvalidHash},
		{"bcrypt", "$2a$10$abcdefghijklmnopqrstuuABCDEFGHIJKLMNOPQRSTUVWXYZ01234", ErrInvalidHash},
		{"argon2i", "$argon2i$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA", ErrInvalidHash},
		{"missing version prefix", "$argon2id$19$m=65536,t=3,p=4$c2FsdA$aGFzaA", ErrInvalidHash},
		{"old version", "$argon2id$v=16$m=65536,t=3,p=4$c2FsdA$aGFzaA", ErrIncompatibleVersion},
		{"missing param", "$argon2id$v=19$m=65536,t=3$c2FsdA$aGFzaA", ErrInvalidHash},
		{"zero threads", "$argon2id$v=19$m=65536,t=3,p=0$c2FsdA$aGFzaA", ErrInvalidHash},
		{"unknown param", "$argon2id$v=19$m=65536,t=3,x=4$c2FsdA$aGFzaA", ErrInvalidHash},
		{"bad salt", "$argon2id$v=19$m=65536,t=3,p=4$!!!$aGFzaA", ErrInvalidHash},
		{"empty key", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$", ErrInvalidHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := VerifyPassword("anything", tt.hash)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, ok)
			assert.True(t, NeedsRehash(tt.hash))
		})
	}
}

func TestNeedsRehash_OldParams(t *testing.T) {
	hash, err := hashWith("s3cret-pass", cheapParams)
	require.NoError(t, err)
	assert.True(t, NeedsRehash(hash))
}
