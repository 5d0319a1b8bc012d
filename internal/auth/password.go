// Package auth authenticates users against the local database, LDAP and
// Google, and carries the resulting session through request contexts.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	hashScheme = "argon2id"
	saltLen    = 16
)

var (
	// ErrInvalidHash indicates the hash format is invalid.
	ErrInvalidHash = errors.New("invalid hash format")
	// ErrIncompatibleVersion indicates the hash version is not supported.
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

// hashParams are the Argon2id cost settings stored with every hash.
type hashParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
	keyLen  uint32
}

// defaultParams follow the OWASP minimum for argon2id. Hashes made with
// anything else are upgraded on the next successful login.
var defaultParams = hashParams{memory: 64 * 1024, time: 3, threads: 4, keyLen: 32}

type decodedHash struct {
	params hashParams
	salt   []byte
	key    []byte
}

// HashPassword returns the PHC string
// $argon2id$v=19$m=65536,t=3,p=4$<salt>$<key> for password.
func HashPassword(password string) (string, error) {
	return hashWith(password, defaultParams)
}

func hashWith(password string, p hashParams) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)

	var b strings.Builder
	b.WriteString("$" + hashScheme)
	b.WriteString("$v=" + strconv.Itoa(argon2.Version))
	fmt.Fprintf(&b, "$m=%d,t=%d,p=%d", p.memory, p.time, p.threads)
	b.WriteString("$" + base64.RawStdEncoding.EncodeToString(salt))
	b.WriteString("$" + base64.RawStdEncoding.EncodeToString(key))
	return b.String(), nil
}

// VerifyPassword reports whether password matches encodedHash, comparing
// in constant time.
func VerifyPassword(password, encodedHash string) (bool, error) {
	d, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}
	p := d.params
	key := argon2.IDKey([]byte(password), d.salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(key, d.key) == 1, nil
}

// NeedsRehash reports whether encodedHash was made with other cost
// settings than HashPassword uses today, or cannot be read at all.
func NeedsRehash(encodedHash string) bool {
	d, err := decodeHash(encodedHash)
	if err != nil {
		return true
	}
	return d.params != defaultParams
}

func decodeHash(encoded string) (*decodedHash, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != hashScheme {
		return nil, ErrInvalidHash
	}

	v, ok := strings.CutPrefix(fields[2], "v=")
	if !ok {
		return nil, ErrInvalidHash
	}
	version, err := strconv.Atoi(v)
	if err != nil {
		return nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, ErrIncompatibleVersion
	}

	params, err := parseParams(fields[3])
	if err != nil {
		return nil, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil || len(key) == 0 {
		return nil, ErrInvalidHash
	}
	params.keyLen = uint32(len(key))

	return &decodedHash{params: params, salt: salt, key: key}, nil
}

// parseParams reads "m=<memory>,t=<time>,p=<threads>".
func parseParams(s string) (hashParams, error) {
	var p hashParams
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return p, ErrInvalidHash
	}
	for _, part := range parts {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return p, ErrInvalidHash
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || n == 0 {
			return p, ErrInvalidHash
		}
		switch name {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return p, ErrInvalidHash
			}
			p.threads = uint8(n)
		default:
			return p, ErrInvalidHash
		}
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return p, ErrInvalidHash
	}
	return p, nil
}
