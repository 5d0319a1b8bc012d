package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/openpgp"     //nolint:staticcheck // keyrings in GnuPG 1 format
	_ "golang.org/x/crypto/ripemd160" //nolint:staticcheck // default hash for keys without preferences
)

// PublicKeyring is the keyring file name inside the GPG home.
const PublicKeyring = "pubring.gpg"

// ErrUnknownRecipient is returned when a recipient has no key in the keyring.
var ErrUnknownRecipient = errors.New("backup: recipient not in keyring")

// Encrypter encrypts backups to a fixed set of public keys.
type Encrypter struct {
	to openpgp.EntityList
}

// LoadEncrypter reads pubring.gpg from gpgHome and picks the keys named by
// recipients. A recipient matches a key id (long or short hex), an email
// address or part of a user id.
func LoadEncrypter(gpgHome string, recipients []string) (*Encrypter, error) {
	f, err := os.Open(filepath.Join(gpgHome, PublicKeyring))
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	defer f.Close()

	ring, err := openpgp.ReadKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	return NewEncrypter(ring, recipients)
}

// NewEncrypter picks the recipients' keys from ring.
func NewEncrypter(ring openpgp.EntityList, recipients []string) (*Encrypter, error) {
	var to openpgp.EntityList
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		e := findEntity(ring, r)
		if e == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, r)
		}
		to = append(to, e)
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: no recipients given", ErrUnknownRecipient)
	}
	return &Encrypter{to: to}, nil
}

// Encrypt writes data encrypted to every recipient.
func (e *Encrypter) Encrypt(w io.Writer, name string, data []byte) error {
	pt, err := openpgp.Encrypt(w, e.to, nil, &openpgp.FileHints{IsBinary: true, FileName: name}, nil)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if _, err := pt.Write(data); err != nil {
		_ = pt.Close()
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := pt.Close(); err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	return nil
}

func findEntity(ring openpgp.EntityList, recipient string) *openpgp.Entity {
	id := strings.ToUpper(strings.TrimPrefix(strings.TrimPrefix(recipient, "0x"), "0X"))
	needle := strings.ToLower(recipient)

	for _, e := range ring {
		if e.PrimaryKey == nil {
			continue
		}
		keyID := fmt.Sprintf("%016X", e.PrimaryKey.KeyId)
		if len(id) >= 8 && strings.HasSuffix(keyID, id) {
			return e
		}
		for _, ident := range e.Identities {
			if ident.UserId == nil {
				continue
			}
			if strings.EqualFold(ident.UserId.Email, recipient) ||
				strings.Contains(strings.ToLower(ident.Name), needle) {
				return e
			}
		}
	}
	return nil
}
