package encryption

import (
	"fmt"
	"strings"

	"filippo.io/age"
)

// ParseRecipients parses age X25519 public keys ("age1...").
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(k)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient %q: %w", k, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Seal encrypts plaintext to every recipient.
func Seal(plaintext []byte, recipients ...age.Recipient) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient required")
	}
	return encrypt(plaintext, recipients...)
}

// SealWithPassphrase encrypts plaintext to a passphrase. age does not allow
// mixing a passphrase with other recipients.
func SealWithPassphrase(plaintext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	return (&Keyring{}).sealWithPassphrase(plaintext, passphrase)
}

// Open decrypts a sealed payload with any of the identities.
func Open(ciphertext []byte, identities ...age.Identity) ([]byte, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("at least one identity required")
	}
	return decrypt(ciphertext, identities...)
}

// OpenWithPassphrase decrypts a payload sealed with SealWithPassphrase.
func OpenWithPassphrase(ciphertext []byte, passphrase string) ([]byte, error) {
	id, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	return decrypt(ciphertext, id)
}
