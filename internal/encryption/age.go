// Package encryption seals switch payloads on the client side with age.
// The engine only ever stores and releases the sealed bytes.
package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"dms-go/internal/config"
)

// ErrNotConfigured is returned when the owner key pair has not been set up.
var ErrNotConfigured = errors.New("owner key pair not set up (run: dms keys init)")

// Keyring holds the owner's X25519 key pair. The public key is stored in
// plaintext; the private key is encrypted with the owner's passphrase using
// age's scrypt-based passphrase encryption.
type Keyring struct {
	publicKeyPath  string
	privateKeyPath string
	workFactor     int // scrypt work factor; 0 keeps age's default
}

// NewKeyring creates a Keyring from configuration.
func NewKeyring(cfg config.EncryptionConfig) *Keyring {
	return &Keyring{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates a new X25519 key pair and writes both halves. It refuses to
// overwrite an existing pair.
func (k *Keyring) Setup(passphrase string) (string, error) {
	if k.IsConfigured() {
		return "", fmt.Errorf("key pair already exists at %s", k.publicKeyPath)
	}
	if passphrase == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating key pair: %w", err)
	}

	for _, p := range []string{k.publicKeyPath, k.privateKeyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return "", fmt.Errorf("creating key directory: %w", err)
		}
	}

	pub := identity.Recipient().String()
	if err := os.WriteFile(k.publicKeyPath, []byte(pub+"\n"), 0644); err != nil {
		return "", fmt.Errorf("writing public key: %w", err)
	}

	sealed, err := k.sealWithPassphrase([]byte(identity.String()+"\n"), passphrase)
	if err != nil {
		return "", fmt.Errorf("encrypting private key: %w", err)
	}
	if err := os.WriteFile(k.privateKeyPath, sealed, 0600); err != nil {
		return "", fmt.Errorf("writing private key: %w", err)
	}

	return pub, nil
}

// IsConfigured returns true if both key files exist.
func (k *Keyring) IsConfigured() bool {
	if _, err := os.Stat(k.publicKeyPath); err != nil {
		return false
	}
	if _, err := os.Stat(k.privateKeyPath); err != nil {
		return false
	}
	return true
}

// Recipient reads the public key from disk.
func (k *Keyring) Recipient() (*age.X25519Recipient, error) {
	pubData, err := os.ReadFile(k.publicKeyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("reading public key: %w", err)
	}

	r, err := age.ParseX25519Recipient(strings.TrimSpace(string(pubData)))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return r, nil
}

// Unlock decrypts the private key with the passphrase.
func (k *Keyring) Unlock(passphrase string) (age.Identity, error) {
	privData, err := os.ReadFile(k.privateKeyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	keyData, err := OpenWithPassphrase(privData, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypting private key: %w", err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(keyData))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in private key")
	}
	return identities[0], nil
}

func (k *Keyring) sealWithPassphrase(plaintext []byte, passphrase string) ([]byte, error) {
	r, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if k.workFactor > 0 {
		r.SetWorkFactor(k.workFactor)
	}
	return encrypt(plaintext, r)
}

func encrypt(plaintext []byte, recipients ...age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func decrypt(ciphertext []byte, identities ...age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("creating decrypted reader: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decrypting data: %w", err)
	}
	return out, nil
}
