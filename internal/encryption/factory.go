package encryption

import (
	"fmt"

	"dms-go/internal/config"
)

// NewKeyringFromConfig creates the owner Keyring, checking that both key
// paths are set.
func NewKeyringFromConfig(cfg config.EncryptionConfig) (*Keyring, error) {
	if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
		return nil, fmt.Errorf("encryption.public_key_path and encryption.private_key_path are required")
	}
	return NewKeyring(cfg), nil
}
