package app

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dms-go/internal/wire"
)

// loadOrCreateSigner reads the engine's relay signing key from path, or
// generates one and writes it hex-encoded with mode 0600.
func loadOrCreateSigner(path string) (*wire.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decoding signing key %s: %w", path, err)
		}
		return wire.NewSigner(secret)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	signer, err := wire.GenerateSigner()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(signer.Secret())+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	return signer, nil
}
