package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"dms-go/internal/config"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - DMS_CONFIG_PATH: config file location (default: ~/.config/dms.toml)
//   - DMS_HOME: base directory for dms data (default: ~/.local/share/dms)
func GetDefaults() (map[string]string, error) {
	configPath, err := lookupPath("DMS_CONFIG_PATH", ".config", "dms.toml")
	if err != nil {
		return nil, err
	}

	baseDir, err := lookupPath("DMS_HOME", ".local", "share", "dms")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"spool_dir":   filepath.Join(baseDir, "spool"),
		"keys_dir":    filepath.Join(baseDir, "keys"),
	}, nil
}

// lookupPath returns the value of env if set, else the path elems joined
// under the user's home directory.
func lookupPath(env string, elems ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, elems...)...), nil
}

// LoadConfig reads the config file at path and validates it. A missing
// file is reported with a hint to run config init.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no config at %s (run: dms config init)", path)
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
