package database

import (
	"fmt"
	"os"
	"path/filepath"

	"dms-go/internal/config"
	"dms-go/internal/dms"
)

// dbFileName is the database file inside database.data_dir.
const dbFileName = "dms.db"

// NewDatabaseFromConfig creates a SQLiteDatabase based on the database config type.
// Migrations are not applied; callers run Migrate or CheckMigrations.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, clock dms.Clock) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, dbFileName), clock)
	case "memory":
		return NewSQLiteDatabase(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
