package database

import (
	"fmt"
	"os"
	"path/filepath"

	"fieldsync/internal/config"
	"fieldsync/internal/fieldsync"
)

// NewDatabaseFromConfig creates the local store based on the database config type.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, deviceID string, sealer fieldsync.Sealer) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, deviceID+".db"), sealer)
	case "memory":
		return NewSQLiteDatabase(":memory:", sealer)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
