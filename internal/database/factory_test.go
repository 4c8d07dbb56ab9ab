package database

import (
	"testing"

	"fieldsync/internal/config"
	"fieldsync/internal/encryption"
)

func TestNewDatabaseFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.DatabaseConfig
		wantErr bool
	}{
		{"memory database", config.DatabaseConfig{Type: "memory"}, false},
		{"sqlite database", config.DatabaseConfig{Type: "sqlite", DataDir: t.TempDir()}, false},
		{"sqlite database without data_dir", config.DatabaseConfig{Type: "sqlite"}, true},
		{"unknown type", config.DatabaseConfig{Type: "postgres"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewDatabaseFromConfig(tt.cfg, "device-123", encryption.NewTestSealer())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewDatabaseFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if got != nil {
					t.Error("NewDatabaseFromConfig() should return nil on error")
				}
				return
			}
			defer got.Close()
			if err := got.CheckMigrations(); err != nil {
				t.Errorf("CheckMigrations() error = %v", err)
			}
		})
	}
}
