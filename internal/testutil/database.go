package testutil

import (
	"testing"

	"fieldsync/internal/database"
	"fieldsync/internal/encryption"
)

// NewTestDatabase creates a new in-memory SQLite database with migrations applied.
// Tokens are sealed with the test sealer. The database is closed when the test completes.
func NewTestDatabase(t *testing.T) *database.SQLiteDatabase {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:", encryption.NewTestSealer())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
