package testutil

import (
	"testing"

	"snapbridge/internal/database"
)

// NewTestRepository creates a new in-memory SQLite repository with
// migrations applied. It is closed when the test completes.
func NewTestRepository(t *testing.T) *database.SQLiteRepository {
	t.Helper()

	repo, err := database.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		repo.Close()
	})
	return repo
}
