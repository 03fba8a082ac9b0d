package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"snapbridge/internal/bridge"
	"snapbridge/internal/config"
)

// DBFileName is the SQLite database file created under the data dir.
const DBFileName = "snapbridge.db"

// NewRepositoryFromConfig creates a Repository implementation based on the
// database config type. With AutoMigrate the schema is brought up to date,
// otherwise an outdated schema is an error.
func NewRepositoryFromConfig(ctx context.Context, cfg config.DatabaseConfig) (bridge.Repository, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		repo, err := NewSQLiteRepository(filepath.Join(cfg.DataDir, DBFileName))
		if err != nil {
			return nil, err
		}
		if err := prepareSchema(repo, cfg.AutoMigrate); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	case "memory":
		repo, err := NewSQLiteRepository(":memory:")
		if err != nil {
			return nil, err
		}
		// A fresh in-memory database always needs its schema.
		if err := repo.Migrate(); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for postgres database")
		}
		repo, err := NewPostgresRepository(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := prepareSchema(repo, cfg.AutoMigrate); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

type migrator interface {
	Migrate() error
	CheckMigrations() error
}

func prepareSchema(m migrator, autoMigrate bool) error {
	if autoMigrate {
		return m.Migrate()
	}
	if err := m.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema check failed (run `snapbridge db migrate`): %w", err)
	}
	return nil
}
