package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"snapbridge/internal/bridge"
	"snapbridge/internal/database/migrations"
)

// PostgresRepository implements bridge.Repository using a pgx connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
	dsn  string
}

// NewPostgresRepository connects to the database at dsn. The schema is not
// touched; call Migrate or CheckMigrations afterwards.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresRepository{pool: pool, dsn: dsn}, nil
}

// CheckMigrations verifies the database schema is up-to-date.
func (r *PostgresRepository) CheckMigrations() error {
	return migrations.CheckPostgresMigrationStatus(r.dsn)
}

// Migrate applies pending migrations.
func (r *PostgresRepository) Migrate() error {
	return migrations.MigratePostgresUp(r.dsn)
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Snapshot operations

func scanPgSnapshot(row pgx.Row) (*bridge.Snapshot, error) {
	var (
		s      bridge.Snapshot
		status string
	)
	err := row.Scan(&s.ID, &s.Description, &s.Source.Host, &s.Source.Port, &s.Source.StoreID, &s.Source.SpaceID,
		&status, &s.StatusDetail, &s.UserEmail, &s.TotalSizeInBytes, &s.SnapshotDate, &s.StartDate, &s.EndDate, &s.Modified, &s.Version)
	if err != nil {
		return nil, err
	}
	if s.Status, err = bridge.ParseSnapshotStatus(status); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) FindSnapshot(ctx context.Context, id string) (*bridge.Snapshot, error) {
	s, err := scanPgSnapshot(r.pool.QueryRow(ctx, "SELECT "+snapshotColumns+" FROM snapshots WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) FindSnapshotsByStatus(ctx context.Context, status bridge.SnapshotStatus) ([]*bridge.Snapshot, error) {
	return r.querySnapshots(ctx, "SELECT "+snapshotColumns+" FROM snapshots WHERE status = $1 ORDER BY modified ASC, id ASC", string(status))
}

func (r *PostgresRepository) FindSnapshotsBySourceHost(ctx context.Context, host string) ([]*bridge.Snapshot, error) {
	if host == "" {
		return r.querySnapshots(ctx, "SELECT "+snapshotColumns+" FROM snapshots ORDER BY snapshot_date DESC, id ASC")
	}
	return r.querySnapshots(ctx, "SELECT "+snapshotColumns+" FROM snapshots WHERE source_host = $1 ORDER BY snapshot_date DESC, id ASC", host)
}

func (r *PostgresRepository) querySnapshots(ctx context.Context, query string, args ...any) ([]*bridge.Snapshot, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*bridge.Snapshot
	for rows.Next() {
		s, err := scanPgSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return snapshots, nil
}

func (r *PostgresRepository) InsertSnapshot(ctx context.Context, s *bridge.Snapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)`,
		s.ID, s.Description, s.Source.Host, s.Source.Port, s.Source.StoreID, s.Source.SpaceID,
		string(s.Status), s.StatusDetail, s.UserEmail, s.TotalSizeInBytes,
		s.SnapshotDate.UTC(), s.StartDate.UTC(), s.EndDate, s.Modified.UTC())
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("snapshot %s: %w", s.ID, bridge.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	s.Version = 1
	return nil
}

func (r *PostgresRepository) UpdateSnapshot(ctx context.Context, s *bridge.Snapshot) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE snapshots
		SET description = $1, status = $2, status_detail = $3, user_email = $4, total_size_bytes = $5,
			end_date = $6, modified = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		s.Description, string(s.Status), s.StatusDetail, s.UserEmail, s.TotalSizeInBytes,
		s.EndDate, s.Modified.UTC(), s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("updating snapshot: %w", err)
	}
	if err := r.checkUpdated(ctx, tag, "snapshots", s.ID); err != nil {
		return err
	}
	s.Version++
	return nil
}

func (r *PostgresRepository) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM snapshots WHERE id = $1", id); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

func (r *PostgresRepository) checkUpdated(ctx context.Context, tag pgconn.CommandTag, table string, id any) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists int
	err := r.pool.QueryRow(ctx, "SELECT 1 FROM "+table+" WHERE id = $1", id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", table, id, bridge.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	return fmt.Errorf("%s %v: %w", table, id, bridge.ErrConflict)
}

// Restoration operations

func scanPgRestoration(row pgx.Row) (*bridge.Restoration, error) {
	var (
		r      bridge.Restoration
		status string
	)
	err := row.Scan(&r.ID, &r.SnapshotID, &r.Destination.Host, &r.Destination.Port, &r.Destination.StoreID, &r.Destination.SpaceID,
		&status, &r.StatusDetail, &r.UserEmail, &r.StartDate, &r.EndDate, &r.ExpirationDate, &r.Created, &r.Modified, &r.Version)
	if err != nil {
		return nil, err
	}
	if r.Status, err = bridge.ParseRestoreStatus(status); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *PostgresRepository) FindRestoration(ctx context.Context, id int64) (*bridge.Restoration, error) {
	rest, err := scanPgRestoration(r.pool.QueryRow(ctx, "SELECT "+restorationColumns+" FROM restorations WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding restoration: %w", err)
	}
	return rest, nil
}

func (r *PostgresRepository) FindRestorationsByStatus(ctx context.Context, status bridge.RestoreStatus) ([]*bridge.Restoration, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+restorationColumns+" FROM restorations WHERE status = $1 ORDER BY id ASC", string(status))
	if err != nil {
		return nil, fmt.Errorf("querying restorations: %w", err)
	}
	defer rows.Close()

	var out []*bridge.Restoration
	for rows.Next() {
		rest, err := scanPgRestoration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning restoration: %w", err)
		}
		out = append(out, rest)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating restorations: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) InsertRestoration(ctx context.Context, rest *bridge.Restoration) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO restorations (snapshot_id, dest_host, dest_port, dest_store_id, dest_space_id,
			status, status_detail, user_email, start_date, end_date, expiration_date, created, modified, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		RETURNING id`,
		rest.SnapshotID, rest.Destination.Host, rest.Destination.Port, rest.Destination.StoreID, rest.Destination.SpaceID,
		string(rest.Status), rest.StatusDetail, rest.UserEmail, rest.StartDate.UTC(),
		rest.EndDate, rest.ExpirationDate, rest.Created.UTC(), rest.Modified.UTC()).Scan(&rest.ID)
	if err != nil {
		return fmt.Errorf("inserting restoration: %w", err)
	}
	rest.Version = 1
	return nil
}

func (r *PostgresRepository) UpdateRestoration(ctx context.Context, rest *bridge.Restoration) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE restorations
		SET status = $1, status_detail = $2, user_email = $3, end_date = $4, expiration_date = $5,
			modified = $6, version = version + 1
		WHERE id = $7 AND version = $8`,
		string(rest.Status), rest.StatusDetail, rest.UserEmail, rest.EndDate, rest.ExpirationDate,
		rest.Modified.UTC(), rest.ID, rest.Version)
	if err != nil {
		return fmt.Errorf("updating restoration: %w", err)
	}
	if err := r.checkUpdated(ctx, tag, "restorations", rest.ID); err != nil {
		return err
	}
	rest.Version++
	return nil
}

// Content operations

func (r *PostgresRepository) InsertContentItem(ctx context.Context, item *bridge.ContentItem) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO content_items (snapshot_id, content_id, content_id_hash, checksum, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		item.SnapshotID, item.ContentID, item.ContentIDHash, item.Checksum, item.Metadata)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("content item %s: %w", item.ContentID, bridge.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting content item: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteContentItem(ctx context.Context, snapshotID, contentID string) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM content_items WHERE snapshot_id = $1 AND content_id = $2", snapshotID, contentID)
	if err != nil {
		return fmt.Errorf("deleting content item: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountContentItems(ctx context.Context, snapshotID, prefix string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM content_items WHERE snapshot_id = $1 AND starts_with(content_id, $2)",
		snapshotID, prefix).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting content items: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) FindContentItems(ctx context.Context, snapshotID, prefix string, page, pageSize int) ([]*bridge.ContentItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT snapshot_id, content_id, content_id_hash, checksum, metadata
		FROM content_items
		WHERE snapshot_id = $1 AND starts_with(content_id, $2)
		ORDER BY content_id COLLATE "C" ASC
		LIMIT $3 OFFSET $4`,
		snapshotID, prefix, pageSize, page*pageSize)
	if err != nil {
		return nil, fmt.Errorf("querying content items: %w", err)
	}
	defer rows.Close()

	var items []*bridge.ContentItem
	for rows.Next() {
		var item bridge.ContentItem
		if err := rows.Scan(&item.SnapshotID, &item.ContentID, &item.ContentIDHash, &item.Checksum, &item.Metadata); err != nil {
			return nil, fmt.Errorf("scanning content item: %w", err)
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating content items: %w", err)
	}
	return items, nil
}

// Operation log

func (r *PostgresRepository) CreateOperation(ctx context.Context, operation, parameters string) (*bridge.Operation, error) {
	op := &bridge.Operation{Operation: operation, Parameters: parameters, StartedAt: time.Now().UTC()}
	err := r.pool.QueryRow(ctx,
		"INSERT INTO operations (operation, parameters, started_at) VALUES ($1, $2, $3) RETURNING id",
		operation, parameters, op.StartedAt).Scan(&op.ID)
	if err != nil {
		return nil, fmt.Errorf("inserting operation: %w", err)
	}
	return op, nil
}

func (r *PostgresRepository) FinishOperation(ctx context.Context, id int64, status string) error {
	_, err := r.pool.Exec(ctx, "UPDATE operations SET status = $1, finished_at = $2 WHERE id = $3", status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListOperations(ctx context.Context, limit int) ([]*bridge.Operation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, operation, parameters, status, started_at, finished_at
		FROM operations ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var ops []*bridge.Operation
	for rows.Next() {
		var op bridge.Operation
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &op.StartedAt, &op.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}
	return ops, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ bridge.Repository = (*PostgresRepository)(nil)
