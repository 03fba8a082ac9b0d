package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"snapbridge/internal/bridge"
	"snapbridge/internal/database/migrations"
)

// SQLiteRepository implements bridge.Repository using SQLite.
type SQLiteRepository struct {
	db   *sql.DB
	path string
}

// NewSQLiteRepository creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteRepository{db: db, path: path}, nil
}

// NewSQLiteRepositoryFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteRepositoryFromDB(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// OpenConnection opens and configures a SQLite database connection.
// This is exported for use in tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	// Connection parameters apply to every pooled connection, unlike PRAGMAs
	// run once through the pool.
	dsn := path + "?_foreign_keys=1&_busy_timeout=5000"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Snapshot operations

const snapshotColumns = `id, description, source_host, source_port, source_store_id, source_space_id,
	status, status_detail, user_email, total_size_bytes, snapshot_date, start_date, end_date, modified, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*bridge.Snapshot, error) {
	var (
		s      bridge.Snapshot
		status string
		end    sql.NullTime
	)
	err := row.Scan(&s.ID, &s.Description, &s.Source.Host, &s.Source.Port, &s.Source.StoreID, &s.Source.SpaceID,
		&status, &s.StatusDetail, &s.UserEmail, &s.TotalSizeInBytes, &s.SnapshotDate, &s.StartDate, &end, &s.Modified, &s.Version)
	if err != nil {
		return nil, err
	}
	if s.Status, err = bridge.ParseSnapshotStatus(status); err != nil {
		return nil, err
	}
	s.EndDate = timePtr(end)
	return &s, nil
}

func (r *SQLiteRepository) FindSnapshot(ctx context.Context, id string) (*bridge.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM snapshots WHERE id = ?", id)
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) FindSnapshotsByStatus(ctx context.Context, status bridge.SnapshotStatus) ([]*bridge.Snapshot, error) {
	return r.querySnapshots(ctx, "SELECT "+snapshotColumns+" FROM snapshots WHERE status = ? ORDER BY modified ASC, id ASC", string(status))
}

func (r *SQLiteRepository) FindSnapshotsBySourceHost(ctx context.Context, host string) ([]*bridge.Snapshot, error) {
	if host == "" {
		return r.querySnapshots(ctx, "SELECT "+snapshotColumns+" FROM snapshots ORDER BY snapshot_date DESC, id ASC")
	}
	return r.querySnapshots(ctx, "SELECT "+snapshotColumns+" FROM snapshots WHERE source_host = ? ORDER BY snapshot_date DESC, id ASC", host)
}

func (r *SQLiteRepository) querySnapshots(ctx context.Context, query string, args ...any) ([]*bridge.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*bridge.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
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

func (r *SQLiteRepository) InsertSnapshot(ctx context.Context, s *bridge.Snapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		s.ID, s.Description, s.Source.Host, s.Source.Port, s.Source.StoreID, s.Source.SpaceID,
		string(s.Status), s.StatusDetail, s.UserEmail, s.TotalSizeInBytes,
		utc(s.SnapshotDate), utc(s.StartDate), nullTime(s.EndDate), utc(s.Modified))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("snapshot %s: %w", s.ID, bridge.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	s.Version = 1
	return nil
}

func (r *SQLiteRepository) UpdateSnapshot(ctx context.Context, s *bridge.Snapshot) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE snapshots
		SET description = ?, status = ?, status_detail = ?, user_email = ?, total_size_bytes = ?,
			end_date = ?, modified = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		s.Description, string(s.Status), s.StatusDetail, s.UserEmail, s.TotalSizeInBytes,
		nullTime(s.EndDate), utc(s.Modified), s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("updating snapshot: %w", err)
	}
	if err := r.checkUpdated(ctx, res, "snapshots", s.ID); err != nil {
		return err
	}
	s.Version++
	return nil
}

func (r *SQLiteRepository) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// checkUpdated distinguishes a missing row from a lost version race when an
// optimistic update matched nothing.
func (r *SQLiteRepository) checkUpdated(ctx context.Context, res sql.Result, table string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", table, id, bridge.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	return fmt.Errorf("%s %v: %w", table, id, bridge.ErrConflict)
}

// Restoration operations

const restorationColumns = `id, snapshot_id, dest_host, dest_port, dest_store_id, dest_space_id,
	status, status_detail, user_email, start_date, end_date, expiration_date, created, modified, version`

func scanRestoration(row rowScanner) (*bridge.Restoration, error) {
	var (
		r            bridge.Restoration
		status       string
		end, expires sql.NullTime
	)
	err := row.Scan(&r.ID, &r.SnapshotID, &r.Destination.Host, &r.Destination.Port, &r.Destination.StoreID, &r.Destination.SpaceID,
		&status, &r.StatusDetail, &r.UserEmail, &r.StartDate, &end, &expires, &r.Created, &r.Modified, &r.Version)
	if err != nil {
		return nil, err
	}
	if r.Status, err = bridge.ParseRestoreStatus(status); err != nil {
		return nil, err
	}
	r.EndDate = timePtr(end)
	r.ExpirationDate = timePtr(expires)
	return &r, nil
}

func (r *SQLiteRepository) FindRestoration(ctx context.Context, id int64) (*bridge.Restoration, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+restorationColumns+" FROM restorations WHERE id = ?", id)
	rest, err := scanRestoration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding restoration: %w", err)
	}
	return rest, nil
}

func (r *SQLiteRepository) FindRestorationsByStatus(ctx context.Context, status bridge.RestoreStatus) ([]*bridge.Restoration, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+restorationColumns+" FROM restorations WHERE status = ? ORDER BY id ASC", string(status))
	if err != nil {
		return nil, fmt.Errorf("querying restorations: %w", err)
	}
	defer rows.Close()

	var out []*bridge.Restoration
	for rows.Next() {
		rest, err := scanRestoration(rows)
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

func (r *SQLiteRepository) InsertRestoration(ctx context.Context, rest *bridge.Restoration) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO restorations (snapshot_id, dest_host, dest_port, dest_store_id, dest_space_id,
			status, status_detail, user_email, start_date, end_date, expiration_date, created, modified, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		rest.SnapshotID, rest.Destination.Host, rest.Destination.Port, rest.Destination.StoreID, rest.Destination.SpaceID,
		string(rest.Status), rest.StatusDetail, rest.UserEmail, utc(rest.StartDate),
		nullTime(rest.EndDate), nullTime(rest.ExpirationDate), utc(rest.Created), utc(rest.Modified))
	if err != nil {
		return fmt.Errorf("inserting restoration: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading restoration id: %w", err)
	}
	rest.ID = id
	rest.Version = 1
	return nil
}

func (r *SQLiteRepository) UpdateRestoration(ctx context.Context, rest *bridge.Restoration) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE restorations
		SET status = ?, status_detail = ?, user_email = ?, end_date = ?, expiration_date = ?,
			modified = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(rest.Status), rest.StatusDetail, rest.UserEmail, nullTime(rest.EndDate), nullTime(rest.ExpirationDate),
		utc(rest.Modified), rest.ID, rest.Version)
	if err != nil {
		return fmt.Errorf("updating restoration: %w", err)
	}
	if err := r.checkUpdated(ctx, res, "restorations", rest.ID); err != nil {
		return err
	}
	rest.Version++
	return nil
}

// Content operations

func (r *SQLiteRepository) InsertContentItem(ctx context.Context, item *bridge.ContentItem) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO content_items (snapshot_id, content_id, content_id_hash, checksum, metadata)
		VALUES (?, ?, ?, ?, ?)`,
		item.SnapshotID, item.ContentID, item.ContentIDHash, item.Checksum, item.Metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("content item %s: %w", item.ContentID, bridge.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting content item: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteContentItem(ctx context.Context, snapshotID, contentID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM content_items WHERE snapshot_id = ? AND content_id = ?", snapshotID, contentID)
	if err != nil {
		return fmt.Errorf("deleting content item: %w", err)
	}
	return nil
}

// prefixClause matches content IDs starting with the bound prefix without
// LIKE wildcard escaping.
const prefixClause = "substr(content_id, 1, length(?)) = ?"

func (r *SQLiteRepository) CountContentItems(ctx context.Context, snapshotID, prefix string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM content_items WHERE snapshot_id = ? AND "+prefixClause,
		snapshotID, prefix, prefix).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting content items: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) FindContentItems(ctx context.Context, snapshotID, prefix string, page, pageSize int) ([]*bridge.ContentItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT snapshot_id, content_id, content_id_hash, checksum, metadata
		FROM content_items
		WHERE snapshot_id = ? AND `+prefixClause+`
		ORDER BY content_id ASC
		LIMIT ? OFFSET ?`,
		snapshotID, prefix, prefix, pageSize, page*pageSize)
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

func (r *SQLiteRepository) CreateOperation(ctx context.Context, operation, parameters string) (*bridge.Operation, error) {
	started := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO operations (operation, parameters, started_at) VALUES (?, ?, ?)",
		operation, parameters, started)
	if err != nil {
		return nil, fmt.Errorf("inserting operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return &bridge.Operation{ID: id, Operation: operation, Parameters: parameters, StartedAt: started}, nil
}

func (r *SQLiteRepository) FinishOperation(ctx context.Context, id int64, status string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE operations SET status = ?, finished_at = ? WHERE id = ?",
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListOperations(ctx context.Context, limit int) ([]*bridge.Operation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, operation, parameters, status, started_at, finished_at
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var ops []*bridge.Operation
	for rows.Next() {
		var (
			op       bridge.Operation
			finished sql.NullTime
		)
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &op.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		op.FinishedAt = timePtr(finished)
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}
	return ops, nil
}

// Path returns the database file path, empty for wrapped connections.
func (r *SQLiteRepository) Path() string {
	return r.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (r *SQLiteRepository) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(r.db)
}

// Migrate applies pending migrations.
func (r *SQLiteRepository) Migrate() error {
	return migrations.MigrateUp(r.db)
}

// BackupTo writes a consistent copy of the database to destPath.
func (r *SQLiteRepository) BackupTo(destPath string) error {
	_, err := r.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func utc(t time.Time) time.Time { return t.UTC() }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ bridge.Repository = (*SQLiteRepository)(nil)
