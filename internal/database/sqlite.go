package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fieldsync/internal/database/migrations"
	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements fieldsync.Store using SQLite.
type SQLiteDatabase struct {
	db     *sql.DB
	sealer fieldsync.Sealer
	path   string
}

var _ fieldsync.Store = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens the database at path and applies pending migrations.
// path can be a file path or ":memory:". sealer protects stored tokens.
func NewSQLiteDatabase(path string, sealer fieldsync.Sealer) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &SQLiteDatabase{db: db, sealer: sealer, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing connection without migrating it.
func NewSQLiteDatabaseFromDB(db *sql.DB, sealer fieldsync.Sealer) *SQLiteDatabase {
	return &SQLiteDatabase{db: db, sealer: sealer}
}

// OpenConnection opens and configures a SQLite connection.
// path can be a file path or ":memory:" for an in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	memory := path == ":memory:"

	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	if memory {
		dsn = "file::memory:?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// DB exposes the underlying connection for migrations and tools.
func (s *SQLiteDatabase) DB() *sql.DB { return s.db }

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

// Connection status

func (s *SQLiteDatabase) SaveConnectionStatus(ctx context.Context, status model.ConnectionStatus) error {
	var responseMs sql.NullInt64
	if status.ResponseTime > 0 {
		responseMs = sql.NullInt64{Int64: status.ResponseTime.Milliseconds(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO connection_status
			(id, is_online, current_mode, cloud_available, local_available, last_checked_at, response_time_ms, active_endpoint)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		status.IsOnline, string(status.CurrentMode), status.CloudAvailable, status.LocalAvailable,
		status.LastCheckedAt.UTC(), responseMs, status.ActiveEndpoint)
	if err != nil {
		return fmt.Errorf("saving connection status: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) LoadConnectionStatus(ctx context.Context) (*model.ConnectionStatus, error) {
	var (
		st         model.ConnectionStatus
		mode       string
		responseMs sql.NullInt64
		active     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT is_online, current_mode, cloud_available, local_available, last_checked_at, response_time_ms, active_endpoint
		FROM connection_status WHERE id = 1`).
		Scan(&st.IsOnline, &mode, &st.CloudAvailable, &st.LocalAvailable, &st.LastCheckedAt, &responseMs, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading connection status: %w", err)
	}
	st.CurrentMode = model.Mode(mode)
	if responseMs.Valid {
		st.ResponseTime = time.Duration(responseMs.Int64) * time.Millisecond
	}
	st.ActiveEndpoint = active.String
	return &st, nil
}

// Credentials

// SaveCredential replaces any stored credential with cred.
func (s *SQLiteDatabase) SaveCredential(ctx context.Context, cred *model.Credential) error {
	sealed, err := s.sealer.Seal([]byte(cred.Token))
	if err != nil {
		return fmt.Errorf("sealing token: %w", err)
	}

	var validUntil sql.NullTime
	if !cred.ValidUntil.IsZero() {
		validUntil = sql.NullTime{Time: cred.ValidUntil.UTC(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("removing old credential: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (device_id, token_sealed, valid_until, is_temporary, issued_at)
		VALUES (?, ?, ?, ?, ?)`,
		cred.DeviceID, sealed, validUntil, cred.IsTemporary, cred.IssuedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) LoadCredential(ctx context.Context) (*model.Credential, error) {
	var (
		cred       model.Credential
		sealed     []byte
		validUntil sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, token_sealed, valid_until, is_temporary, issued_at
		FROM credentials LIMIT 1`).
		Scan(&cred.DeviceID, &sealed, &validUntil, &cred.IsTemporary, &cred.IssuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	token, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("opening sealed token: %w", err)
	}
	cred.Token = string(token)
	if validUntil.Valid {
		cred.ValidUntil = validUntil.Time
	}
	return &cred, nil
}

// Metadata

func (s *SQLiteDatabase) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading metadata %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteDatabase) SetMetadata(ctx context.Context, key, value string) error {
	return setMetadata(ctx, s.db, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setMetadata(ctx context.Context, e execer, key, value string) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing metadata %s: %w", key, err)
	}
	return nil
}

// Sync run history

func (s *SQLiteDatabase) RecordSyncRun(ctx context.Context, run *model.SyncRun) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs
			(trigger_source, started_at, finished_at, processed, succeeded, failed, dropped, deferred_items, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Trigger, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		run.Processed, run.Succeeded, run.Failed, run.Dropped, run.Deferred, run.Error)
	if err != nil {
		return fmt.Errorf("recording sync run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading sync run id: %w", err)
	}
	run.ID = id
	return nil
}

// ListSyncRuns returns up to limit runs, newest first.
func (s *SQLiteDatabase) ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_source, started_at, finished_at, processed, succeeded, failed, dropped, deferred_items, error
		FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		if err := rows.Scan(&r.ID, &r.Trigger, &r.StartedAt, &r.FinishedAt,
			&r.Processed, &r.Succeeded, &r.Failed, &r.Dropped, &r.Deferred, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	return runs, nil
}

// snapshotMetaFromValues parses the metadata rows written by ReplaceSnapshot.
func snapshotMetaFromValues(lastSync, version, total string) (*model.SnapshotMeta, error) {
	t, err := time.Parse(time.RFC3339Nano, lastSync)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", fieldsync.MetaLastSync, err)
	}
	n, err := strconv.Atoi(total)
	if err != nil && total != "" {
		return nil, fmt.Errorf("parsing %s: %w", fieldsync.MetaTotalRecords, err)
	}
	return &model.SnapshotMeta{LastSyncAt: t, DataVersion: version, TotalRecords: n}, nil
}
