package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xilu0/warp-gateway/internal/crypto"
)

var (
	// ErrNotFound is returned when an account or record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert collides on the token fingerprint.
	ErrDuplicate = errors.New("duplicate refresh token")
	// ErrDecryptFailed is returned when a stored ciphertext cannot be opened.
	// The affected account is marked disabled; the pool is unaffected.
	ErrDecryptFailed = errors.New("refresh token decrypt failed")
)

// Store owns the SQLite handle for the token pool. Writes are serialized
// through a single mutex; reads proceed concurrently under WAL.
type Store struct {
	db     *sql.DB
	box    *crypto.Box
	logger *slog.Logger

	// writeMu serializes all writers. SQLite WAL permits one writer at
	// a time; taking it in-process avoids SQLITE_BUSY churn.
	writeMu sync.Mutex

	now func() time.Time
}

// Options configures the store.
type Options struct {
	// Path is the SQLite file path. ":memory:" is accepted for tests.
	Path string
	// Box encrypts and decrypts refresh tokens.
	Box *crypto.Box
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database and applies migrations.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Box == nil {
		return nil, errors.New("store requires a crypto box")
	}

	path := opts.Path
	if path == "" {
		path = filepath.Join("data", "token_pool.db")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps the in-memory database coherent and keeps
	// file-backed databases on one WAL writer connection.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		box:    opts.Box,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("token store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrations are idempotent and forward-only; each entry runs inside its
// own transaction and is recorded in schema_migrations.
var migrations = []string{
	// 1: base schema
	`CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT,
		email TEXT,
		fingerprint TEXT NOT NULL UNIQUE,
		refresh_token_encrypted TEXT NOT NULL,
		access_token TEXT NOT NULL DEFAULT '',
		access_token_expires_at TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		use_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error_code TEXT NOT NULL DEFAULT '',
		last_error_message TEXT NOT NULL DEFAULT '',
		last_success_at TEXT,
		last_check_at TEXT,
		cooldown_until TEXT,
		quota_limit INTEGER,
		quota_used INTEGER,
		quota_remaining INTEGER,
		quota_is_unlimited INTEGER,
		quota_next_refresh_time TEXT,
		quota_refresh_duration TEXT,
		quota_updated_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_account ON audit_events(account_id);
	CREATE TABLE IF NOT EXISTS health_snapshots (
		account_id INTEGER PRIMARY KEY,
		token_preview TEXT NOT NULL DEFAULT '',
		healthy INTEGER,
		last_checked_at TEXT,
		last_success_at TEXT,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS app_state (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at TEXT,
		updated_at TEXT NOT NULL
	);`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, s.now().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
		s.logger.Info("applied schema migration", "version", version)
	}
	return nil
}

// encodeTime formats a nullable time for storage.
func encodeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// decodeTime parses a nullable stored timestamp.
func decodeTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &t
}
