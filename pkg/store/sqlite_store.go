package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend stores entries in a local SQLite database. Several processes can
// share the same file; WAL mode and a busy timeout keep concurrent writers sane.
type SQLiteBackend struct {
	db      *sql.DB
	profile string

	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
	deleteStmt *sql.Stmt
}

// NewSQLiteBackend opens (or creates) the database at dbPath and prepares statements.
func NewSQLiteBackend(dbPath, profile string) (*SQLiteBackend, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	b := &SQLiteBackend{db: db, profile: safeProfile(profile)}
	if err := b.prepare(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func migrateSQLite(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS storefront_entries (
		profile    TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (profile, key)
	);`)
	if err != nil {
		return fmt.Errorf("create entries table: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) prepare() error {
	var err error
	if b.getStmt, err = b.db.Prepare(`SELECT value FROM storefront_entries WHERE profile = ? AND key = ?`); err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}
	if b.upsertStmt, err = b.db.Prepare(`INSERT INTO storefront_entries (profile, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(profile, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`); err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	if b.deleteStmt, err = b.db.Prepare(`DELETE FROM storefront_entries WHERE profile = ? AND key = ?`); err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := b.getStmt.QueryRowContext(ctx, b.profile, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key, value string) error {
	_, err := b.upsertStmt.ExecContext(ctx, b.profile, key, value, time.Now().UTC().UnixMilli())
	return err
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.deleteStmt.ExecContext(ctx, b.profile, key)
	return err
}

// Close releases prepared statements and closes the DB.
func (b *SQLiteBackend) Close() error {
	for _, stmt := range []*sql.Stmt{b.getStmt, b.upsertStmt, b.deleteStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return b.db.Close()
}
