// Package store opens the sqlite database shared by the sqlite dedup store and
// the dispatch spool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS dedup_records (
		message_id TEXT PRIMARY KEY,
		first_seen_at INTEGER NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dedup_records_first_seen
		ON dedup_records(first_seen_at);

	CREATE TABLE IF NOT EXISTS dispatch_spool (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		spooled_at INTEGER NOT NULL
	);
`

// Open opens (and creates if needed) the sqlite database at path and applies the schema.
// Parent directories are created if needed; ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	log := slog.Default().With("component", "store")

	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// sqlite serializes writers; one connection avoids SQLITE_BUSY under load
	// and keeps ":memory:" databases on a single handle.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Info("SQLite store initialized", "path", path)
	return db, nil
}
