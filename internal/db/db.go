// Package db is the SQLite implementation of the durable store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/hpungsan/notefeed/internal/config"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// FileName is the database file created under the base directory.
const FileName = "notefeed.db"

// Init initializes the SQLite database at baseDir/notefeed.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.notefeed.
func Init(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	// Pragmas in the connection string apply to every pooled connection
	dbPath := filepath.Join(baseDir, FileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: events, feed index, profiles
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS events (
		  id         TEXT PRIMARY KEY,
		  pubkey     TEXT NOT NULL,
		  created_at INTEGER NOT NULL,
		  kind       INTEGER NOT NULL,
		  tags_json  TEXT NOT NULL,
		  content    TEXT NOT NULL,
		  sig        TEXT NOT NULL,
		  stored_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_created
		ON events(created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_events_pubkey_kind
		ON events(pubkey, kind, created_at DESC);

		CREATE TABLE IF NOT EXISTS feed_events (
		  feed_type  TEXT NOT NULL,
		  event_id   TEXT NOT NULL,
		  created_at INTEGER NOT NULL,
		  PRIMARY KEY (feed_type, event_id)
		);

		CREATE INDEX IF NOT EXISTS idx_feed_events_feed_created
		ON feed_events(feed_type, created_at DESC);

		CREATE TABLE IF NOT EXISTS profiles (
		  pubkey       TEXT PRIMARY KEY,
		  name         TEXT,
		  display_name TEXT,
		  about        TEXT,
		  picture      TEXT,
		  nip05        TEXT,
		  updated_at   INTEGER NOT NULL
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: relay health and seen ids
	if version < 2 {
		schema := `
		CREATE TABLE IF NOT EXISTS relay_stats (
		  url                  TEXT PRIMARY KEY,
		  successes            INTEGER NOT NULL DEFAULT 0,
		  failures             INTEGER NOT NULL DEFAULT 0,
		  avg_latency_ns       INTEGER NOT NULL DEFAULT 0,
		  consecutive_failures INTEGER NOT NULL DEFAULT 0,
		  backoff_until        INTEGER
		);

		CREATE TABLE IF NOT EXISTS seen_ids (
		  feed_type TEXT NOT NULL,
		  event_id  TEXT NOT NULL,
		  seen_at   INTEGER NOT NULL,
		  PRIMARY KEY (feed_type, event_id)
		);

		CREATE INDEX IF NOT EXISTS idx_seen_ids_seen_at
		ON seen_ids(seen_at);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
