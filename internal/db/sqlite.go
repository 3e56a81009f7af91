// Package db opens the embedded SQLite database used by all stores.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns is the number of concurrent read connections.
	// WAL mode allows many readers alongside a single writer.
	defaultReaderConns = 4
)

// Open opens the writer and reader pools for a SQLite database file,
// creating the file and its parent directory when missing.
func Open(dbPath string) (writer, reader *sqlx.DB, err error) {
	w, err := OpenWriter(dbPath)
	if err != nil {
		return nil, nil, err
	}
	r, err := OpenReader(dbPath)
	if err != nil {
		_ = w.Close()
		return nil, nil, err
	}
	return w, r, nil
}

// OpenWriter opens a SQLite database configured for writes (single
// connection, serialized writes, WAL journaling, foreign keys on).
func OpenWriter(dbPath string) (*sqlx.DB, error) {
	if err := ensureDir(dbPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		dbPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// OpenReader opens a read-only SQLite connection pool. Combined with WAL
// mode, readers proceed without blocking on (or being blocked by) writes.
func OpenReader(dbPath string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		dbPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	db.SetMaxOpenConns(defaultReaderConns)
	db.SetMaxIdleConns(defaultReaderConns)

	return db, nil
}

// Close runs PRAGMA optimize on the writer before closing both pools.
// This is the SQLite-recommended way to keep query planner statistics
// fresh; it is lightweight and safe on every close.
func Close(writer, reader *sqlx.DB) error {
	if reader != nil {
		_ = reader.Close()
	}
	if writer != nil {
		_, _ = writer.Exec("PRAGMA optimize")
		return writer.Close()
	}
	return nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
