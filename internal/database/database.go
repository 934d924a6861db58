// Package database opens the shared SQLite pool that every nudge store
// migrates into.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// FileName is the database file created inside the data directory.
const FileName = "nudge.db"

// Open opens (creating if needed) the SQLite database at path with WAL
// journaling and a busy timeout, so the schedulers and the inbound
// bridge can write concurrently without SQLITE_BUSY failures.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	return db, nil
}

// OpenDataDir opens FileName inside dataDir.
func OpenDataDir(dataDir string) (*sql.DB, error) {
	return Open(filepath.Join(dataDir, FileName))
}
