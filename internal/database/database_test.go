package database

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenDataDir_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	db, err := OpenDataDir(dir)
	if err != nil {
		t.Fatalf("OpenDataDir: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE ping (id INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Errorf("database file not created: %v", err)
	}

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}
