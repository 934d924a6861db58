// Package opstate is the namespaced key/value table behind session
// state: continuation tokens, user time zones, runtime settings. Rows
// with structure of their own (reminders, self-calls, usage) live in
// their own tables.
package opstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Entry is one stored value and when it was last written.
type Entry struct {
	Value     string
	UpdatedAt time.Time
}

// Store keeps entries in the operational_state table. It is safe for
// concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the table on db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS operational_state (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)`); err != nil {
		return nil, fmt.Errorf("migrate operational_state: %w", err)
	}
	return s, nil
}

// Lookup returns the entry for namespace/key. ok is false when the key
// was never set or has been deleted.
func (s *Store) Lookup(ctx context.Context, namespace, key string) (e Entry, ok bool, err error) {
	var updated string
	err = s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&e.Value, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Entry{}, false, nil
	case err != nil:
		return Entry{}, false, fmt.Errorf("lookup %s/%s: %w", namespace, key, err)
	}
	// Rows written before updated_at carried sub-second precision parse
	// as the zero time, which reads as "very old".
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return e, true, nil
}

// Get returns the value for namespace/key, or "" when it is unset.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	e, _, err := s.Lookup(ctx, namespace, key)
	return e.Value, err
}

// Set writes value and stamps updated_at.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, s.now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes namespace/key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}
