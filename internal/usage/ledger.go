// Package usage is the append-only ledger of backend calls: who made
// each call, what it was for, how many tokens it used, and what it cost.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Roles label what a backend call was for.
const (
	RoleInteractive = "interactive"
	RoleReminder    = "reminder"
	RoleSelfCall    = "self_call"
	RoleRepair      = "repair"
)

// Record is one backend call.
type Record struct {
	ID                string
	Timestamp         time.Time
	RequestID         string // backend response id
	ConversationID    string
	UserID            string
	Model             string
	Provider          string
	InputTokens       int
	CachedInputTokens int
	OutputTokens      int
	TotalTokens       int
	CostUSD           float64
	Role              string
	TaskName          string // reminder or self-call id for scheduled work
}

// Store keeps records in the usage_records table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the ledger table on db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_records (
			id                  TEXT PRIMARY KEY,
			timestamp           TEXT NOT NULL,
			request_id          TEXT NOT NULL,
			conversation_id     TEXT,
			user_id             TEXT,
			model               TEXT NOT NULL,
			provider            TEXT NOT NULL,
			input_tokens        INTEGER NOT NULL,
			cached_input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens       INTEGER NOT NULL,
			total_tokens        INTEGER NOT NULL,
			cost_usd            REAL NOT NULL,
			role                TEXT NOT NULL,
			task_name           TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_usage_records_ts   ON usage_records(timestamp);
		CREATE INDEX IF NOT EXISTS idx_usage_records_conv ON usage_records(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_usage_records_user ON usage_records(user_id, timestamp);
	`); err != nil {
		return nil, fmt.Errorf("migrate usage_records: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Record appends rec. A missing ID gets a UUIDv7, a missing timestamp
// gets the current time, and a missing total is input plus output.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("usage record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.InputTokens + rec.OutputTokens
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (
			id, timestamp, request_id, conversation_id, user_id, model, provider,
			input_tokens, cached_input_tokens, output_tokens, total_tokens,
			cost_usd, role, task_name
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, formatTS(rec.Timestamp), rec.RequestID, rec.ConversationID, rec.UserID,
		rec.Model, rec.Provider,
		rec.InputTokens, rec.CachedInputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.CostUSD, rec.Role, rec.TaskName,
	); err != nil {
		return fmt.Errorf("record usage %s: %w", rec.RequestID, err)
	}
	return nil
}

// formatTS is fixed width so timestamps compare correctly as text.
func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
