// Package selfcall runs assistant-initiated follow-ups: the model ends a
// message with a marker asking to be called again later, and the
// scheduler calls it back when the time comes.
package selfcall

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/nudge/internal/scheduler"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("self-call not found")

// SelfCall is one row of the self_calls table.
type SelfCall struct {
	ID             string
	ConversationID string
	UserID         string
	DueAt          time.Time
	Topic          string
	Payload        json.RawMessage
	Status         string
	PickedAt       time.Time
	FiredAt        time.Time
	CreatedAt      time.Time
	Error          string
}

// ItemID implements scheduler.Item.
func (c *SelfCall) ItemID() string { return c.ID }

// ItemDueAt implements scheduler.Item.
func (c *SelfCall) ItemDueAt() time.Time { return c.DueAt }

// Store persists self-calls in SQLite.
type Store struct {
	db    *sql.DB
	table scheduler.Table
	now   func() time.Time
}

// NewStore creates a self-call store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{
		db:    db,
		table: scheduler.Table{DB: db, Name: "self_calls"},
		now:   time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate self_calls: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS self_calls (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL DEFAULT '',
			due_at          TEXT NOT NULL,
			topic           TEXT NOT NULL DEFAULT '',
			payload_json    TEXT,
			status          TEXT NOT NULL DEFAULT 'scheduled',
			picked_at       TEXT,
			fired_at        TEXT,
			created_at      TEXT NOT NULL,
			error           TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_self_calls_due ON self_calls(status, due_at);
	`)
	return err
}

// Create inserts c as a scheduled self-call. ID and CreatedAt are
// filled in when empty.
func (s *Store) Create(ctx context.Context, c *SelfCall) error {
	if c.ID == "" {
		c.ID = scheduler.NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.Status = scheduler.StatusScheduled

	var payload any
	if len(c.Payload) > 0 {
		if !json.Valid(c.Payload) {
			return fmt.Errorf("payload is not valid JSON")
		}
		payload = string(c.Payload)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO self_calls (id, conversation_id, user_id, due_at, topic, payload_json, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ConversationID, c.UserID, scheduler.FormatTime(c.DueAt), c.Topic, payload,
		c.Status, scheduler.FormatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert self-call: %w", err)
	}
	return nil
}

const selectColumns = `id, conversation_id, user_id, due_at, topic, payload_json, status,
	picked_at, fired_at, created_at, error`

// Get returns the self-call with id.
func (s *Store) Get(ctx context.Context, id string) (*SelfCall, error) {
	c, err := scanSelfCall(s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM self_calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// Due returns claimable self-calls due by now+lookahead, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time, lookahead time.Duration, limit int) ([]*SelfCall, error) {
	args := append(scheduler.DueArgs(now, lookahead), limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM self_calls
		 WHERE `+scheduler.DuePredicate+`
		 ORDER BY due_at ASC, id ASC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SelfCall
	for rows.Next() {
		c, err := scanSelfCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Pending counts scheduled self-calls for a conversation.
func (s *Store) Pending(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM self_calls WHERE conversation_id = ? AND status = 'scheduled'`,
		conversationID,
	).Scan(&n)
	return n, err
}

// Claim implements scheduler.Queue.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) error {
	return s.table.Claim(ctx, id, now)
}

// MarkDone moves id to done.
func (s *Store) MarkDone(ctx context.Context, id string, firedAt time.Time) error {
	return s.table.MarkDone(ctx, id, firedAt)
}

// MarkError implements scheduler.Queue.
func (s *Store) MarkError(ctx context.Context, id string, cause error) error {
	return s.table.MarkError(ctx, id, cause)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSelfCall(sc scanner) (*SelfCall, error) {
	var (
		c                 SelfCall
		dueAt, createdAt  string
		payload           sql.NullString
		pickedAt, firedAt sql.NullString
		errString         sql.NullString
	)
	if err := sc.Scan(&c.ID, &c.ConversationID, &c.UserID, &dueAt, &c.Topic, &payload, &c.Status,
		&pickedAt, &firedAt, &createdAt, &errString); err != nil {
		return nil, err
	}

	var err error
	if c.DueAt, err = scheduler.ParseTime(dueAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = scheduler.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if c.PickedAt, err = scheduler.ParseTime(pickedAt.String); err != nil {
		return nil, err
	}
	if c.FiredAt, err = scheduler.ParseTime(firedAt.String); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		c.Payload = json.RawMessage(payload.String)
	}
	c.Error = errString.String
	return &c, nil
}
