// Package reminders persists user reminders and delivers them when due,
// re-arming chained reminders after each delivery.
package reminders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/nudge/internal/scheduler"
	"github.com/nugget/nudge/internal/tools"
)

// ErrNotFound is returned when no pending reminder matches.
var ErrNotFound = errors.New("reminder not found")

// ChainMeta describes the follow-ups still to come after a reminder
// fires.
type ChainMeta struct {
	// Steps is how many further reminders follow this one.
	Steps             int       `json:"steps"`
	NextOffsetSeconds int       `json:"next_offset_seconds,omitempty"`
	NextAt            time.Time `json:"next_at,omitzero"`
	EndAt             time.Time `json:"end_at,omitzero"`
	Silent            *bool     `json:"silent,omitempty"`
}

// Reminder is one row of the reminders table.
type Reminder struct {
	ID             string
	ConversationID string
	UserID         string
	Text           string
	DueAt          time.Time
	Silent         bool
	Status         string
	PickedAt       time.Time
	FiredAt        time.Time
	IdempotencyKey string
	Chain          *ChainMeta
	CreatedAt      time.Time
	Error          string
}

// ItemID implements scheduler.Item.
func (r *Reminder) ItemID() string { return r.ID }

// ItemDueAt implements scheduler.Item.
func (r *Reminder) ItemDueAt() time.Time { return r.DueAt }

// Store persists reminders in SQLite.
type Store struct {
	db    *sql.DB
	table scheduler.Table
	now   func() time.Time
}

// NewStore creates a reminder store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{
		db:    db,
		table: scheduler.Table{DB: db, Name: "reminders"},
		now:   time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate reminders: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS reminders (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL DEFAULT '',
			text            TEXT NOT NULL,
			due_at          TEXT NOT NULL,
			silent          INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'scheduled',
			picked_at       TEXT,
			fired_at        TEXT,
			idempotency_key TEXT,
			chain_json      TEXT,
			created_at      TEXT NOT NULL,
			error           TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(status, due_at);
		CREATE INDEX IF NOT EXISTS idx_reminders_conversation ON reminders(conversation_id, status);
	`)
	return err
}

// Create inserts r as a scheduled reminder. ID and CreatedAt are filled
// in when empty.
func (s *Store) Create(ctx context.Context, r *Reminder) error {
	if r.ID == "" {
		r.ID = scheduler.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.Status = scheduler.StatusScheduled

	var chain any
	if r.Chain != nil && r.Chain.Steps > 0 {
		data, err := json.Marshal(r.Chain)
		if err != nil {
			return fmt.Errorf("encode chain: %w", err)
		}
		chain = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, conversation_id, user_id, text, due_at, silent, status, chain_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, r.UserID, r.Text, scheduler.FormatTime(r.DueAt), r.Silent,
		r.Status, chain, scheduler.FormatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

// ScheduleReminder stores a reminder requested through the tool
// registry and returns its id.
func (s *Store) ScheduleReminder(ctx context.Context, spec tools.ReminderSpec) (string, error) {
	r := &Reminder{
		ConversationID: spec.ConversationID,
		UserID:         spec.UserID,
		Text:           spec.Text,
		DueAt:          spec.DueAt.UTC(),
		Silent:         spec.Silent,
	}
	if c := spec.Chain; c != nil && c.Steps > 0 {
		r.Chain = &ChainMeta{
			Steps:             c.Steps,
			NextOffsetSeconds: int(c.NextOffset / time.Second),
			NextAt:            c.NextAt.UTC(),
			EndAt:             c.EndAt.UTC(),
			Silent:            c.Silent,
		}
	}
	if err := s.Create(ctx, r); err != nil {
		return "", err
	}
	return r.ID, nil
}

const selectColumns = `id, conversation_id, user_id, text, due_at, silent, status,
	picked_at, fired_at, idempotency_key, chain_json, created_at, error`

// Get returns the reminder with id.
func (s *Store) Get(ctx context.Context, id string) (*Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Due returns claimable reminders due by now+lookahead, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time, lookahead time.Duration, limit int) ([]*Reminder, error) {
	args := append(scheduler.DueArgs(now, lookahead), limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM reminders
		 WHERE `+scheduler.DuePredicate+`
		 ORDER BY due_at ASC, id ASC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// Claim implements scheduler.Queue.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) error {
	return s.table.Claim(ctx, id, now)
}

// MarkDone implements the done transition with the delivery time.
func (s *Store) MarkDone(ctx context.Context, id string, firedAt time.Time) error {
	return s.table.MarkDone(ctx, id, firedAt)
}

// MarkError implements scheduler.Queue.
func (s *Store) MarkError(ctx context.Context, id string, cause error) error {
	return s.table.MarkError(ctx, id, cause)
}

// SetIdempotencyKey records the delivery attempt key on a claimed
// reminder.
func (s *Store) SetIdempotencyKey(ctx context.Context, id, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET idempotency_key = ? WHERE id = ? AND status = 'scheduled'`,
		key, id,
	)
	if err != nil {
		return fmt.Errorf("set idempotency key %s: %w", id, err)
	}
	return nil
}

// ListPending returns the scheduled reminders of a conversation in due
// order.
func (s *Store) ListPending(ctx context.Context, conversationID string) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM reminders
		 WHERE conversation_id = ? AND status = 'scheduled'
		 ORDER BY due_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// Cancel moves a pending reminder of the conversation to the error
// status. ref is a full id or a unique suffix of at least six
// characters.
func (s *Store) Cancel(ctx context.Context, conversationID, ref string) (*Reminder, error) {
	ref = strings.TrimSpace(ref)
	if len(ref) < 6 {
		return nil, ErrNotFound
	}
	pending, err := s.ListPending(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var match *Reminder
	for _, r := range pending {
		if r.ID == ref || strings.HasSuffix(r.ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("%q matches more than one reminder", ref)
			}
			match = r
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	if err := s.table.MarkError(ctx, match.ID, errors.New("cancelled by user")); err != nil {
		return nil, err
	}
	return match, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReminder(sc scanner) (*Reminder, error) {
	var (
		r                         Reminder
		dueAt, createdAt          string
		pickedAt, firedAt         sql.NullString
		key, chainJSON, errString sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.ConversationID, &r.UserID, &r.Text, &dueAt, &r.Silent, &r.Status,
		&pickedAt, &firedAt, &key, &chainJSON, &createdAt, &errString); err != nil {
		return nil, err
	}

	var err error
	if r.DueAt, err = scheduler.ParseTime(dueAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = scheduler.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if r.PickedAt, err = scheduler.ParseTime(pickedAt.String); err != nil {
		return nil, err
	}
	if r.FiredAt, err = scheduler.ParseTime(firedAt.String); err != nil {
		return nil, err
	}
	r.IdempotencyKey = key.String
	r.Error = errString.String

	if chainJSON.Valid && chainJSON.String != "" {
		var c ChainMeta
		if err := json.Unmarshal([]byte(chainJSON.String), &c); err != nil {
			return nil, fmt.Errorf("decode chain of %s: %w", r.ID, err)
		}
		r.Chain = &c
	}
	return &r, nil
}

func collect(rows *sql.Rows) ([]*Reminder, error) {
	defer rows.Close()
	var out []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
