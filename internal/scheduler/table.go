package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StaleAfter is how old a claim may get before the row is claimable
// again.
const StaleAfter = 60 * time.Second

// TimeLayout is the fixed-width UTC form every deferred-action timestamp
// is stored in, so string comparison in SQL is chronological.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Row statuses.
const (
	StatusScheduled = "scheduled"
	StatusDone      = "done"
	StatusError     = "error"
)

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp. Empty input yields the zero
// time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Table implements the claim and terminal-status transitions for one
// deferred-action table. The table must have id, status, picked_at,
// fired_at, and error columns.
type Table struct {
	DB   *sql.DB
	Name string
}

// DuePredicate is the WHERE clause selecting claimable due rows. It
// takes the two arguments returned by DueArgs.
const DuePredicate = `status = 'scheduled' AND due_at <= ? AND (picked_at IS NULL OR picked_at <= ?)`

// DueArgs returns the arguments for DuePredicate.
func DueArgs(now time.Time, lookahead time.Duration) []any {
	return []any{FormatTime(now.Add(lookahead)), FormatTime(now.Add(-StaleAfter))}
}

// Claim writes picked_at = now on id when the row is still scheduled and
// its claim is absent or stale, then re-reads the row to confirm this
// caller's stamp stuck.
func (t Table) Claim(ctx context.Context, id string, now time.Time) error {
	stamp := FormatTime(now)
	res, err := t.DB.ExecContext(ctx,
		`UPDATE `+t.Name+` SET picked_at = ?
		 WHERE id = ? AND status = 'scheduled' AND (picked_at IS NULL OR picked_at <= ?)`,
		stamp, id, FormatTime(now.Add(-StaleAfter)),
	)
	if err != nil {
		return fmt.Errorf("claim %s %s: %w", t.Name, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim %s %s: %w", t.Name, id, err)
	}
	if n != 1 {
		return ErrClaimLost
	}

	var picked sql.NullString
	var status string
	if err := t.DB.QueryRowContext(ctx,
		`SELECT picked_at, status FROM `+t.Name+` WHERE id = ?`, id,
	).Scan(&picked, &status); err != nil {
		return fmt.Errorf("confirm claim %s %s: %w", t.Name, id, err)
	}
	if !picked.Valid || picked.String != stamp || status != StatusScheduled {
		return ErrClaimLost
	}
	return nil
}

// MarkDone moves id from scheduled to done.
func (t Table) MarkDone(ctx context.Context, id string, firedAt time.Time) error {
	return t.finish(ctx, id, StatusDone, firedAt, "")
}

// MarkError moves id from scheduled to error, recording cause.
func (t Table) MarkError(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return t.finish(ctx, id, StatusError, time.Now(), msg)
}

// finish only touches scheduled rows, so a terminal status never
// changes.
func (t Table) finish(ctx context.Context, id, status string, at time.Time, msg string) error {
	_, err := t.DB.ExecContext(ctx,
		`UPDATE `+t.Name+` SET status = ?, fired_at = ?, error = ?
		 WHERE id = ? AND status = 'scheduled'`,
		status, FormatTime(at), nullIfEmpty(msg), id,
	)
	if err != nil {
		return fmt.Errorf("mark %s %s %s: %w", t.Name, id, status, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
