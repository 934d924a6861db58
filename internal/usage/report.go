package usage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Dimension is a column usage can be grouped by.
type Dimension string

const (
	ByModel Dimension = "model"
	ByRole  Dimension = "role"
)

// Query selects records. Zero fields do not filter; Until is exclusive.
type Query struct {
	Since  time.Time
	Until  time.Time
	UserID string
}

func (q Query) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !q.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, formatTS(q.Since))
	}
	if !q.Until.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, formatTS(q.Until))
	}
	if q.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, q.UserID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Totals sums a set of records.
type Totals struct {
	Calls        int64
	InputTokens  int64
	OutputTokens int64
	Tokens       int64
	CostUSD      float64
}

// Add folds o into t.
func (t *Totals) Add(o Totals) {
	t.Calls += o.Calls
	t.InputTokens += o.InputTokens
	t.OutputTokens += o.OutputTokens
	t.Tokens += o.Tokens
	t.CostUSD += o.CostUSD
}

const totalsColumns = `COUNT(*),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(total_tokens), 0),
	COALESCE(SUM(cost_usd), 0)`

func (t *Totals) dest() []any {
	return []any{&t.Calls, &t.InputTokens, &t.OutputTokens, &t.Tokens, &t.CostUSD}
}

// Totals sums every record q selects.
func (s *Store) Totals(ctx context.Context, q Query) (Totals, error) {
	where, args := q.where()
	var t Totals
	if err := s.db.QueryRowContext(ctx,
		`SELECT `+totalsColumns+` FROM usage_records`+where, args...,
	).Scan(t.dest()...); err != nil {
		return Totals{}, fmt.Errorf("usage totals: %w", err)
	}
	return t, nil
}

// GroupBy sums the records q selects for each value of dim. Records
// with no value for dim are grouped under "".
func (s *Store) GroupBy(ctx context.Context, dim Dimension, q Query) (map[string]Totals, error) {
	switch dim {
	case ByModel, ByRole:
	default:
		return nil, fmt.Errorf("usage: cannot group by %q", dim)
	}

	where, args := q.where()
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(`+string(dim)+`, ''), `+totalsColumns+
			` FROM usage_records`+where+
			` GROUP BY `+string(dim),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("usage by %s: %w", dim, err)
	}
	defer rows.Close()

	out := make(map[string]Totals)
	for rows.Next() {
		var (
			key string
			t   Totals
		)
		if err := rows.Scan(append([]any{&key}, t.dest()...)...); err != nil {
			return nil, fmt.Errorf("usage by %s: %w", dim, err)
		}
		out[key] = t
	}
	return out, rows.Err()
}
