package reminders

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/nudge/internal/database"
	"github.com/nugget/nudge/internal/scheduler"
	"github.com/nugget/nudge/internal/tools"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "nudge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func mustCreate(t *testing.T, s *Store, r *Reminder) *Reminder {
	t.Helper()
	if err := s.Create(context.Background(), r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestStore_ClaimIsExclusiveUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	r := mustCreate(t, s, &Reminder{ConversationID: "c1", Text: "x", DueAt: now})

	const workers = 8
	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		losses atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.Claim(context.Background(), r.ID, now)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, scheduler.ErrClaimLost):
				losses.Add(1)
			default:
				t.Errorf("Claim: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || losses.Load() != workers-1 {
		t.Errorf("wins = %d, losses = %d, want 1 and %d", wins.Load(), losses.Load(), workers-1)
	}
}

func TestStore_StaleClaimIsReclaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	r := mustCreate(t, s, &Reminder{ConversationID: "c1", Text: "x", DueAt: now})

	if err := s.Claim(ctx, r.ID, now); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	due, err := s.Due(ctx, now.Add(30*time.Second), 0, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("freshly claimed reminder was returned as due")
	}
	if err := s.Claim(ctx, r.ID, now.Add(30*time.Second)); !errors.Is(err, scheduler.ErrClaimLost) {
		t.Errorf("claim within window: err = %v, want ErrClaimLost", err)
	}

	later := now.Add(scheduler.StaleAfter + time.Second)
	due, err = s.Due(ctx, later, 0, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("stale reminder not returned as due")
	}
	if err := s.Claim(ctx, r.ID, later); err != nil {
		t.Errorf("stale reclaim: %v", err)
	}
}

func TestStore_DueOrderAndTerminalRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	late := mustCreate(t, s, &Reminder{ConversationID: "c1", Text: "late", DueAt: now.Add(-time.Minute)})
	early := mustCreate(t, s, &Reminder{ConversationID: "c1", Text: "early", DueAt: now.Add(-time.Hour)})
	done := mustCreate(t, s, &Reminder{ConversationID: "c1", Text: "done", DueAt: now.Add(-2 * time.Hour)})
	mustCreate(t, s, &Reminder{ConversationID: "c1", Text: "future", DueAt: now.Add(time.Hour)})

	if err := s.MarkDone(ctx, done.ID, now); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	// A terminal row never changes status again.
	if err := s.MarkError(ctx, done.ID, errors.New("late failure")); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	got, err := s.Get(ctx, done.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != scheduler.StatusDone || got.Error != "" {
		t.Errorf("done row = %s %q, want done with no error", got.Status, got.Error)
	}

	due, err := s.Due(ctx, now, 0, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 || due[0].ID != early.ID || due[1].ID != late.ID {
		t.Errorf("due order wrong: %v", ids(due))
	}

	withLookahead, err := s.Due(ctx, now, 2*time.Hour, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(withLookahead) != 3 {
		t.Errorf("lookahead due = %d, want 3", len(withLookahead))
	}

	limited, err := s.Due(ctx, now, 0, 1)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d rows", len(limited))
	}
}

func TestStore_ScheduleReminderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	due := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	end := due.Add(3 * time.Hour)
	silent := true

	id, err := s.ScheduleReminder(ctx, tools.ReminderSpec{
		ConversationID: "c1",
		UserID:         "u1",
		Text:           "water",
		DueAt:          due,
		Chain:          &tools.ChainSpec{Steps: 2, NextOffset: 30 * time.Minute, EndAt: end, Silent: &silent},
	})
	if err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}

	r, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Text != "water" || r.UserID != "u1" || !r.DueAt.Equal(due) || r.Status != scheduler.StatusScheduled {
		t.Errorf("reminder = %+v", r)
	}
	if r.Chain == nil || r.Chain.Steps != 2 || r.Chain.NextOffsetSeconds != 1800 || !r.Chain.EndAt.Equal(end) || !r.Chain.NextAt.IsZero() {
		t.Errorf("chain = %+v", r.Chain)
	}
	if r.Chain.Silent == nil || !*r.Chain.Silent {
		t.Error("chain silence not persisted")
	}
}

func TestStore_ListPendingAndCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := mustCreate(t, s, &Reminder{ConversationID: "c1", Text: "a", DueAt: now.Add(time.Hour)})
	mustCreate(t, s, &Reminder{ConversationID: "c1", Text: "b", DueAt: now.Add(2 * time.Hour)})
	other := mustCreate(t, s, &Reminder{ConversationID: "c2", Text: "c", DueAt: now.Add(time.Hour)})

	pending, err := s.ListPending(ctx, "c1")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 || pending[0].Text != "a" {
		t.Fatalf("pending = %v", ids(pending))
	}

	if _, err := s.Cancel(ctx, "c1", other.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel of another conversation's reminder: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Cancel(ctx, "c1", "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("short ref: err = %v, want ErrNotFound", err)
	}

	cancelled, err := s.Cancel(ctx, "c1", a.ID[len(a.ID)-8:])
	if err != nil {
		t.Fatalf("Cancel by suffix: %v", err)
	}
	if cancelled.ID != a.ID {
		t.Errorf("cancelled %s, want %s", cancelled.ID, a.ID)
	}

	pending, _ = s.ListPending(ctx, "c1")
	if len(pending) != 1 || pending[0].Text != "b" {
		t.Errorf("pending after cancel = %v", ids(pending))
	}
	got, _ := s.Get(ctx, a.ID)
	if got.Status != scheduler.StatusError {
		t.Errorf("cancelled status = %s, want error", got.Status)
	}
}

func ids(rs []*Reminder) []string {
	var out []string
	for _, r := range rs {
		out = append(out, r.Text)
	}
	return out
}
