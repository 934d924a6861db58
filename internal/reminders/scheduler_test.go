package reminders

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/nudge/internal/agent"
	"github.com/nugget/nudge/internal/channel"
	"github.com/nugget/nudge/internal/scheduler"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sent struct {
	conv, text string
	silent     bool
}

type outbox struct {
	mu     sync.Mutex
	msgs   []sent
	err    error
	before func(conv string)
}

func (o *outbox) Deliver(_ context.Context, conv, text string, silent bool) error {
	if o.before != nil {
		o.before(conv)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.msgs = append(o.msgs, sent{conv, text, silent})
	return nil
}

type fakeRunner struct {
	reqs []agent.Request
	text string
	err  error
}

func (f *fakeRunner) Run(_ context.Context, req agent.Request) (agent.Result, error) {
	f.reqs = append(f.reqs, req)
	return agent.Result{Text: f.text}, f.err
}

func newTestScheduler(t *testing.T, runner Runner, out channel.Deliverer, phrase bool) (*Scheduler, *Store, *fakeClock) {
	t.Helper()
	store := newTestStore(t)
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	store.now = clock.Now
	s := NewScheduler(nil, store, runner, out, Options{
		PollInterval: time.Hour,
		BatchLimit:   10,
		Phrase:       phrase,
		Now:          clock.Now,
	})
	return s, store, clock
}

func runOnce(t *testing.T, s *Scheduler) int {
	t.Helper()
	n, err := s.poller.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return n
}

func TestScheduler_DeliversOnceAndMarksDone(t *testing.T) {
	out := &outbox{}
	s, store, clock := newTestScheduler(t, nil, out, false)
	r := mustCreate(t, store, &Reminder{ConversationID: "c1", Text: "stretch", DueAt: clock.Now(), Silent: true})

	if n := runOnce(t, s); n != 1 {
		t.Fatalf("handled = %d, want 1", n)
	}
	clock.Advance(2 * scheduler.StaleAfter)
	if n := runOnce(t, s); n != 0 {
		t.Errorf("done reminder re-polled: handled = %d", n)
	}

	if len(out.msgs) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(out.msgs))
	}
	if got := out.msgs[0]; got.conv != "c1" || got.text != "🔔 Reminder: stretch" || !got.silent {
		t.Errorf("delivery = %+v", got)
	}

	got, err := store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != scheduler.StatusDone || got.FiredAt.IsZero() {
		t.Errorf("status = %s fired_at = %v", got.Status, got.FiredAt)
	}
}

func TestScheduler_IdempotencyKeyWrittenBeforeSend(t *testing.T) {
	out := &outbox{}
	s, store, clock := newTestScheduler(t, nil, out, false)
	r := mustCreate(t, store, &Reminder{ConversationID: "c1", Text: "x", DueAt: clock.Now()})

	var keyAtSend string
	out.before = func(string) {
		got, err := store.Get(context.Background(), r.ID)
		if err != nil {
			t.Errorf("Get during send: %v", err)
			return
		}
		keyAtSend = got.IdempotencyKey
	}

	runOnce(t, s)
	if !strings.HasPrefix(keyAtSend, r.ID+":") {
		t.Errorf("idempotency key at send = %q, want %s:<attempt>", keyAtSend, r.ID)
	}
}

func TestScheduler_ReclaimedAttemptIsLogged(t *testing.T) {
	out := &outbox{}
	store := newTestStore(t)
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	store.now = clock.Now
	var logs bytes.Buffer
	s := NewScheduler(slog.New(slog.NewTextHandler(&logs, nil)), store, nil, out, Options{
		PollInterval: time.Hour,
		BatchLimit:   10,
		Now:          clock.Now,
	})
	ctx := context.Background()
	r := mustCreate(t, store, &Reminder{ConversationID: "c1", Text: "x", DueAt: clock.Now()})

	// An earlier process claimed the row and wrote its key, then died.
	if err := store.Claim(ctx, r.ID, clock.Now()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.SetIdempotencyKey(ctx, r.ID, r.ID+":lost"); err != nil {
		t.Fatalf("SetIdempotencyKey: %v", err)
	}
	clock.Advance(2 * scheduler.StaleAfter)

	if n := runOnce(t, s); n != 1 {
		t.Fatalf("handled = %d, want the stale claim recovered", n)
	}
	if !strings.Contains(logs.String(), "previous delivery attempt unconfirmed") ||
		!strings.Contains(logs.String(), "previous_key="+r.ID+":lost") {
		t.Errorf("missing unconfirmed-attempt warning in logs:\n%s", logs.String())
	}

	got, err := store.Get(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IdempotencyKey == r.ID+":lost" || got.Status != scheduler.StatusDone {
		t.Errorf("after redelivery key = %q status = %s", got.IdempotencyKey, got.Status)
	}
}

func TestScheduler_FirstAttemptLogsNoWarning(t *testing.T) {
	out := &outbox{}
	store := newTestStore(t)
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	store.now = clock.Now
	var logs bytes.Buffer
	s := NewScheduler(slog.New(slog.NewTextHandler(&logs, nil)), store, nil, out, Options{
		PollInterval: time.Hour,
		BatchLimit:   10,
		Now:          clock.Now,
	})
	mustCreate(t, store, &Reminder{ConversationID: "c1", Text: "x", DueAt: clock.Now()})

	runOnce(t, s)
	if strings.Contains(logs.String(), "unconfirmed") {
		t.Errorf("fresh delivery logged a prior attempt:\n%s", logs.String())
	}
}

func TestScheduler_ChainRunsToCompletion(t *testing.T) {
	out := &outbox{}
	s, store, clock := newTestScheduler(t, nil, out, false)
	mustCreate(t, store, &Reminder{
		ConversationID: "c1",
		Text:           "drink water",
		DueAt:          clock.Now(),
		Chain:          &ChainMeta{Steps: 2, NextOffsetSeconds: 60},
	})

	// 2 -> 1 -> 0 -> none.
	for round := 1; round <= 4; round++ {
		runOnce(t, s)
		clock.Advance(61 * time.Second)
	}

	if len(out.msgs) != 3 {
		t.Errorf("deliveries = %d, want 3", len(out.msgs))
	}
	var total int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM reminders`).Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("rows = %d, want 3 (original plus two follow-ups)", total)
	}
	pending, _ := store.ListPending(context.Background(), "c1")
	if len(pending) != 0 {
		t.Errorf("pending after chain = %d, want 0", len(pending))
	}
}

func TestScheduler_ChainStopsAtEndTime(t *testing.T) {
	out := &outbox{}
	s, store, clock := newTestScheduler(t, nil, out, false)
	mustCreate(t, store, &Reminder{
		ConversationID: "c1",
		Text:           "stand up",
		DueAt:          clock.Now(),
		Chain:          &ChainMeta{Steps: 10, NextOffsetSeconds: 60, EndAt: clock.Now().Add(90 * time.Second)},
	})

	for round := 0; round < 5; round++ {
		runOnce(t, s)
		clock.Advance(61 * time.Second)
	}
	if len(out.msgs) != 2 {
		t.Errorf("deliveries = %d, want 2 (the third would land after end_at)", len(out.msgs))
	}
}

func TestScheduler_PhrasesThroughRunner(t *testing.T) {
	out := &outbox{}
	runner := &fakeRunner{text: "Time to stretch, friend!"}
	s, store, clock := newTestScheduler(t, runner, out, true)
	r := mustCreate(t, store, &Reminder{ConversationID: "c1", UserID: "u1", Text: "stretch", DueAt: clock.Now()})

	runOnce(t, s)

	if len(runner.reqs) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(runner.reqs))
	}
	req := runner.reqs[0]
	if req.Mode != agent.ModeReminder || req.ToolsEnabled || req.TaskName != r.ID || req.UserID != "u1" {
		t.Errorf("runner request = %+v", req)
	}
	if !strings.Contains(req.Input, "stretch") {
		t.Errorf("runner input = %q", req.Input)
	}
	if out.msgs[0].text != "Time to stretch, friend!" {
		t.Errorf("delivered %q", out.msgs[0].text)
	}
}

func TestScheduler_PhrasingFailureFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
	}{
		{"error", &fakeRunner{text: "⚠️ gpt: boom", err: errors.New("boom")}},
		{"empty", &fakeRunner{text: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &outbox{}
			s, store, clock := newTestScheduler(t, tt.runner, out, true)
			mustCreate(t, store, &Reminder{ConversationID: "c1", Text: "stretch", DueAt: clock.Now()})

			runOnce(t, s)
			if len(out.msgs) != 1 || out.msgs[0].text != "🔔 Reminder: stretch" {
				t.Errorf("deliveries = %+v", out.msgs)
			}
		})
	}
}

func TestScheduler_DeliveryFailureMarksError(t *testing.T) {
	out := &outbox{err: &channel.DeliveryError{Channel: "telegram", ConversationID: "c1", Err: errors.New("chat not found")}}
	s, store, clock := newTestScheduler(t, nil, out, false)
	r := mustCreate(t, store, &Reminder{
		ConversationID: "c1",
		Text:           "x",
		DueAt:          clock.Now(),
		Chain:          &ChainMeta{Steps: 1, NextOffsetSeconds: 60},
	})
	ok := mustCreate(t, store, &Reminder{ConversationID: "c2", Text: "y", DueAt: clock.Now().Add(time.Second)})

	clock.Advance(time.Second)
	if n := runOnce(t, s); n != 2 {
		t.Errorf("handled = %d, want 2 (a failure must not stop the batch)", n)
	}

	got, _ := store.Get(context.Background(), r.ID)
	if got.Status != scheduler.StatusError || !strings.Contains(got.Error, "chat not found") {
		t.Errorf("failed reminder = %s %q", got.Status, got.Error)
	}
	pending, _ := store.ListPending(context.Background(), "c1")
	if len(pending) != 0 {
		t.Error("failed delivery re-armed its chain")
	}
	other, _ := store.Get(context.Background(), ok.ID)
	if other.Status != scheduler.StatusError {
		t.Errorf("second reminder status = %s, want error (outbox always fails)", other.Status)
	}
}

func TestScheduler_PanicIsIsolated(t *testing.T) {
	calls := 0
	out := channel.Func(func(_ context.Context, conv, _ string, _ bool) error {
		calls++
		if conv == "boom" {
			panic("deliverer exploded")
		}
		return nil
	})
	s, store, clock := newTestScheduler(t, nil, out, false)
	bad := mustCreate(t, store, &Reminder{ConversationID: "boom", Text: "x", DueAt: clock.Now().Add(-time.Minute)})
	good := mustCreate(t, store, &Reminder{ConversationID: "fine", Text: "y", DueAt: clock.Now()})

	runOnce(t, s)

	if calls != 2 {
		t.Errorf("deliver calls = %d, want 2", calls)
	}
	b, _ := store.Get(context.Background(), bad.ID)
	g, _ := store.Get(context.Background(), good.ID)
	if b.Status != scheduler.StatusError || g.Status != scheduler.StatusDone {
		t.Errorf("statuses = %s / %s, want error / done", b.Status, g.Status)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil, &outbox{}, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while the poller slept")
	}
}
