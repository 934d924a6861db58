package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeItem struct {
	id  string
	due time.Time
}

func (f fakeItem) ItemID() string       { return f.id }
func (f fakeItem) ItemDueAt() time.Time { return f.due }

// fakeQueue is an in-memory Queue with the same claim rules as Table.
type fakeQueue struct {
	mu      sync.Mutex
	items   map[string]fakeItem
	status  map[string]string
	picked  map[string]time.Time
	errs    map[string]error
	dueErr  error
	claimed []string
}

func newFakeQueue(items ...fakeItem) *fakeQueue {
	q := &fakeQueue{
		items:  make(map[string]fakeItem),
		status: make(map[string]string),
		picked: make(map[string]time.Time),
		errs:   make(map[string]error),
	}
	for _, it := range items {
		q.items[it.id] = it
		q.status[it.id] = StatusScheduled
	}
	return q
}

func (q *fakeQueue) Due(_ context.Context, now time.Time, lookahead time.Duration, limit int) ([]fakeItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dueErr != nil {
		return nil, q.dueErr
	}
	var out []fakeItem
	for id, it := range q.items {
		if q.status[id] != StatusScheduled || it.due.After(now.Add(lookahead)) {
			continue
		}
		if p, ok := q.picked[id]; ok && p.After(now.Add(-StaleAfter)) {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].due.Before(out[j].due) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *fakeQueue) Claim(_ context.Context, id string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status[id] != StatusScheduled {
		return ErrClaimLost
	}
	if p, ok := q.picked[id]; ok && p.After(now.Add(-StaleAfter)) {
		return ErrClaimLost
	}
	q.picked[id] = now
	q.claimed = append(q.claimed, id)
	return nil
}

func (q *fakeQueue) MarkError(_ context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status[id] = StatusError
	q.errs[id] = cause
	return nil
}

func (q *fakeQueue) markDone(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status[id] = StatusDone
}

func (q *fakeQueue) statusOf(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status[id]
}

func TestRunOnce_HandlesDueInOrder(t *testing.T) {
	now := time.Now()
	q := newFakeQueue(
		fakeItem{"late", now.Add(-time.Second)},
		fakeItem{"early", now.Add(-time.Minute)},
		fakeItem{"future", now.Add(time.Hour)},
	)

	var order []string
	r := NewRunner(nil, q, func(_ context.Context, it fakeItem) error {
		order = append(order, it.id)
		q.markDone(it.id)
		return nil
	}, Options{Name: "test"})

	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("handled = %d, want 2", n)
	}
	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Errorf("order = %v, want [early late]", order)
	}
	if q.statusOf("future") != StatusScheduled {
		t.Error("future item was touched")
	}

	// Done rows are never handed out again.
	n, _ = r.RunOnce(context.Background())
	if n != 0 {
		t.Errorf("second poll handled %d items, want 0", n)
	}
}

func TestRunOnce_HandlerErrorAndPanicAreIsolated(t *testing.T) {
	now := time.Now()
	q := newFakeQueue(
		fakeItem{"a", now.Add(-3 * time.Second)},
		fakeItem{"b", now.Add(-2 * time.Second)},
		fakeItem{"c", now.Add(-1 * time.Second)},
	)

	r := NewRunner(nil, q, func(_ context.Context, it fakeItem) error {
		switch it.id {
		case "a":
			return errors.New("channel rejected")
		case "b":
			panic("nil map")
		}
		q.markDone(it.id)
		return nil
	}, Options{Name: "test"})

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if got := q.statusOf("a"); got != StatusError {
		t.Errorf("a status = %q, want error", got)
	}
	if got := q.statusOf("b"); got != StatusError {
		t.Errorf("b status = %q, want error after panic", got)
	}
	if got := q.statusOf("c"); got != StatusDone {
		t.Errorf("c status = %q, want done", got)
	}
}

func TestRunOnce_ClaimLostIsSkipped(t *testing.T) {
	now := time.Now()
	q := newFakeQueue(fakeItem{"a", now.Add(-time.Second)})
	q.picked["a"] = now.Add(-10 * time.Second)

	called := false
	r := NewRunner(nil, q, func(context.Context, fakeItem) error { called = true; return nil }, Options{Name: "test"})

	// Bypass Due's own claim filter to exercise Claim's rejection.
	if r.process(context.Background(), q.items["a"]) {
		t.Error("process reported an item it could not claim as handled")
	}
	if called {
		t.Error("handler ran without a claim")
	}
	if q.statusOf("a") != StatusScheduled {
		t.Error("lost claim changed row status")
	}
}

func TestRunOnce_StaleClaimIsReclaimed(t *testing.T) {
	now := time.Now()
	q := newFakeQueue(fakeItem{"a", now.Add(-5 * time.Minute)})
	q.picked["a"] = now.Add(-2 * StaleAfter)

	handled := 0
	r := NewRunner(nil, q, func(_ context.Context, it fakeItem) error {
		handled++
		q.markDone(it.id)
		return nil
	}, Options{Name: "test"})

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if handled != 1 {
		t.Errorf("handled = %d, want stale claim to be recovered", handled)
	}
}

func TestRunOnce_WaitsUntilDuePlusJitter(t *testing.T) {
	now := time.Now()
	due := now.Add(40 * time.Millisecond)
	q := newFakeQueue(fakeItem{"a", due})

	var deliveredAt time.Time
	r := NewRunner(nil, q, func(_ context.Context, it fakeItem) error {
		deliveredAt = time.Now()
		q.markDone(it.id)
		return nil
	}, Options{
		Name:      "test",
		Lookahead: time.Second,
		Jitter:    20 * time.Millisecond,
		Rand:      func() float64 { return 1 }, // always +Jitter
	})

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if deliveredAt.IsZero() {
		t.Fatal("item not delivered")
	}
	if early := due.Add(20 * time.Millisecond).Sub(deliveredAt); early > 0 {
		t.Errorf("delivered %v before due+jitter", early)
	}
}

func TestRunOnce_DueError(t *testing.T) {
	q := newFakeQueue()
	q.dueErr = errors.New("database is locked")
	r := NewRunner(nil, q, func(context.Context, fakeItem) error { return nil }, Options{Name: "test"})

	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce swallowed query error")
	}
}

func TestStartStop_InterruptsSleep(t *testing.T) {
	q := newFakeQueue()
	r := NewRunner(nil, q, func(context.Context, fakeItem) error { return nil }, Options{
		Name:         "test",
		PollInterval: time.Hour,
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Second Start is a no-op.
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the poll sleep")
	}

	r.Stop() // idempotent
	if err := r.Start(context.Background()); err == nil {
		t.Error("Start after Stop should fail")
	}
}

func TestStartStop_InterruptsPreDeliveryWait(t *testing.T) {
	q := newFakeQueue(fakeItem{"a", time.Now().Add(time.Hour)})
	called := false
	r := NewRunner(nil, q, func(context.Context, fakeItem) error { called = true; return nil }, Options{
		Name:         "test",
		PollInterval: time.Hour,
		Lookahead:    2 * time.Hour,
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Wait for the claim so Stop lands during the due-time wait.
	deadline := time.Now().Add(2 * time.Second)
	for {
		q.mu.Lock()
		n := len(q.claimed)
		q.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()

	if called {
		t.Error("handler ran after Stop")
	}
	if q.statusOf("a") != StatusScheduled {
		t.Error("interrupted item should stay scheduled with its claim")
	}
}

func TestStartStop_ContextCancel(t *testing.T) {
	q := newFakeQueue()
	r := NewRunner(nil, q, func(context.Context, fakeItem) error { return nil }, Options{
		Name:         "test",
		PollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	r.Stop()
}
