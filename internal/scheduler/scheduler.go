// Package scheduler runs the poll, claim, and deliver loop shared by the
// reminder and self-call schedulers. Each scheduler supplies a Queue over
// its own table and a Handler that performs delivery; the Runner owns
// timing, claiming, jitter, and per-item failure isolation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrClaimLost means another worker holds a fresh claim on the row.
// It is not a failure; the row is simply skipped.
var ErrClaimLost = errors.New("claim lost")

// Item is a deferred action row.
type Item interface {
	ItemID() string
	ItemDueAt() time.Time
}

// Queue is the persistence side of a deferred-action table.
type Queue[T Item] interface {
	// Due returns scheduled rows with due_at <= now+lookahead whose
	// claim is absent or stale, oldest first, at most limit rows.
	Due(ctx context.Context, now time.Time, lookahead time.Duration, limit int) ([]T, error)

	// Claim atomically writes picked_at for id. It returns ErrClaimLost
	// when the row is no longer claimable.
	Claim(ctx context.Context, id string, now time.Time) error

	// MarkError moves id to the error status.
	MarkError(ctx context.Context, id string, cause error) error
}

// Handler delivers one claimed item. It is responsible for marking the
// item done; a returned error or panic marks it error.
type Handler[T Item] func(ctx context.Context, item T) error

// Options tunes a Runner.
type Options struct {
	// Name labels log lines ("reminders", "self_calls").
	Name string

	PollInterval time.Duration
	BatchLimit   int
	Lookahead    time.Duration

	// Jitter shifts each delivery by a uniform offset in [-Jitter, +Jitter].
	Jitter time.Duration

	// Now and Rand are replaceable for tests.
	Now  func() time.Time
	Rand func() float64
}

// Runner polls a Queue and hands claimed items to a Handler, one at a
// time, on a single goroutine.
type Runner[T Item] struct {
	logger *slog.Logger
	queue  Queue[T]
	handle Handler[T]
	opts   Options

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. Zero PollInterval and BatchLimit fall back
// to 10s and 5.
func NewRunner[T Item](logger *slog.Logger, queue Queue[T], handle Handler[T], opts Options) *Runner[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Runner[T]{
		logger: logger.With("scheduler", opts.Name),
		queue:  queue,
		handle: handle,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// Start launches the poll loop. Calling Start on a running Runner is a
// no-op. A stopped Runner cannot be restarted.
func (r *Runner[T]) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	select {
	case <-r.stopCh:
		return fmt.Errorf("%s scheduler already stopped", r.opts.Name)
	default:
	}
	r.running = true

	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("scheduler started",
		"poll_interval", r.opts.PollInterval,
		"batch_limit", r.opts.BatchLimit,
		"lookahead", r.opts.Lookahead,
		"jitter", r.opts.Jitter,
	)
	return nil
}

// Stop wakes any sleep immediately and waits for the loop to exit.
// Claims held by an interrupted item are left for the staleness window
// to release.
func (r *Runner[T]) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("scheduler stopped")
}

func (r *Runner[T]) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		if _, err := r.RunOnce(ctx); err != nil && !r.stopping(ctx) {
			r.logger.Error("poll failed", "error", err)
		}
		if !r.sleep(ctx, r.opts.PollInterval) {
			return
		}
	}
}

// RunOnce performs a single poll: fetch due rows, then claim, wait, and
// handle each in due order. It returns how many items were handled,
// successfully or not.
func (r *Runner[T]) RunOnce(ctx context.Context) (int, error) {
	items, err := r.queue.Due(ctx, r.opts.Now().UTC(), r.opts.Lookahead, r.opts.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("query due %s: %w", r.opts.Name, err)
	}

	handled := 0
	for _, item := range items {
		if r.stopping(ctx) {
			break
		}
		if r.process(ctx, item) {
			handled++
		}
	}
	return handled, nil
}

func (r *Runner[T]) process(ctx context.Context, item T) bool {
	id := item.ItemID()
	log := r.logger.With("id", id)

	if err := r.queue.Claim(ctx, id, r.opts.Now().UTC()); err != nil {
		if errors.Is(err, ErrClaimLost) {
			log.Debug("claim lost, skipping")
		} else {
			log.Error("claim failed", "error", err)
		}
		return false
	}

	target := item.ItemDueAt().Add(r.jitterOffset())
	if wait := target.Sub(r.opts.Now()); wait > 0 {
		log.Debug("waiting for due time", "wait", wait.Round(time.Millisecond))
		if !r.sleep(ctx, wait) {
			log.Debug("interrupted before delivery, leaving claim")
			return false
		}
	}

	if err := r.safeHandle(ctx, item); err != nil {
		log.Error("delivery failed", "error", err)
		if markErr := r.queue.MarkError(ctx, id, err); markErr != nil {
			log.Error("mark error failed", "error", markErr)
		}
	}
	return true
}

// safeHandle runs the handler, converting a panic into an error so one
// bad item cannot stop the loop.
func (r *Runner[T]) safeHandle(ctx context.Context, item T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.handle(ctx, item)
}

func (r *Runner[T]) jitterOffset() time.Duration {
	if r.opts.Jitter <= 0 {
		return 0
	}
	return time.Duration((r.opts.Rand()*2 - 1) * float64(r.opts.Jitter))
}

// sleep waits for d, returning false if the Runner was stopped or ctx
// ended first.
func (r *Runner[T]) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Runner[T]) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}
