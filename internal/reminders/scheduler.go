package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/nudge/internal/agent"
	"github.com/nugget/nudge/internal/channel"
	"github.com/nugget/nudge/internal/prompts"
	"github.com/nugget/nudge/internal/scheduler"
)

// Runner is the slice of the conversation loop used to word deliveries.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (agent.Result, error)
}

// Options configures a Scheduler.
type Options struct {
	PollInterval time.Duration
	BatchLimit   int
	Lookahead    time.Duration
	Jitter       time.Duration

	// Phrase asks the model to word each delivery. When false, or when
	// the model fails, the templated text is sent.
	Phrase bool

	Now func() time.Time
}

// Scheduler delivers due reminders.
type Scheduler struct {
	logger *slog.Logger
	store  *Store
	runner Runner
	out    channel.Deliverer
	phrase bool
	now    func() time.Time

	poller *scheduler.Runner[*Reminder]
}

// NewScheduler creates a reminder scheduler. runner may be nil, which
// disables phrasing.
func NewScheduler(logger *slog.Logger, store *Store, runner Runner, out channel.Deliverer, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		logger: logger.With("component", "reminders"),
		store:  store,
		runner: runner,
		out:    out,
		phrase: opts.Phrase && runner != nil,
		now:    opts.Now,
	}
	s.poller = scheduler.NewRunner[*Reminder](logger, store, s.deliver, scheduler.Options{
		Name:         "reminders",
		PollInterval: opts.PollInterval,
		BatchLimit:   opts.BatchLimit,
		Lookahead:    opts.Lookahead,
		Jitter:       opts.Jitter,
		Now:          opts.Now,
	})
	return s
}

// Start launches the poll loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("reminder scheduler started")
	return s.poller.Start(ctx)
}

// Stop ends the poll loop and waits for an in-flight delivery to
// finish or notice the stop.
func (s *Scheduler) Stop() {
	s.poller.Stop()
	s.logger.Info("reminder scheduler stopped")
}

func (s *Scheduler) deliver(ctx context.Context, r *Reminder) error {
	log := s.logger.With("reminder_id", r.ID, "conversation", r.ConversationID)

	if r.IdempotencyKey != "" {
		// A key without a done status means an earlier claim died
		// between writing the key and marking the row. That send may or
		// may not have reached the user.
		log.Warn("previous delivery attempt unconfirmed", "previous_key", r.IdempotencyKey, "picked_at", r.PickedAt)
	}
	key := r.ID + ":" + scheduler.NewID()
	if err := s.store.SetIdempotencyKey(ctx, r.ID, key); err != nil {
		return err
	}

	text := s.compose(ctx, r, log)
	if err := s.out.Deliver(ctx, r.ConversationID, text, r.Silent); err != nil {
		return fmt.Errorf("deliver reminder: %w", err)
	}

	firedAt := s.now().UTC()
	if err := s.store.MarkDone(ctx, r.ID, firedAt); err != nil {
		return err
	}
	log.Info("reminder delivered", "silent", r.Silent, "idempotency_key", key)

	if next := Next(r, firedAt); next != nil {
		// The delivery already happened; a failed re-arm must not flip
		// the row to error.
		if err := s.store.Create(ctx, next); err != nil {
			log.Error("failed to schedule chained reminder", "error", err)
			return nil
		}
		steps := 0
		if next.Chain != nil {
			steps = next.Chain.Steps
		}
		log.Info("chained reminder scheduled", "next_id", next.ID, "due_at", next.DueAt, "remaining", steps)
	}
	return nil
}

func (s *Scheduler) compose(ctx context.Context, r *Reminder, log *slog.Logger) string {
	fallback := prompts.ReminderFallback(r.Text)
	if !s.phrase {
		return fallback
	}

	res, err := s.runner.Run(ctx, agent.Request{
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Input:          prompts.ReminderDelivery(r.Text),
		Mode:           agent.ModeReminder,
		TaskName:       r.ID,
	})
	if err != nil {
		log.Warn("reminder phrasing failed, using template", "error", err)
		return fallback
	}
	if strings.TrimSpace(res.Text) == "" {
		return fallback
	}
	return res.Text
}
