package selfcall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/nudge/internal/agent"
	"github.com/nugget/nudge/internal/channel"
	"github.com/nugget/nudge/internal/prompts"
	"github.com/nugget/nudge/internal/scheduler"
)

// Runner is the slice of the conversation loop a self-call drives.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (agent.Result, error)
}

// Options configures a Scheduler.
type Options struct {
	PollInterval time.Duration
	BatchLimit   int
	Lookahead    time.Duration
	Jitter       time.Duration
	Silent       bool

	// MinInterval is the shortest delay a marker may schedule.
	MinInterval time.Duration

	Now func() time.Time
}

// Scheduler runs due self-calls through the conversation loop.
type Scheduler struct {
	logger *slog.Logger
	store  *Store
	runner Runner
	out    channel.Deliverer
	opts   Options

	poller *scheduler.Runner[*SelfCall]
}

// NewScheduler creates a self-call scheduler.
func NewScheduler(logger *slog.Logger, store *Store, runner Runner, out channel.Deliverer, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		logger: logger.With("component", "self_calls"),
		store:  store,
		runner: runner,
		out:    out,
		opts:   opts,
	}
	s.poller = scheduler.NewRunner[*SelfCall](logger, store, s.handle, scheduler.Options{
		Name:         "self_calls",
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
	s.logger.Info("self-call scheduler started", "min_interval", s.opts.MinInterval)
	return s.poller.Start(ctx)
}

// Stop ends the poll loop.
func (s *Scheduler) Stop() {
	s.poller.Stop()
	s.logger.Info("self-call scheduler stopped")
}

// Follow strips any self-call marker from reply and, when one parses,
// schedules the follow-up it asks for. It returns the text to show the
// user.
func (s *Scheduler) Follow(ctx context.Context, conversationID, userID, reply string) string {
	visible, m, ok := ParseMarker(reply, s.opts.Now())
	if ok {
		s.schedule(ctx, conversationID, userID, m)
	}
	return visible
}

func (s *Scheduler) schedule(ctx context.Context, conversationID, userID string, m *Marker) {
	next := &SelfCall{
		ConversationID: conversationID,
		UserID:         userID,
		DueAt:          s.clamp(m.DueAt),
		Topic:          m.Topic,
		Payload:        m.Payload,
	}
	if err := s.store.Create(ctx, next); err != nil {
		s.logger.Error("failed to schedule self-call", "conversation", conversationID, "error", err)
		return
	}
	s.logger.Info("self-call scheduled",
		"conversation", conversationID,
		"self_call_id", next.ID,
		"due_at", next.DueAt,
		"topic", next.Topic,
	)
}

// clamp keeps a follow-up at least MinInterval in the future.
func (s *Scheduler) clamp(due time.Time) time.Time {
	floor := s.opts.Now().Add(s.opts.MinInterval).UTC()
	if due.Before(floor) {
		return floor
	}
	return due.UTC()
}

func (s *Scheduler) handle(ctx context.Context, c *SelfCall) error {
	log := s.logger.With("self_call_id", c.ID, "conversation", c.ConversationID)

	res, err := s.runner.Run(ctx, agent.Request{
		ConversationID: c.ConversationID,
		UserID:         c.UserID,
		Input:          prompts.SelfCallTurn(c.Topic, c.Payload),
		Mode:           agent.ModeSelfCall,
		TaskName:       c.ID,
	})
	if err != nil {
		return fmt.Errorf("run self-call: %w", err)
	}

	visible, marker, ok := ParseMarker(res.Text, s.opts.Now())
	if visible != "" {
		if err := s.out.Deliver(ctx, c.ConversationID, visible, s.opts.Silent); err != nil {
			return fmt.Errorf("deliver self-call: %w", err)
		}
	} else {
		log.Debug("self-call produced no visible text")
	}

	if err := s.store.MarkDone(ctx, c.ID, s.opts.Now().UTC()); err != nil {
		return err
	}
	log.Info("self-call delivered", "sent", visible != "", "follow_up", ok)

	if ok {
		s.schedule(ctx, c.ConversationID, c.UserID, marker)
	}
	return nil
}
