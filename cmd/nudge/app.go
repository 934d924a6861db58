package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/nudge/internal/agent"
	"github.com/nugget/nudge/internal/channel"
	"github.com/nugget/nudge/internal/config"
	"github.com/nugget/nudge/internal/database"
	"github.com/nugget/nudge/internal/limiter"
	"github.com/nugget/nudge/internal/llm"
	"github.com/nugget/nudge/internal/mqtt"
	"github.com/nugget/nudge/internal/opstate"
	"github.com/nugget/nudge/internal/reminders"
	"github.com/nugget/nudge/internal/selfcall"
	"github.com/nugget/nudge/internal/session"
	"github.com/nugget/nudge/internal/tools"
	"github.com/nugget/nudge/internal/usage"
)

// app is the component graph shared by serve, ask, and followup. Every
// store lives in the one database file under data_dir.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	zone   *time.Location
	db     *sql.DB

	sessions  *session.Store
	usage     *usage.Store
	reminders *reminders.Store
	selfCalls *selfcall.Store
	tokens    *mqtt.DailyTokens
	loop      *agent.Loop
}

// newApp opens the database, migrates every store, and builds the
// conversation loop. The caller must Close the app.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	zone, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", cfg.Timezone, err)
	}

	db, err := database.OpenDataDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, zone: zone, db: db}

	if err := a.openStores(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("database opened", "path", cfg.DataDir, "file", database.FileName)

	a.tokens = mqtt.NewDailyTokens(zone)

	client := llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Timeout(), logger)
	registry := tools.NewRegistry(a.reminders, a.sessions, cfg.Reminders.DefaultSilent, logger.With("component", "tools"))
	lim := limiter.New(cfg.Concurrency.Global, cfg.Concurrency.PerConversation)

	a.loop = agent.NewLoop(logger.With("component", "agent"), client, registry, lim, a.sessions, a.usage, agent.Options{
		Persona:      cfg.SystemPrompt,
		DefaultZone:  cfg.Timezone,
		DefaultModel: cfg.Models.Default,
		Pricing:      cfg.Models.Pricing,
		FlatPer1K:    cfg.Models.FlatPricePer1K,
		OnTokens:     a.tokens.OnTokens,
	})
	return a, nil
}

func (a *app) openStores() error {
	kv, err := opstate.NewStore(a.db)
	if err != nil {
		return fmt.Errorf("create opstate store: %w", err)
	}
	a.sessions = session.NewStore(kv, a.zone)

	if a.usage, err = usage.NewStore(a.db); err != nil {
		return fmt.Errorf("create usage store: %w", err)
	}
	if a.reminders, err = reminders.NewStore(a.db); err != nil {
		return fmt.Errorf("create reminder store: %w", err)
	}
	if a.selfCalls, err = selfcall.NewStore(a.db); err != nil {
		return fmt.Errorf("create self-call store: %w", err)
	}
	return nil
}

// reminderScheduler builds the reminder poller delivering to out.
func (a *app) reminderScheduler(out channel.Deliverer) *reminders.Scheduler {
	c := a.cfg.Reminders
	return reminders.NewScheduler(a.logger, a.reminders, a.loop, out, reminders.Options{
		PollInterval: c.PollInterval(),
		BatchLimit:   c.BatchLimit,
		Lookahead:    c.Lookahead(),
		Jitter:       c.Jitter(),
		Phrase:       c.Phrase,
	})
}

// selfCallScheduler builds the self-call poller delivering to out.
func (a *app) selfCallScheduler(out channel.Deliverer) *selfcall.Scheduler {
	c := a.cfg.SelfCalls
	return selfcall.NewScheduler(a.logger, a.selfCalls, a.loop, out, selfcall.Options{
		PollInterval: c.PollInterval(),
		BatchLimit:   c.BatchLimit,
		Lookahead:    c.Lookahead(),
		Jitter:       c.Jitter(),
		Silent:       c.DefaultSilent,
		MinInterval:  c.MinInterval(),
	})
}

// followUps returns a self-call scheduler that is never started. It
// only turns reply markers into rows for a running serve to pick up.
func (a *app) followUps(logger *slog.Logger) *selfcall.Scheduler {
	return a.selfCallScheduler(channel.Log{Logger: logger})
}

// Close releases the database.
func (a *app) Close() error {
	return a.db.Close()
}
