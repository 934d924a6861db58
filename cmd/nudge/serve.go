package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/nudge/internal/buildinfo"
	"github.com/nugget/nudge/internal/channel"
	"github.com/nugget/nudge/internal/config"
	"github.com/nugget/nudge/internal/database"
	"github.com/nugget/nudge/internal/mqtt"
	"github.com/nugget/nudge/internal/telegram"
)

// mqttStopTimeout bounds the offline publish and disconnect at shutdown.
const mqttStopTimeout = 5 * time.Second

// runServe handles "nudge serve". It opens the database, starts both
// schedulers, the Telegram bridge, and the MQTT mirror, and blocks
// until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels the context shared by every goroutine
//  2. The bridge finishes in-flight messages and returns
//  3. The MQTT mirror publishes "offline" and disconnects
//  4. The schedulers stop and the database closes via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	info := buildinfo.Info()
	logger.Info("starting nudge", "version", info["version"], "commit", info["git_commit"], "built", info["build_time"])

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"model", cfg.Models.Default,
		"data_dir", cfg.DataDir,
		"timezone", cfg.Timezone,
	)

	lock, err := database.LockDataDir(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer lock.Release()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Outbound delivery ---
	// Telegram is the primary channel. Without it deliveries are only
	// logged, which keeps the schedulers useful for local testing.
	var tg *telegram.Client
	var primary channel.Deliverer = channel.Log{Logger: logger.With("component", "delivery_log")}
	if cfg.Telegram.Configured() {
		tg = telegram.NewClient(telegram.DefaultBaseURL, cfg.Telegram.Token, logger)
		primary = telegram.NewChannel(tg, logger)
	} else {
		logger.Warn("telegram not configured - deliveries will only be logged")
	}
	out := &channel.Fanout{Primary: primary, Logger: logger}

	var notifier *mqtt.Notifier
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		notifier = mqtt.New(cfg.MQTT, instanceID, a.tokens, logger)
		out.Mirrors = append(out.Mirrors, notifier)
		logger.Info("mqtt mirror configured", "broker", cfg.MQTT.Broker, "device", cfg.MQTT.DeviceName)
	}

	g, gctx := errgroup.WithContext(ctx)

	// --- Schedulers ---
	if cfg.Reminders.Enabled {
		rs := a.reminderScheduler(out)
		if err := rs.Start(gctx); err != nil {
			return fmt.Errorf("start reminder scheduler: %w", err)
		}
		defer rs.Stop()
	} else {
		logger.Info("reminder scheduler disabled")
	}

	var followUps telegram.FollowUps
	if cfg.SelfCalls.Enabled {
		sc := a.selfCallScheduler(out)
		if err := sc.Start(gctx); err != nil {
			return fmt.Errorf("start self-call scheduler: %w", err)
		}
		defer sc.Stop()
		followUps = sc
	} else {
		logger.Info("self-call scheduler disabled")
	}

	// --- Inbound ---
	if tg != nil {
		bridge := telegram.NewBridge(telegram.BridgeConfig{
			Client:       tg,
			Out:          primary,
			Runner:       a.loop,
			Sessions:     a.sessions,
			Reminders:    a.reminders,
			Usage:        a.usage,
			FollowUps:    followUps,
			Logger:       logger,
			PollTimeout:  time.Duration(cfg.Telegram.PollTimeoutSec) * time.Second,
			AllowedChats: cfg.Telegram.AllowedChats,
			DefaultModel: cfg.Models.Default,
		})
		g.Go(func() error {
			if err := bridge.Start(gctx); err != nil {
				return fmt.Errorf("telegram bridge: %w", err)
			}
			return nil
		})
	}

	if notifier != nil {
		g.Go(func() error {
			if err := notifier.Start(gctx); err != nil {
				return fmt.Errorf("mqtt: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		return nil
	})

	logger.Info("nudge running",
		"telegram", tg != nil,
		"mqtt", notifier != nil,
		"reminders", cfg.Reminders.Enabled,
		"self_calls", cfg.SelfCalls.Enabled,
	)

	err = g.Wait()

	if notifier != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), mqttStopTimeout)
		if stopErr := notifier.Stop(stopCtx); stopErr != nil {
			logger.Error("mqtt shutdown failed", "error", stopErr)
		}
		stopCancel()
	}

	if err != nil {
		return err
	}
	logger.Info("nudge stopped")
	return nil
}
