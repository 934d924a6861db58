package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nugget/nudge/internal/agent"
	"github.com/nugget/nudge/internal/channel"
	"github.com/nugget/nudge/internal/reminders"
	"github.com/nugget/nudge/internal/selfcall"
	"github.com/nugget/nudge/internal/usage"
)

// handleTimeout bounds how long a single inbound message may be
// processed (conversation loop + reply send).
const handleTimeout = 5 * time.Minute

// pollRetryDelay is the pause after a failed getUpdates call.
const pollRetryDelay = 3 * time.Second

// Runner abstracts the conversation loop. The real implementation is
// *agent.Loop.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (agent.Result, error)
}

// Sessions is the session state the commands touch.
type Sessions interface {
	Reset(ctx context.Context, conversationID string) error
	Model(ctx context.Context, fallback string) string
	SetModel(ctx context.Context, model string) error
	Timezone(ctx context.Context, userID string) (*time.Location, bool, error)
}

// Reminders lists and cancels pending reminders.
type Reminders interface {
	ListPending(ctx context.Context, conversationID string) ([]*reminders.Reminder, error)
	Cancel(ctx context.Context, conversationID, ref string) (*reminders.Reminder, error)
}

// UsageReporter summarizes a user's spend.
type UsageReporter interface {
	GroupBy(ctx context.Context, dim usage.Dimension, q usage.Query) (map[string]usage.Totals, error)
}

// FollowUps strips self-call markers from a reply and schedules them.
type FollowUps interface {
	Follow(ctx context.Context, conversationID, userID, reply string) string
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client       *Client
	Out          channel.Deliverer // replies; defaults to a Channel on Client
	Runner       Runner
	Sessions     Sessions
	Reminders    Reminders
	Usage        UsageReporter
	FollowUps    FollowUps // nil strips markers without scheduling
	Logger       *slog.Logger
	PollTimeout  time.Duration
	AllowedChats []int64 // empty allows every chat
	DefaultModel string
	Now          func() time.Time
}

// Bridge receives Telegram messages by long polling, answers commands,
// and routes everything else through the conversation loop.
type Bridge struct {
	client       *Client
	out          channel.Deliverer
	runner       Runner
	sessions     Sessions
	reminders    Reminders
	usage        UsageReporter
	followUps    FollowUps
	logger       *slog.Logger
	pollTimeout  time.Duration
	allowed      []int64
	defaultModel string
	now          func() time.Time
}

// NewBridge creates a Telegram bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := cfg.Out
	if out == nil {
		out = NewChannel(cfg.Client, logger)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Bridge{
		client:       cfg.Client,
		out:          out,
		runner:       cfg.Runner,
		sessions:     cfg.Sessions,
		reminders:    cfg.Reminders,
		usage:        cfg.Usage,
		followUps:    cfg.FollowUps,
		logger:       logger.With("component", "telegram_bridge"),
		pollTimeout:  poll,
		allowed:      cfg.AllowedChats,
		defaultModel: cfg.DefaultModel,
		now:          now,
	}
}

// Start polls for updates until ctx is cancelled. Each message is
// handled in its own goroutine; Start waits for them before returning.
func (b *Bridge) Start(ctx context.Context) error {
	b.logger.Info("telegram bridge started", "poll_timeout", b.pollTimeout, "allowed_chats", len(b.allowed))

	var wg sync.WaitGroup
	defer wg.Wait()

	var offset int64
	for {
		if ctx.Err() != nil {
			b.logger.Info("telegram bridge shutting down")
			return nil
		}

		updates, next, err := b.client.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil || isPollTimeout(err) {
				continue
			}
			b.logger.Warn("telegram poll failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		offset = next

		for _, u := range updates {
			msg := u.Message
			if !b.accept(msg) {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.handleMessage(ctx, msg)
			}()
		}
	}
}

// accept filters out non-text updates and chats outside the allow list.
func (b *Bridge) accept(msg *Message) bool {
	if msg == nil || msg.Chat == nil || strings.TrimSpace(msg.Text) == "" {
		return false
	}
	if msg.From != nil && msg.From.IsBot {
		return false
	}
	if len(b.allowed) > 0 && !slices.Contains(b.allowed, msg.Chat.ID) {
		b.logger.Warn("telegram message from chat not in allowed_chats", "chat_id", msg.Chat.ID)
		return false
	}
	return true
}

// handleMessage answers one inbound message.
func (b *Bridge) handleMessage(ctx context.Context, msg *Message) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	convID := ConversationID(msg.Chat.ID)
	userID := convID
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
	}

	b.logger.Info("telegram message received",
		"conversation", convID,
		"user", userID,
		"message_len", len(msg.Text),
	)

	reply := b.reply(ctx, msg, convID, userID)
	if reply == "" {
		return
	}
	if err := b.out.Deliver(ctx, convID, reply, false); err != nil {
		b.logger.Error("telegram reply send failed", "conversation", convID, "error", err)
		return
	}
	b.logger.Debug("telegram reply sent", "conversation", convID, "response_len", len(reply))
}

func (b *Bridge) reply(ctx context.Context, msg *Message, convID, userID string) string {
	cmd, rest := splitCommand(msg.Text)
	switch normalizeSlashCommand(cmd) {
	case "/start":
		return b.cmdStart(msg.From)
	case "/help":
		return helpText
	case "/reset":
		return b.cmdReset(ctx, convID)
	case "/stats":
		return b.cmdStats(ctx, userID)
	case "/model":
		return b.cmdModel(ctx, rest)
	case "/reminders":
		return b.cmdReminders(ctx, convID, userID)
	case "/cancel":
		return b.cmdCancel(ctx, convID, rest)
	}
	return b.chat(ctx, msg.Chat.ID, convID, userID, msg.Text)
}

func (b *Bridge) chat(ctx context.Context, chatID int64, convID, userID, text string) string {
	if b.client != nil {
		if err := b.client.SendChatAction(ctx, chatID, "typing"); err != nil {
			b.logger.Debug("telegram typing indicator failed", "error", err)
		}
	}

	res, err := b.runner.Run(ctx, agent.Request{
		ConversationID: convID,
		UserID:         userID,
		Input:          text,
		ToolsEnabled:   true,
		Mode:           agent.ModeChat,
	})
	if err != nil {
		b.logger.Warn("telegram turn failed", "conversation", convID, "error", err)
		return res.Text
	}
	if b.followUps != nil {
		return b.followUps.Follow(ctx, convID, userID, res.Text)
	}
	visible, _, _ := selfcall.ParseMarker(res.Text, b.now())
	return visible
}

const helpText = `**Commands**

/start - say hello
/help - this help
/reset - start a new conversation thread
/stats - your usage and cost
/model [name] - show or switch the model
/reminders - list pending reminders
/cancel <id> - cancel a pending reminder

Anything else goes to the assistant. Ask it to remind you of something, or to set your time zone.`

func (b *Bridge) cmdStart(from *User) string {
	name := from.DisplayName()
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("👋 Hi, %s!\n\nI can chat, and I can remind you of things at the right time. Send /help to see the commands.", name)
}

func (b *Bridge) cmdReset(ctx context.Context, convID string) string {
	if err := b.sessions.Reset(ctx, convID); err != nil {
		b.logger.Error("reset failed", "conversation", convID, "error", err)
		return "⚠️ Could not reset the conversation."
	}
	return "🗑 Conversation cleared. The next message starts a new thread."
}

func (b *Bridge) cmdStats(ctx context.Context, userID string) string {
	byModel, err := b.usage.GroupBy(ctx, usage.ByModel, usage.Query{
		Until:  b.now().Add(time.Minute),
		UserID: userID,
	})
	if err != nil {
		b.logger.Error("usage summary failed", "user", userID, "error", err)
		return "⚠️ Could not load usage."
	}
	if len(byModel) == 0 {
		return "📊 No usage recorded yet."
	}

	models := make([]string, 0, len(byModel))
	var total usage.Totals
	for m, t := range byModel {
		models = append(models, m)
		total.Add(t)
	}
	sort.Slice(models, func(i, j int) bool {
		if byModel[models[i]].CostUSD != byModel[models[j]].CostUSD {
			return byModel[models[i]].CostUSD > byModel[models[j]].CostUSD
		}
		return models[i] < models[j]
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 **Your usage**\n\nTotal: **$%.4f** over %s requests (%s tokens)\n\n**By model**\n",
		total.CostUSD, humanize.Comma(total.Calls), humanize.Comma(total.Tokens))
	for _, m := range models {
		t := byModel[m]
		fmt.Fprintf(&sb, "- `%s`: %s requests, %s tokens, $%.4f\n",
			m, humanize.Comma(t.Calls), humanize.Comma(t.Tokens), t.CostUSD)
	}
	return sb.String()
}

func (b *Bridge) cmdModel(ctx context.Context, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Sprintf("🤖 Current model: `%s`", b.sessions.Model(ctx, b.defaultModel))
	}
	if err := b.sessions.SetModel(ctx, name); err != nil {
		b.logger.Error("set model failed", "model", name, "error", err)
		return "⚠️ Could not switch the model."
	}
	b.logger.Info("model switched", "model", name)
	return fmt.Sprintf("✅ Model switched to `%s`. New turns use it.", name)
}

func (b *Bridge) cmdReminders(ctx context.Context, convID, userID string) string {
	pending, err := b.reminders.ListPending(ctx, convID)
	if err != nil {
		b.logger.Error("list reminders failed", "conversation", convID, "error", err)
		return "⚠️ Could not load reminders."
	}
	if len(pending) == 0 {
		return "⏰ No pending reminders."
	}

	loc, _, _ := b.sessions.Timezone(ctx, userID)
	if loc == nil {
		loc = time.UTC
	}

	var sb strings.Builder
	sb.WriteString("⏰ **Pending reminders**\n\n")
	for _, r := range pending {
		fmt.Fprintf(&sb, "- `%s` %s: %s\n", shortID(r.ID), r.DueAt.In(loc).Format("Mon 02 Jan 15:04 MST"), r.Text)
	}
	sb.WriteString("\nCancel one with /cancel followed by its id.")
	return sb.String()
}

func (b *Bridge) cmdCancel(ctx context.Context, convID, ref string) string {
	ref = strings.Trim(strings.TrimSpace(ref), "`")
	if ref == "" {
		return "Usage: /cancel followed by a reminder id from /reminders."
	}
	r, err := b.reminders.Cancel(ctx, convID, ref)
	switch {
	case errors.Is(err, reminders.ErrNotFound):
		return fmt.Sprintf("No pending reminder matches `%s`.", ref)
	case err != nil:
		b.logger.Warn("cancel reminder failed", "conversation", convID, "ref", ref, "error", err)
		return fmt.Sprintf("⚠️ %v", err)
	}
	b.logger.Info("reminder cancelled", "conversation", convID, "reminder_id", r.ID)
	return "🗑 Cancelled: " + r.Text
}

// shortID is the tail of a reminder id, long enough for Cancel.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func splitCommand(text string) (cmd, rest string) {
	text = strings.TrimSpace(text)
	i := strings.IndexAny(text, " \n\t")
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

// normalizeSlashCommand lowercases cmd and strips a "@BotName" suffix.
// It returns "" for text that is not a command.
func normalizeSlashCommand(cmd string) string {
	if !strings.HasPrefix(cmd, "/") {
		return ""
	}
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}
