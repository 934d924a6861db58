// Package agent implements the conversation loop: one call per inbound
// message or scheduled delivery, driving the model through up to
// MaxToolSteps rounds of tool calls and recovering from broken
// continuation threads.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/nudge/internal/config"
	"github.com/nugget/nudge/internal/limiter"
	"github.com/nugget/nudge/internal/llm"
	"github.com/nugget/nudge/internal/prompts"
	"github.com/nugget/nudge/internal/ratelimit"
	"github.com/nugget/nudge/internal/tools"
	"github.com/nugget/nudge/internal/usage"
)

// MaxToolSteps bounds the tool-output rounds submitted per Run.
const MaxToolSteps = 3

// Mode says who started the turn.
type Mode int

const (
	// ModeChat is a user message.
	ModeChat Mode = iota

	// ModeReminder phrases a reminder that is firing.
	ModeReminder

	// ModeSelfCall is an assistant-initiated follow-up.
	ModeSelfCall
)

func (m Mode) String() string {
	switch m {
	case ModeReminder:
		return "reminder"
	case ModeSelfCall:
		return "self_call"
	default:
		return "chat"
	}
}

func (m Mode) purpose() prompts.Purpose {
	switch m {
	case ModeReminder:
		return prompts.PurposeReminder
	case ModeSelfCall:
		return prompts.PurposeSelfCall
	default:
		return prompts.PurposeChat
	}
}

func (m Mode) usageRole() string {
	switch m {
	case ModeReminder:
		return usage.RoleReminder
	case ModeSelfCall:
		return usage.RoleSelfCall
	default:
		return usage.RoleInteractive
	}
}

// Request is one turn to run.
type Request struct {
	ConversationID string
	UserID         string
	Input          string

	// ContinuationToken overrides the stored thread. Empty means look it
	// up.
	ContinuationToken string

	ToolsEnabled bool
	Mode         Mode

	// TaskName tags usage records, e.g. the reminder id being delivered.
	TaskName string
}

// Result is the outcome of a turn. Text is always safe to show the
// user, even when Run also returns an error.
type Result struct {
	Text              string
	ContinuationToken string
	ToolCalls         int
	Steps             int
}

// Sessions is the slice of session state the loop reads and writes.
type Sessions interface {
	Token(ctx context.Context, conversationID string) (string, error)
	SetToken(ctx context.Context, conversationID, token string) error
	Timezone(ctx context.Context, userID string) (*time.Location, bool, error)
	Model(ctx context.Context, fallback string) string
}

// ToolRunner declares and executes tools.
type ToolRunner interface {
	Declarations() []llm.ToolDef
	Dispatch(ctx context.Context, inv tools.Invocation, call llm.ToolCall) (tools.Result, error)
}

// UsageRecorder persists per-call usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// TokenObserver is told the total tokens of every successful backend
// call.
type TokenObserver func(model string, tokens int)

// Options configures a Loop.
type Options struct {
	Persona      string
	DefaultZone  string
	DefaultModel string
	Provider     string

	Pricing   map[string]config.PricingEntry
	FlatPer1K float64

	OnTokens TokenObserver
	Now      func() time.Time
}

// Loop runs conversation turns against an llm.Client.
type Loop struct {
	logger   *slog.Logger
	client   llm.Client
	tools    ToolRunner
	limiter  *limiter.Limiter
	sessions Sessions
	usage    UsageRecorder
	opts     Options
}

// NewLoop creates a Loop. tools and usage may be nil.
func NewLoop(logger *slog.Logger, client llm.Client, toolRunner ToolRunner, lim *limiter.Limiter, sessions Sessions, rec UsageRecorder, opts Options) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultZone == "" {
		opts.DefaultZone = "UTC"
	}
	if opts.Provider == "" {
		opts.Provider = "openai"
	}
	if lim == nil {
		lim = limiter.New(1, 1)
	}
	return &Loop{
		logger:   logger,
		client:   client,
		tools:    toolRunner,
		limiter:  lim,
		sessions: sessions,
		usage:    rec,
		opts:     opts,
	}
}

// turn carries per-Run state shared by the helpers.
type turn struct {
	req   Request
	model string
	loc   *time.Location
	now   time.Time
	token string
	log   *slog.Logger
}

// Run executes one turn. The returned error is for callers that need to
// know a turn failed (schedulers); interactive callers show Result.Text.
func (l *Loop) Run(ctx context.Context, req Request) (Result, error) {
	t := &turn{
		req:   req,
		model: l.opts.DefaultModel,
		now:   l.opts.Now(),
		token: req.ContinuationToken,
		loc:   time.UTC,
	}
	if l.sessions != nil {
		t.model = l.sessions.Model(ctx, l.opts.DefaultModel)
	}

	// The token is read and advanced under the conversation slot so
	// concurrent turns of one conversation never share a parent.
	release, err := l.limiter.Conversation(ctx, req.ConversationID)
	if err != nil {
		return Result{Text: failureText(t.model, err), ContinuationToken: t.token}, err
	}
	defer release()

	if l.sessions != nil {
		if t.token == "" && req.ConversationID != "" {
			token, err := l.sessions.Token(ctx, req.ConversationID)
			if err != nil {
				l.logger.Warn("continuation lookup failed", "conversation", req.ConversationID, "error", err)
			}
			t.token = token
		}
		if loc, _, err := l.sessions.Timezone(ctx, req.UserID); err == nil && loc != nil {
			t.loc = loc
		}
	}
	t.log = l.logger.With("conversation", req.ConversationID, "mode", req.Mode.String(), "model", t.model)

	t.log.Debug("turn started", "continued", t.token != "", "tools", req.ToolsEnabled)

	input := []llm.Item{llm.UserMessage(l.userText(t))}
	resp, err := l.first(ctx, t, input)
	if err != nil {
		return Result{Text: failureText(t.model, err), ContinuationToken: t.token}, err
	}

	var (
		acks  []string
		texts []string
		res   Result
	)
	texts = append(texts, resp.Text...)

	for req.ToolsEnabled && l.tools != nil && len(resp.ToolCalls) > 0 && res.Steps < MaxToolSteps {
		outputs, stepAcks := l.dispatchAll(ctx, t, resp.ToolCalls)
		res.ToolCalls += len(outputs)
		acks = append(acks, stepAcks...)
		if len(outputs) == 0 {
			// Every call was skipped; the unanswered ids are repaired on
			// the next turn.
			break
		}

		res.Steps++
		next, err := l.submit(ctx, t, l.buildRequest(t, outputs, req.ToolsEnabled), req.Mode.usageRole())
		if err != nil {
			res.Text = joinReply(acks, append(texts, failureText(t.model, err)))
			res.ContinuationToken = t.token
			return res, err
		}
		resp = next
		texts = append(texts, resp.Text...)
	}

	if n := len(resp.ToolCalls); n > 0 && res.Steps == MaxToolSteps {
		t.log.Warn("tool step budget exhausted", "pending_calls", n)
	}

	res.Text = joinReply(acks, texts)
	res.ContinuationToken = t.token
	t.log.Debug("turn finished", "steps", res.Steps, "tool_calls", res.ToolCalls)
	return res, nil
}

// first submits the opening request of a turn, repairing a thread with
// unanswered tool calls if the backend rejects it.
func (l *Loop) first(ctx context.Context, t *turn, input []llm.Item) (*llm.Response, error) {
	role := t.req.Mode.usageRole()
	resp, err := l.submit(ctx, t, l.buildRequest(t, input, t.req.ToolsEnabled), role)
	if err == nil {
		return resp, nil
	}

	var dangling *llm.DanglingToolCallError
	if !errors.As(err, &dangling) {
		return nil, err
	}

	t.log.Info("repairing continuation with unanswered tool calls", "call_ids", dangling.CallIDs)
	if err := l.repair(ctx, t, dangling.CallIDs); err == nil {
		resp, err = l.submit(ctx, t, l.buildRequest(t, input, t.req.ToolsEnabled), role)
		if err == nil {
			return resp, nil
		}
		t.log.Warn("retry after repair failed", "error", err)
	} else {
		t.log.Warn("continuation repair failed", "error", err)
	}

	// Start a fresh thread with the full preamble.
	t.token = ""
	resp, err = l.submit(ctx, t, l.buildRequest(t, input, t.req.ToolsEnabled), role)
	if err != nil {
		return nil, fmt.Errorf("fresh thread after failed repair: %w", err)
	}
	return resp, nil
}

// repair answers every dangling call with a placeholder output so the
// thread becomes valid again.
func (l *Loop) repair(ctx context.Context, t *turn, callIDs []string) error {
	if len(callIDs) == 0 {
		return errors.New("no call ids to repair")
	}
	input := make([]llm.Item, 0, len(callIDs))
	for _, id := range callIDs {
		input = append(input, llm.ToolOutput(id, `{"ok":false,"error":"tool call was not completed"}`))
	}
	_, err := l.submit(ctx, t, l.buildRequest(t, input, false), usage.RoleRepair)
	return err
}

func (l *Loop) buildRequest(t *turn, input []llm.Item, withTools bool) *llm.Request {
	req := &llm.Request{
		Model:              t.model,
		Input:              input,
		PreviousResponseID: t.token,
	}
	if t.token == "" {
		req.Instructions = prompts.InitialPreamble(l.opts.Persona, l.opts.DefaultZone, t.req.Mode.purpose())
	} else {
		req.Instructions = prompts.ContinuationPreamble(t.req.Mode.purpose())
	}
	if withTools && l.tools != nil {
		req.Tools = l.tools.Declarations()
		req.ToolChoice = llm.ToolChoiceAuto
	}
	return req
}

// submit sends one request under a global slot, records usage,
// and advances the thread token.
func (l *Loop) submit(ctx context.Context, t *turn, req *llm.Request, role string) (*llm.Response, error) {
	var resp *llm.Response
	err := l.limiter.WithGlobal(ctx, func(ctx context.Context) error {
		var err error
		resp, err = l.client.Respond(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.recordUsage(ctx, t, resp, role)

	if resp.ID != "" {
		t.token = resp.ID
		if l.sessions != nil && t.req.ConversationID != "" {
			if err := l.sessions.SetToken(ctx, t.req.ConversationID, resp.ID); err != nil {
				t.log.Warn("failed to persist continuation", "error", err)
			}
		}
	}
	return resp, nil
}

func (l *Loop) recordUsage(ctx context.Context, t *turn, resp *llm.Response, role string) {
	model := resp.Model
	if model == "" {
		model = t.model
	}
	if l.opts.OnTokens != nil {
		l.opts.OnTokens(model, resp.Usage.Total())
	}
	if l.usage == nil {
		return
	}
	rec := usage.Record{
		Timestamp:         l.opts.Now(),
		RequestID:         resp.ID,
		ConversationID:    t.req.ConversationID,
		UserID:            t.req.UserID,
		Model:             model,
		Provider:          l.opts.Provider,
		InputTokens:       resp.Usage.InputTokens,
		CachedInputTokens: resp.Usage.CachedInputTokens,
		OutputTokens:      resp.Usage.OutputTokens,
		TotalTokens:       resp.Usage.Total(),
		CostUSD:           usage.ComputeCost(model, resp.Usage, l.opts.Pricing, l.opts.FlatPer1K),
		Role:              role,
		TaskName:          t.req.TaskName,
	}
	if err := l.usage.Record(ctx, rec); err != nil {
		t.log.Warn("failed to record usage", "error", err)
	}
}

// dispatchAll runs calls in order. Skipped calls (unknown tool, bad
// arguments) produce neither output nor ack. Execution failures still
// answer the call so the thread stays consistent.
func (l *Loop) dispatchAll(ctx context.Context, t *turn, calls []llm.ToolCall) ([]llm.Item, []string) {
	inv := tools.Invocation{
		ConversationID: t.req.ConversationID,
		UserID:         t.req.UserID,
		Now:            l.opts.Now(),
	}

	var (
		outputs []llm.Item
		acks    []string
	)
	for _, call := range calls {
		res, err := l.tools.Dispatch(ctx, inv, call)
		if err != nil {
			var argErr *tools.ArgumentError
			var unavailable *tools.ErrToolUnavailable
			switch {
			case errors.As(err, &argErr):
				t.log.Debug("skipping tool call with invalid arguments", "tool", call.Name, "call_id", call.CallID, "error", err)
				continue
			case errors.As(err, &unavailable):
				t.log.Warn("skipping unknown tool", "tool", call.Name, "call_id", call.CallID)
				continue
			}
			t.log.Error("tool execution failed", "tool", call.Name, "call_id", call.CallID, "error", err)
			outputs = append(outputs, llm.ToolOutput(call.CallID, fmt.Sprintf(`{"ok":false,"error":%q}`, truncate(err.Error(), 200))))
			continue
		}
		outputs = append(outputs, llm.ToolOutput(res.CallID, res.Output))
		if res.Ack != "" {
			acks = append(acks, res.Ack)
		}
	}
	return outputs, acks
}

func (l *Loop) userText(t *turn) string {
	if t.req.Mode == ModeChat {
		return prompts.UserTurn(t.req.Input, t.now, t.loc)
	}
	return prompts.DateTimeContext(t.now, t.loc) + "\n\n" + t.req.Input
}

// failureText renders a backend error as a message for the user.
func failureText(model string, err error) string {
	var (
		timeout *llm.TimeoutError
		limited *llm.RateLimitError
	)
	switch {
	case errors.As(err, &timeout):
		return "⏳ The model took too long to answer. Please try again."
	case errors.As(err, &limited):
		return ratelimit.Parse(limited.Header, limited.Body).Message(model)
	default:
		return fmt.Sprintf("⚠️ %s: %s", model, truncate(err.Error(), 100))
	}
}

func joinReply(acks, texts []string) string {
	var parts []string
	if len(acks) > 0 {
		parts = append(parts, strings.Join(acks, "\n"))
	}
	var kept []string
	for _, s := range texts {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) > 0 {
		parts = append(parts, strings.Join(kept, "\n\n"))
	}
	return strings.Join(parts, "\n\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
