package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nugget/nudge/internal/llm"
)

// pastTolerance absorbs clock skew between the model's idea of "now"
// and ours. Earlier times are rejected.
const pastTolerance = time.Minute

type reminderArgs struct {
	When   string     `json:"when"`
	Text   string     `json:"text"`
	Silent *bool      `json:"silent,omitempty"`
	Chain  *chainArgs `json:"chain,omitempty"`
}

type chainArgs struct {
	Steps             int    `json:"steps"`
	NextOffsetSeconds int    `json:"next_offset_seconds,omitempty"`
	NextAt            string `json:"next_at,omitempty"`
	EndAt             string `json:"end_at,omitempty"`
	Silent            *bool  `json:"silent,omitempty"`
}

type batchArgs struct {
	Reminders []reminderArgs `json:"reminders"`
}

func reminderProperties() map[string]any {
	return map[string]any{
		"when": map[string]any{
			"type":        "string",
			"description": "When to fire: ISO 8601 with offset, 'YYYY-MM-DD HH:MM' in the user's time zone, or relative like 'in 5m', '2h', '1d'",
		},
		"text": map[string]any{
			"type":        "string",
			"description": "What to remind the user about (up to 200 characters)",
		},
		"silent": map[string]any{
			"type":        "boolean",
			"description": "Deliver without a notification sound",
		},
		"chain": map[string]any{
			"type":        "object",
			"description": "Optional follow-up sequence scheduled after this reminder fires",
			"properties": map[string]any{
				"steps":               map[string]any{"type": "integer", "description": "How many further reminders follow"},
				"next_offset_seconds": map[string]any{"type": "integer", "description": "Delay between consecutive reminders"},
				"next_at":             map[string]any{"type": "string", "description": "Fixed time for the next reminder only, 'YYYY-MM-DD HH:MM:SS'"},
				"end_at":              map[string]any{"type": "string", "description": "No reminders after this time, 'YYYY-MM-DD HH:MM:SS'"},
				"silent":              map[string]any{"type": "boolean", "description": "Silence for the follow-up reminders"},
			},
			"required": []string{"steps"},
		},
	}
}

func scheduleReminderDef() llm.ToolDef {
	return llm.ToolDef{
		Description: "Schedule a reminder message for the user. Use for any request to be reminded or notified later.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": reminderProperties(),
			"required":   []string{"when", "text"},
		},
	}
}

func scheduleRemindersDef() llm.ToolDef {
	return llm.ToolDef{
		Description: "Schedule several reminders at once.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reminders": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":       "object",
						"properties": reminderProperties(),
						"required":   []string{"when", "text"},
					},
				},
			},
			"required": []string{"reminders"},
		},
	}
}

func (r *Registry) handleScheduleReminder(ctx context.Context, inv Invocation, raw json.RawMessage) (Result, error) {
	var args reminderArgs
	if err := decodeArgs(KindScheduleReminder, raw, &args); err != nil {
		return Result{}, err
	}

	loc := r.userLocation(ctx, inv.UserID)
	spec, err := r.buildSpec(KindScheduleReminder, inv, args, loc)
	if err != nil {
		return Result{}, err
	}

	id, err := r.reminders.ScheduleReminder(ctx, spec)
	if err != nil {
		return Result{}, fmt.Errorf("schedule reminder: %w", err)
	}

	r.logger.Info("reminder scheduled",
		"conversation", inv.ConversationID,
		"reminder_id", id,
		"due_at", spec.DueAt,
		"chain", spec.Chain != nil,
	)

	return Result{
		Output: marshalOutput(map[string]any{
			"ok":     true,
			"id":     id,
			"due_at": spec.DueAt.In(loc).Format(time.RFC3339),
		}),
		Ack: ackFor(spec, inv.Now, loc),
	}, nil
}

func (r *Registry) handleScheduleReminders(ctx context.Context, inv Invocation, raw json.RawMessage) (Result, error) {
	var args batchArgs
	if err := decodeArgs(KindScheduleReminders, raw, &args); err != nil {
		return Result{}, err
	}
	if len(args.Reminders) == 0 {
		return Result{}, argErr(string(KindScheduleReminders), "no reminders given", nil)
	}

	loc := r.userLocation(ctx, inv.UserID)

	// Validate everything before writing anything so a bad entry never
	// leaves a half-applied batch.
	specs := make([]ReminderSpec, 0, len(args.Reminders))
	for i, a := range args.Reminders {
		spec, err := r.buildSpec(KindScheduleReminders, inv, a, loc)
		if err != nil {
			return Result{}, argErr(string(KindScheduleReminders), fmt.Sprintf("reminder %d", i), err)
		}
		specs = append(specs, spec)
	}

	type created struct {
		ID    string `json:"id"`
		DueAt string `json:"due_at"`
	}
	var out []created
	var acks []string
	for _, spec := range specs {
		id, err := r.reminders.ScheduleReminder(ctx, spec)
		if err != nil {
			return Result{}, fmt.Errorf("schedule reminder %d of %d: %w", len(out)+1, len(specs), err)
		}
		out = append(out, created{ID: id, DueAt: spec.DueAt.In(loc).Format(time.RFC3339)})
		acks = append(acks, ackFor(spec, inv.Now, loc))
	}

	r.logger.Info("reminders scheduled", "conversation", inv.ConversationID, "count", len(out))

	return Result{
		Output: marshalOutput(map[string]any{"ok": true, "reminders": out}),
		Ack:    strings.Join(acks, "\n"),
	}, nil
}

func (r *Registry) buildSpec(kind Kind, inv Invocation, a reminderArgs, loc *time.Location) (ReminderSpec, error) {
	name := string(kind)

	text := strings.TrimSpace(a.Text)
	if text == "" {
		return ReminderSpec{}, argErr(name, "text is required", nil)
	}
	if runes := []rune(text); len(runes) > MaxReminderText {
		text = string(runes[:MaxReminderText])
	}

	due, err := ParseWhen(a.When, inv.Now, loc)
	if err != nil {
		return ReminderSpec{}, argErr(name, "when", err)
	}
	if due.Before(inv.Now.Add(-pastTolerance)) {
		return ReminderSpec{}, argErr(name, fmt.Sprintf("when %s is in the past", due.Format(time.RFC3339)), nil)
	}
	if due.Before(inv.Now) {
		due = inv.Now
	}

	silent := r.defaultSilent
	if a.Silent != nil {
		silent = *a.Silent
	}

	spec := ReminderSpec{
		ConversationID: inv.ConversationID,
		UserID:         inv.UserID,
		Text:           text,
		DueAt:          due.UTC(),
		Silent:         silent,
	}

	if a.Chain != nil {
		chain, err := buildChain(name, *a.Chain, loc)
		if err != nil {
			return ReminderSpec{}, err
		}
		spec.Chain = chain
	}
	return spec, nil
}

func buildChain(name string, c chainArgs, loc *time.Location) (*ChainSpec, error) {
	if c.Steps < 0 {
		return nil, argErr(name, "chain.steps must be >= 0", nil)
	}
	if c.NextOffsetSeconds < 0 {
		return nil, argErr(name, "chain.next_offset_seconds must be >= 0", nil)
	}
	if c.Steps == 0 {
		return nil, nil
	}

	chain := &ChainSpec{
		Steps:      c.Steps,
		NextOffset: time.Duration(c.NextOffsetSeconds) * time.Second,
		Silent:     c.Silent,
	}
	if c.NextAt != "" {
		t, err := ParseAbsolute(c.NextAt, loc)
		if err != nil {
			return nil, argErr(name, "chain.next_at", err)
		}
		chain.NextAt = t.UTC()
	}
	if c.EndAt != "" {
		t, err := ParseAbsolute(c.EndAt, loc)
		if err != nil {
			return nil, argErr(name, "chain.end_at", err)
		}
		chain.EndAt = t.UTC()
	}
	if chain.NextOffset == 0 && chain.NextAt.IsZero() {
		return nil, argErr(name, "chain needs next_offset_seconds or next_at", nil)
	}
	return chain, nil
}

func (r *Registry) userLocation(ctx context.Context, userID string) *time.Location {
	if r.timezones == nil {
		return time.UTC
	}
	loc, _, err := r.timezones.Timezone(ctx, userID)
	if err != nil {
		r.logger.Warn("time zone lookup failed", "user", userID, "error", err)
	}
	if loc == nil {
		return time.UTC
	}
	return loc
}

func ackFor(spec ReminderSpec, now time.Time, loc *time.Location) string {
	ack := fmt.Sprintf("⏰ Reminder set for %s (%s): %s",
		spec.DueAt.In(loc).Format("Mon, 02 Jan 15:04"),
		humanize.RelTime(spec.DueAt, now, "ago", "from now"),
		spec.Text,
	)
	if spec.Chain != nil {
		ack += fmt.Sprintf(" (+%d follow-ups)", spec.Chain.Steps)
	}
	if spec.Silent {
		ack += " 🔕"
	}
	return ack
}
