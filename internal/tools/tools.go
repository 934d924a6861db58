// Package tools declares the functions the model may call and executes
// them. The set is closed: each Kind maps to a typed argument struct and
// a handler, looked up by name at dispatch time.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/nudge/internal/llm"
)

// Kind names a tool.
type Kind string

// The tools the model may call.
const (
	KindScheduleReminder  Kind = "schedule_reminder"
	KindScheduleReminders Kind = "schedule_reminders"
	KindSetTimezone       Kind = "set_timezone"
)

// MaxReminderText is the longest reminder text stored. Longer text is
// cut at a rune boundary.
const MaxReminderText = 200

// ReminderSpec is a validated request to create one reminder.
type ReminderSpec struct {
	ConversationID string
	UserID         string
	Text           string
	DueAt          time.Time
	Silent         bool
	Chain          *ChainSpec
}

// ChainSpec describes how a reminder re-arms itself after delivery.
type ChainSpec struct {
	// Steps is how many further reminders follow this one.
	Steps int

	// NextOffset is the delay from delivery to the next reminder.
	NextOffset time.Duration

	// NextAt, when set, fixes the next reminder's time once. It is
	// cleared on the re-armed row so later steps advance by NextOffset.
	NextAt time.Time

	// EndAt, when set, stops the chain once the next time passes it.
	EndAt time.Time

	// Silent overrides the reminder's silence for re-armed rows.
	Silent *bool
}

// ReminderScheduler persists reminders created by tool calls.
type ReminderScheduler interface {
	ScheduleReminder(ctx context.Context, spec ReminderSpec) (string, error)
}

// TimezoneStore reads and writes per-user time zones.
type TimezoneStore interface {
	Timezone(ctx context.Context, userID string) (*time.Location, bool, error)
	SetTimezone(ctx context.Context, userID, name string) (*time.Location, error)
}

// Invocation is the context a tool call runs in.
type Invocation struct {
	ConversationID string
	UserID         string
	Now            time.Time
}

// Result is the outcome of one executed tool call.
type Result struct {
	CallID string

	// Output is the JSON payload returned to the model.
	Output string

	// Ack is the short human-readable confirmation shown to the user.
	Ack string
}

type handlerFunc func(r *Registry, ctx context.Context, inv Invocation, args json.RawMessage) (Result, error)

type tool struct {
	def     llm.ToolDef
	handler handlerFunc
}

// Registry executes the closed set of tools.
type Registry struct {
	reminders     ReminderScheduler
	timezones     TimezoneStore
	defaultSilent bool
	logger        *slog.Logger

	tools map[Kind]tool
	order []Kind
}

// NewRegistry creates a Registry. defaultSilent applies to reminders
// whose call does not say.
func NewRegistry(reminders ReminderScheduler, timezones TimezoneStore, defaultSilent bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		reminders:     reminders,
		timezones:     timezones,
		defaultSilent: defaultSilent,
		logger:        logger,
		tools:         make(map[Kind]tool),
	}
	r.register(KindScheduleReminder, scheduleReminderDef(), (*Registry).handleScheduleReminder)
	r.register(KindScheduleReminders, scheduleRemindersDef(), (*Registry).handleScheduleReminders)
	r.register(KindSetTimezone, setTimezoneDef(), (*Registry).handleSetTimezone)
	return r
}

func (r *Registry) register(kind Kind, def llm.ToolDef, h handlerFunc) {
	def.Name = string(kind)
	r.tools[kind] = tool{def: def, handler: h}
	r.order = append(r.order, kind)
}

// Declarations returns the tool definitions sent to the backend, in a
// stable order.
func (r *Registry) Declarations() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, k := range r.order {
		defs = append(defs, r.tools[k].def)
	}
	return defs
}

// Dispatch executes one tool call. It returns *ErrToolUnavailable for
// unknown names and *ArgumentError for undecodable or invalid
// arguments; both mean the call is skipped. Other errors are execution
// failures.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation, call llm.ToolCall) (Result, error) {
	t, ok := r.tools[Kind(call.Name)]
	if !ok {
		return Result{}, &ErrToolUnavailable{ToolName: call.Name}
	}
	if inv.Now.IsZero() {
		inv.Now = time.Now()
	}

	res, err := t.handler(r, ctx, inv, call.Arguments)
	if err != nil {
		return Result{}, err
	}
	res.CallID = call.CallID
	return res, nil
}

func decodeArgs(tool Kind, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return argErr(string(tool), "malformed JSON", err)
	}
	return nil
}

func marshalOutput(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":%q}`, err.Error())
	}
	return string(data)
}
