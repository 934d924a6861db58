package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateTimeContext renders the current time in the user's zone for the
// top of a user turn.
func DateTimeContext(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return fmt.Sprintf("Current date and time: %s (%s, %s)",
		local.Format("2006-01-02 15:04:05"),
		loc.String(),
		local.Format("Monday, 02 January 2006"),
	)
}

// UserTurn prefixes the user's message with the date/time context.
func UserTurn(text string, now time.Time, loc *time.Location) string {
	return DateTimeContext(now, loc) + "\n\nUser message: " + text
}

// ReminderDelivery asks the model to word a reminder that is firing now.
func ReminderDelivery(text string) string {
	return "A reminder the user asked for is due right now. " +
		"Write the message that will be sent to them: one or two short sentences, friendly, no preamble, no questions unless the reminder calls for one. " +
		"Do not mention that you are an assistant or that this was scheduled by a tool.\n\n" +
		"Reminder: " + text
}

// ReminderFallback is the templated reminder text used when phrasing is
// disabled or fails. Text that already reads as a reminder is sent as-is.
func ReminderFallback(text string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), "reminder") {
		return text
	}
	return "🔔 Reminder: " + text
}

// SelfCallTurn builds the input for a due self-call from its topic and
// payload. payload may be nil.
func SelfCallTurn(topic string, payload json.RawMessage) string {
	var b strings.Builder
	b.WriteString("Scheduled follow-up is due.")
	if t := strings.TrimSpace(topic); t != "" {
		b.WriteString("\nTopic: ")
		b.WriteString(t)
	}
	if p := strings.TrimSpace(string(payload)); p != "" && p != "null" && p != "{}" {
		b.WriteString("\nContext: ")
		b.WriteString(p)
	}
	return b.String()
}
