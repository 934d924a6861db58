package prompts

import (
	"fmt"
	"strings"
)

const timezoneIntro = `Assume the user's time zone is %s unless the conversation shows otherwise. ` +
	`If you see clear signs of a different zone (a city, their current local time, GMT±X), confirm it and store it with the set_timezone tool. ` +
	`Ask about their city or local time at most once, on first contact, and do not nag.`

const reminderToolsLong = `Reminders: call the schedule_reminder tool with
- when: ISO 8601 with an offset, "YYYY-MM-DD HH:MM" in the user's time zone, or relative like "in 5m", "2h", "1d"
- text: what to remind about, up to 200 characters
- silent: true to deliver without a notification sound
For a sequence of reminders add an optional chain object:
{"steps": int, "next_offset_seconds": int, "next_at": "YYYY-MM-DD HH:MM:SS", "end_at": "YYYY-MM-DD HH:MM:SS", "silent": bool}
Tool choice is automatic: decide yourself whether to call a tool or answer in text.
When the user asks for several reminders, call schedule_reminder several times in the same response or use schedule_reminders once.
Create a sensible number of reminders and do not spam the user. If details are unclear, ask.
Do not write separate confirmation messages; the bot shows confirmations for every reminder it creates.`

const reminderToolsShort = `For reminders use schedule_reminder or schedule_reminders.`

const selfCallLong = `This is an autonomous message from you to the user (a self-call), not a reply to something they just said. ` +
	`Write one short, clear message. If a follow-up later makes sense, end the message with a marker inside an HTML comment:
<!--self_call:{"in":"in 30m","topic":"<topic>","payload":{...}}-->
or
<!--self_call:{"at":"YYYY-MM-DD HH:MM:SS","topic":"<topic>"}-->
Times in "at" are UTC. Write nothing after the comment.`

const selfCallShort = `This is an autonomous message from you. If a follow-up is needed, end with <!--self_call:{...}-->.`

// Purpose selects the instructions wrapped around a turn.
type Purpose int

const (
	// PurposeChat is an interactive turn with the reminder tools.
	PurposeChat Purpose = iota

	// PurposeReminder phrases a due reminder. No tools, no marker.
	PurposeReminder

	// PurposeSelfCall is an assistant-initiated follow-up that may end
	// with a self-call marker.
	PurposeSelfCall
)

// TimezoneIntro tells the model which zone to assume and when to call
// set_timezone. defaultZone is the zone used while the user has not set
// one.
func TimezoneIntro(defaultZone string) string {
	return fmt.Sprintf(timezoneIntro, defaultZone)
}

// InitialPreamble builds the instructions for the first turn of a
// thread: the operator's persona, time-zone guidance, then the
// conventions for p.
func InitialPreamble(persona, defaultZone string, p Purpose) string {
	var b strings.Builder
	if s := strings.TrimSpace(persona); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString(TimezoneIntro(defaultZone))
	switch p {
	case PurposeChat:
		b.WriteString("\n\n")
		b.WriteString(reminderToolsLong)
	case PurposeSelfCall:
		b.WriteString("\n\n")
		b.WriteString(selfCallLong)
	}
	return b.String()
}

// ContinuationPreamble is the short reminder sent on turns that
// continue an existing thread. The backend already holds the full
// instructions from the first turn.
func ContinuationPreamble(p Purpose) string {
	switch p {
	case PurposeChat:
		return reminderToolsShort
	case PurposeSelfCall:
		return selfCallShort
	default:
		return ""
	}
}
