package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nugget/nudge/internal/llm"
)

type fakeReminders struct {
	specs []ReminderSpec
	err   error
}

func (f *fakeReminders) ScheduleReminder(_ context.Context, spec ReminderSpec) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.specs = append(f.specs, spec)
	return fmt.Sprintf("rem-%d", len(f.specs)), nil
}

type fakeZones struct {
	zones map[string]string
}

func (f *fakeZones) Timezone(_ context.Context, userID string) (*time.Location, bool, error) {
	name, ok := f.zones[userID]
	if !ok {
		return time.UTC, false, nil
	}
	loc, err := time.LoadLocation(name)
	return loc, true, err
}

func (f *fakeZones) SetTimezone(_ context.Context, userID, name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	f.zones[userID] = name
	return loc, nil
}

func newTestRegistry() (*Registry, *fakeReminders, *fakeZones) {
	rem := &fakeReminders{}
	zones := &fakeZones{zones: map[string]string{}}
	return NewRegistry(rem, zones, false, nil), rem, zones
}

func call(name, args string) llm.ToolCall {
	return llm.ToolCall{CallID: "call_1", Name: name, Arguments: json.RawMessage(args)}
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testInv() Invocation {
	return Invocation{ConversationID: "chat-1", UserID: "u1", Now: testNow}
}

func TestDeclarations(t *testing.T) {
	r, _, _ := newTestRegistry()
	var names []string
	for _, d := range r.Declarations() {
		names = append(names, d.Name)
		if d.Parameters["type"] != "object" {
			t.Errorf("%s parameters are not an object schema", d.Name)
		}
	}
	want := []string{"schedule_reminder", "schedule_reminders", "set_timezone"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("declarations mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatch_ScheduleReminder(t *testing.T) {
	r, rem, _ := newTestRegistry()

	res, err := r.Dispatch(context.Background(), testInv(), call("schedule_reminder", `{"when":"in 5m","text":"stretch","silent":true}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.CallID != "call_1" {
		t.Errorf("CallID = %q", res.CallID)
	}
	if len(rem.specs) != 1 {
		t.Fatalf("reminders created = %d, want 1", len(rem.specs))
	}

	want := ReminderSpec{
		ConversationID: "chat-1",
		UserID:         "u1",
		Text:           "stretch",
		DueAt:          testNow.Add(5 * time.Minute),
		Silent:         true,
	}
	if diff := cmp.Diff(want, rem.specs[0]); diff != "" {
		t.Errorf("spec mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(res.Ack, "stretch") || !strings.Contains(res.Ack, "5 minutes from now") {
		t.Errorf("Ack = %q", res.Ack)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if out["ok"] != true || out["id"] != "rem-1" {
		t.Errorf("output = %v", out)
	}
}

func TestDispatch_ScheduleReminderWithChain(t *testing.T) {
	r, rem, zones := newTestRegistry()
	zones.zones["u1"] = "Europe/Berlin"

	_, err := r.Dispatch(context.Background(), testInv(), call("schedule_reminder",
		`{"when":"in 1m","text":"drink water","chain":{"steps":2,"next_offset_seconds":60,"end_at":"2026-03-10 18:00:00"}}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	chain := rem.specs[0].Chain
	if chain == nil {
		t.Fatal("chain not recorded")
	}
	if chain.Steps != 2 || chain.NextOffset != time.Minute {
		t.Errorf("chain = %+v", chain)
	}
	// end_at is wall-clock in the user's zone: 18:00 CET is 17:00 UTC.
	if want := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC); !chain.EndAt.Equal(want) {
		t.Errorf("EndAt = %v, want %v", chain.EndAt, want)
	}
}

func TestDispatch_LongTextIsTruncated(t *testing.T) {
	r, rem, _ := newTestRegistry()
	long := strings.Repeat("ж", MaxReminderText+50)

	if _, err := r.Dispatch(context.Background(), testInv(), call("schedule_reminder", `{"when":"1h","text":"`+long+`"}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := len([]rune(rem.specs[0].Text)); got != MaxReminderText {
		t.Errorf("stored text length = %d runes, want %d", got, MaxReminderText)
	}
}

func TestDispatch_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		call llm.ToolCall
	}{
		{"malformed json", call("schedule_reminder", `{"when":`)},
		{"missing text", call("schedule_reminder", `{"when":"in 5m"}`)},
		{"unparseable when", call("schedule_reminder", `{"when":"eventually","text":"x"}`)},
		{"past when", call("schedule_reminder", `{"when":"2020-01-01T00:00:00Z","text":"x"}`)},
		{"negative steps", call("schedule_reminder", `{"when":"5m","text":"x","chain":{"steps":-1}}`)},
		{"chain without spacing", call("schedule_reminder", `{"when":"5m","text":"x","chain":{"steps":3}}`)},
		{"empty batch", call("schedule_reminders", `{"reminders":[]}`)},
		{"batch with bad entry", call("schedule_reminders", `{"reminders":[{"when":"5m","text":"ok"},{"when":"??","text":"bad"}]}`)},
		{"unknown zone", call("set_timezone", `{"timezone":"Mars/Base"}`)},
		{"empty zone", call("set_timezone", `{}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rem, _ := newTestRegistry()
			_, err := r.Dispatch(context.Background(), testInv(), tt.call)
			var argErr *ArgumentError
			if !errors.As(err, &argErr) {
				t.Fatalf("err = %v, want *ArgumentError", err)
			}
			if len(rem.specs) != 0 {
				t.Errorf("%d reminders created from invalid arguments", len(rem.specs))
			}
		})
	}
}

func TestDispatch_ScheduleReminders(t *testing.T) {
	r, rem, _ := newTestRegistry()

	res, err := r.Dispatch(context.Background(), testInv(), call("schedule_reminders",
		`{"reminders":[{"when":"in 1h","text":"call mom"},{"when":"in 2h","text":"call dad","silent":true}]}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(rem.specs) != 2 {
		t.Fatalf("reminders created = %d, want 2", len(rem.specs))
	}
	if lines := strings.Split(res.Ack, "\n"); len(lines) != 2 {
		t.Errorf("Ack has %d lines, want 2: %q", len(lines), res.Ack)
	}
}

func TestDispatch_SetTimezone(t *testing.T) {
	r, _, zones := newTestRegistry()

	res, err := r.Dispatch(context.Background(), testInv(), call("set_timezone", `{"timezone":"Asia/Tokyo"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if zones.zones["u1"] != "Asia/Tokyo" {
		t.Errorf("stored zone = %q", zones.zones["u1"])
	}
	if !strings.Contains(res.Output, `"local_time":"2026-03-10 21:00"`) {
		t.Errorf("Output = %s", res.Output)
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	r, _, _ := newTestRegistry()
	_, err := r.Dispatch(context.Background(), testInv(), call("delete_everything", `{}`))

	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *ErrToolUnavailable", err)
	}
	if unavailable.ToolName != "delete_everything" {
		t.Errorf("ToolName = %q", unavailable.ToolName)
	}
}

func TestDispatch_StoreFailureIsNotArgumentError(t *testing.T) {
	r, rem, _ := newTestRegistry()
	rem.err = errors.New("database is locked")

	_, err := r.Dispatch(context.Background(), testInv(), call("schedule_reminder", `{"when":"5m","text":"x"}`))
	if err == nil {
		t.Fatal("store failure was swallowed")
	}
	var argErr *ArgumentError
	if errors.As(err, &argErr) {
		t.Errorf("store failure reported as argument error: %v", err)
	}
}

func TestErrToolUnavailable_Error(t *testing.T) {
	err := &ErrToolUnavailable{ToolName: "web_search"}
	want := `tool "web_search" is not available in this context`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestArgumentError_Unwrap(t *testing.T) {
	inner := errors.New("bad digit")
	err := fmt.Errorf("dispatch: %w", argErr("schedule_reminder", "when", inner))

	var target *ArgumentError
	if !errors.As(err, &target) {
		t.Fatal("errors.As failed to match wrapped *ArgumentError")
	}
	if !errors.Is(err, inner) {
		t.Error("ArgumentError does not unwrap to its cause")
	}
}
