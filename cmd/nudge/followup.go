package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nugget/nudge/internal/selfcall"
	"github.com/nugget/nudge/internal/tools"
)

// runFollowUp handles "nudge followup <when>". It inserts a self-call
// row that a running serve delivers when it comes due. when accepts
// the same forms as the reminder tools, read in the user's time zone.
func runFollowUp(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	opts, rest, err := parseSubcommandFlags(args, "chat", "user", "topic", "payload")
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("usage: nudge followup [-chat id] [-user id] [-topic text] [-payload json] <when>")
	}
	when := strings.Join(rest, " ")

	var payload json.RawMessage
	if p := strings.TrimSpace(opts["payload"]); p != "" {
		if !json.Valid([]byte(p)) {
			return fmt.Errorf("payload is not valid JSON: %s", p)
		}
		payload = json.RawMessage(p)
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	conv := valueOr(opts["chat"], cliConversation)
	user := valueOr(opts["user"], conv)

	loc, _, err := a.sessions.Timezone(ctx, user)
	if err != nil {
		return fmt.Errorf("load timezone for %s: %w", user, err)
	}
	due, err := tools.ParseWhen(when, time.Now(), loc)
	if err != nil {
		return err
	}

	call := &selfcall.SelfCall{
		ConversationID: conv,
		UserID:         user,
		DueAt:          due.UTC(),
		Topic:          opts["topic"],
		Payload:        payload,
	}
	if err := a.selfCalls.Create(ctx, call); err != nil {
		return fmt.Errorf("schedule follow-up: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"id":              call.ID,
			"conversation_id": call.ConversationID,
			"due_at":          call.DueAt.Format(time.RFC3339),
		})
	}
	fmt.Fprintf(stdout, "Follow-up %s scheduled for %s\n", call.ID, due.In(loc).Format("Mon 02 Jan 15:04 MST"))
	return nil
}
