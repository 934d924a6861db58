package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nugget/nudge/internal/llm"
)

type timezoneArgs struct {
	Timezone string `json:"timezone"`
}

func setTimezoneDef() llm.ToolDef {
	return llm.ToolDef{
		Description: "Set the user's time zone once you know it from their city, local time, or GMT offset.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA time zone name, e.g. Europe/Berlin or America/New_York",
				},
			},
			"required": []string{"timezone"},
		},
	}
}

func (r *Registry) handleSetTimezone(ctx context.Context, inv Invocation, raw json.RawMessage) (Result, error) {
	var args timezoneArgs
	if err := decodeArgs(KindSetTimezone, raw, &args); err != nil {
		return Result{}, err
	}
	if args.Timezone == "" {
		return Result{}, argErr(string(KindSetTimezone), "timezone is required", nil)
	}
	if _, err := time.LoadLocation(args.Timezone); err != nil || args.Timezone == "Local" {
		return Result{}, argErr(string(KindSetTimezone), "unknown time zone "+args.Timezone, err)
	}

	loc, err := r.timezones.SetTimezone(ctx, inv.UserID, args.Timezone)
	if err != nil {
		return Result{}, err
	}

	r.logger.Info("user time zone set", "user", inv.UserID, "timezone", loc.String())

	return Result{
		Output: marshalOutput(map[string]any{
			"ok":         true,
			"timezone":   loc.String(),
			"local_time": inv.Now.In(loc).Format("2006-01-02 15:04"),
		}),
		Ack: "🌍 Time zone set to " + loc.String(),
	}, nil
}
