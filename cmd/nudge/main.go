// Nudge is a personal assistant bot that schedules reminders and
// checks back in on its own.
//
// It answers Telegram messages through the OpenAI Responses API,
// delivers due reminders and assistant-initiated follow-ups, and can
// mirror deliveries to MQTT. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	nudge serve                   Run the bot and both schedulers
//	nudge init [dir]              Write an example config.yaml
//	nudge ask <question>          Run one conversation turn and print the reply
//	nudge followup <when> ...     Schedule a self-call
//	nudge version                 Print version and build information
//	nudge -o json version         Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/nudge/internal/agent"
	"github.com/nugget/nudge/internal/buildinfo"
	"github.com/nugget/nudge/internal/config"
)

// main builds the OS environment and hands off to [run], which keeps
// os.Exit, os.Stdout, and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout for serve
// and to stderr for the one-shot commands, whose stdout carries the
// result. args is os.Args[1:]; it is parsed by hand so run can be
// called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case (args[i] == "-h" || args[i] == "-help" || args[i] == "--help") && command == "":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "followup":
		return runFollowUp(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Nudge - reminders and follow-ups over Telegram")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: nudge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Run the bot and both schedulers")
	fmt.Fprintln(w, "  init [dir]            Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [-chat id] <q>    Run one conversation turn and print the reply")
	fmt.Fprintln(w, "  followup <when>       Schedule a self-call; see -chat, -user, -topic, -payload")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// cliConversation is the conversation ask and followup use when -chat
// is not given.
const cliConversation = "cli"

// runAsk handles "nudge ask". It runs a single chat turn with tools
// enabled against the configured database, so reminders it schedules
// are picked up by a running serve.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	opts, rest, err := parseSubcommandFlags(args, "chat", "user")
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("usage: nudge ask [-chat id] [-user id] <question>")
	}
	question := strings.Join(rest, " ")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)
	logger.Debug("config loaded", "path", cfgPath)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	conv := valueOr(opts["chat"], cliConversation)
	user := valueOr(opts["user"], conv)

	res, err := a.loop.Run(ctx, agent.Request{
		ConversationID: conv,
		UserID:         user,
		Input:          question,
		ToolsEnabled:   true,
		Mode:           agent.ModeChat,
	})
	if err != nil {
		fmt.Fprintln(stdout, res.Text)
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, a.followUps(logger).Follow(ctx, conv, user, res.Text))
	return nil
}

// parseSubcommandFlags pulls "-name value" and "-name=value" pairs for
// the given names out of args and returns them with the remaining
// positional arguments.
func parseSubcommandFlags(args []string, names ...string) (map[string]string, []string, error) {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	opts := make(map[string]string)
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			rest = append(rest, arg)
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !known[name] {
			return nil, nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("flag -%s needs a value", name)
			}
			value = args[i+1]
			i++
		}
		opts[name] = value
	}
	return opts, rest, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// configuredLogger builds the logger the config asks for. Validate has
// already checked the level.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
