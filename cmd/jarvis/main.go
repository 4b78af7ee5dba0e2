// Jarvis is a Home Assistant assistant reachable over Telegram.
//
// It triages each message, answers it with a bounded tool-calling loop
// against Home Assistant, sends a daily briefing, polls threshold
// alerts and accepts alerts pushed to its webhook. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]) and a .env file in the working
// directory.
//
// Usage:
//
//	jarvis serve              Run the bot, scheduler and webhook
//	jarvis init [dir]         Initialize a working directory with defaults
//	jarvis ask <question>     Ask a single question
//	jarvis briefing           Produce the daily briefing now
//	jarvis version            Print version and build information
//	jarvis -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/nugget/jarvis/internal/buildinfo"
	"github.com/nugget/jarvis/internal/config"
	"github.com/nugget/jarvis/internal/scheduler"
)

// main builds the OS-level environment and hands off to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stdout; the caller prints a
// returned error to stderr. Arguments are parsed by hand so run can be
// called concurrently from tests without the flag package's globals.
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
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
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
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: jarvis ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "briefing":
		return runBriefing(ctx, stdout, configPath)
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
	info := map[string]string{
		"version":    buildinfo.Version,
		"git_commit": buildinfo.GitCommit,
		"build_time": buildinfo.BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Jarvis - Home Assistant assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: jarvis [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the Telegram bot, scheduler and webhook")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question")
	fmt.Fprintln(w, "  briefing     Produce the daily briefing now")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	fmt.Fprintln(w, "Without a config file, settings come from the environment and .env.")
	return nil
}

// runAsk answers one question on the CLI. The message is triaged like a
// chat message and printed instead of sent.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	question := strings.Join(args, " ")

	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	d := a.router.Classify(ctx, question)
	answer, err := a.loop.Ask(ctx, question, d.Tier)
	if answer != "" {
		fmt.Fprintln(stdout, answer)
	}
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// runBriefing builds today's briefing and prints it. The briefing job
// runs through the same pipeline as a scheduled one, synchronously.
func runBriefing(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	p := a.pipeline(writerSender{w: stdout})
	sched, err := a.scheduler(directQueue{handle: p.handle})
	if err != nil {
		return err
	}
	return sched.RunNow(ctx, scheduler.KindBriefing)
}

// setup loads the .env file and configuration and returns a logger at
// the configured level and format.
func setup(stdout io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, nil, err
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	// Validate has already rejected a bad level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stdout, level, cfg.LogFormat)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using environment")
	}
	return cfg, logger, nil
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; when none is given and no file is found the
// environment-only default configuration is returned with an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit == "" && errors.Is(err, config.ErrNoConfig) {
			return config.Default(), "", nil
		}
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
