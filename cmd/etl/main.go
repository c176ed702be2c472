// Command etl runs the carbon intensity pipeline.
//
// Usage:
//
//	etl run [-date YYYY-MM-DD] [-start YYYY-MM-DD -end YYYY-MM-DD]
//	etl task <extract|transform|load_to_db|load_to_csv> [-date YYYY-MM-DD]
//	etl migrate
//	etl schedule
//	etl serve
//
// "run" executes the whole graph in one process. "task" executes one task
// and keeps its output under HANDOFF_DIR for the next invocation. "schedule"
// runs the graph daily per SCHEDULE, and "serve" exposes the HTTP trigger
// API on HTTP_ADDR.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"carbonetl/internal/api"
	"carbonetl/internal/app"
	"carbonetl/internal/config"
	"carbonetl/internal/logging"
	"carbonetl/internal/pipeline"
	"carbonetl/internal/scheduler"
)

const usage = `usage: etl <command> [flags]

commands:
  run       run the full pipeline for one day or range
  task      run a single task (extract, transform, load_to_db, load_to_csv)
  migrate   create the carbon_intensity table
  schedule  run the pipeline on the configured schedule
  serve     serve the HTTP trigger API
`

// errUsage marks command-line mistakes; main exits 2 for them.
var errUsage = errors.New("usage error")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	cmd, rest := args[0], args[1:]

	var (
		input    pipeline.RunInput
		taskName string
		err      error
	)
	switch cmd {
	case "run":
		input, err = parseRunFlags(rest, time.Now().UTC())
	case "task":
		taskName, input, err = parseTaskFlags(rest, time.Now().UTC())
	case "migrate", "schedule", "serve":
		if len(rest) > 0 {
			err = fmt.Errorf("%w: %s takes no arguments", errUsage, cmd)
		}
	case "help", "-h", "--help":
		fmt.Fprint(stderr, usage)
		return nil
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		// No config means no configured logger yet.
		slog.New(slog.NewJSONHandler(stderr, nil)).Error("failed to load configuration", "error", err)
		return err
	}
	logger := logging.New(cfg)

	a, err := app.New(ctx, cfg, logger, app.Options{FileHandoff: cmd == "task"})
	if err != nil {
		logger.Error("failed to initialize pipeline", "error", err)
		return err
	}

	switch cmd {
	case "run":
		err = runOnce(ctx, a, input)
	case "task":
		_, err = a.Runner.RunTask(ctx, taskName, input)
	case "migrate":
		err = a.Migrate(ctx)
	case "schedule":
		err = runScheduler(ctx, a)
	case "serve":
		err = serve(ctx, a)
	}
	if err != nil {
		logger.Error("command failed", "command", cmd, "error", err)
	}
	return err
}

func runOnce(ctx context.Context, a *app.App, input pipeline.RunInput) error {
	runCtx, cancel := context.WithTimeout(ctx, a.Config.Pipeline.RunTimeout)
	defer cancel()
	_, err := a.Runner.Run(runCtx, input)
	return err
}

func runScheduler(ctx context.Context, a *app.App) error {
	d, err := scheduler.NewDaily(a.Config.Pipeline.Schedule, a.Runner.Run, a.Config.Pipeline.RunTimeout, a.Logger)
	if err != nil {
		return err
	}
	d.Start(ctx)
	return nil
}

func serve(ctx context.Context, a *app.App) error {
	srv, err := api.NewServer(a.Runner.Run, a.Logger, a.HealthProbes()...)
	if err != nil {
		return err
	}
	srv.RunTimeout = a.Config.Pipeline.RunTimeout
	return srv.ListenAndServe(ctx, a.Config.Server.Addr)
}

func parseRunFlags(args []string, now time.Time) (pipeline.RunInput, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	date := fs.String("date", "", "day to process (YYYY-MM-DD, default today UTC)")
	start := fs.String("start", "", "range start (YYYY-MM-DD)")
	end := fs.String("end", "", "range end (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return pipeline.RunInput{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return pipeline.RunInput{}, fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}
	return buildInput(*date, *start, *end, now)
}

// parseTaskFlags accepts the task name before or after the flags.
func parseTaskFlags(args []string, now time.Time) (string, pipeline.RunInput, error) {
	var name string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("task", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	date := fs.String("date", "", "day to process (YYYY-MM-DD, default today UTC)")
	if err := fs.Parse(args); err != nil {
		return "", pipeline.RunInput{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	if name == "" {
		name = fs.Arg(0)
	}
	if name == "" {
		return "", pipeline.RunInput{}, fmt.Errorf("%w: task name required (%s)", errUsage, strings.Join(pipeline.TaskNames, ", "))
	}

	input, err := buildInput(*date, "", "", now)
	return name, input, err
}

func buildInput(date, start, end string, now time.Time) (pipeline.RunInput, error) {
	var input pipeline.RunInput
	var err error
	if date != "" {
		if input.Date, err = parseDay("date", date); err != nil {
			return input, err
		}
	} else {
		input.Date = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	if start != "" {
		if input.Start, err = parseDay("start", start); err != nil {
			return input, err
		}
	}
	if end != "" {
		if input.End, err = parseDay("end", end); err != nil {
			return input, err
		}
	}
	if err := input.Validate(); err != nil {
		return input, fmt.Errorf("%w: %v", errUsage, err)
	}
	return input, nil
}

func parseDay(name, value string) (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: -%s must be YYYY-MM-DD: %v", errUsage, name, err)
	}
	return t, nil
}
