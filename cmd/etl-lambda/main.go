// Package main is the entrypoint for the ETL Lambda function, invoked daily
// by an EventBridge schedule rule.
//
// The rule may pass a constant input {"date": "YYYY-MM-DD"} to process a
// specific day. Without it the day is taken from the scheduled event's
// "time" field, or the current UTC date.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"carbonetl/internal/app"
	"carbonetl/internal/config"
	"carbonetl/internal/logging"
	"carbonetl/internal/pipeline"
	"carbonetl/internal/types"
)

// Event is the subset of the invocation payload the handler reads.
type Event struct {
	Date string    `json:"date,omitempty"`
	Time time.Time `json:"time,omitempty"`
	// ID is the EventBridge event id; it becomes the run id when present.
	ID string `json:"id,omitempty"`
}

type runFunc func(ctx context.Context, input pipeline.RunInput) (pipeline.RunResult, error)

// newHandler returns the Lambda handler. A failed run is returned as the
// invocation error so Lambda's own retry and alarms apply.
func newHandler(run runFunc, logger *slog.Logger, now func() time.Time) func(context.Context, Event) (pipeline.RunResult, error) {
	return func(ctx context.Context, evt Event) (pipeline.RunResult, error) {
		input, err := inputFor(evt, now().UTC())
		if err != nil {
			logger.ErrorContext(ctx, "invalid event", "date", evt.Date, "error", err)
			return pipeline.RunResult{}, err
		}
		if evt.ID != "" {
			ctx = types.WithRunID(ctx, evt.ID)
		}

		res, err := run(ctx, input)
		if err != nil {
			return res, fmt.Errorf("run %s failed: %w", input.Key(), err)
		}
		return res, nil
	}
}

func inputFor(evt Event, now time.Time) (pipeline.RunInput, error) {
	if evt.Date != "" {
		d, err := time.ParseInLocation(time.DateOnly, evt.Date, time.UTC)
		if err != nil {
			return pipeline.RunInput{}, types.NewAppError(types.ErrCodeInvalidRequest, "date must be formatted YYYY-MM-DD", err)
		}
		return pipeline.RunInput{Date: d}, nil
	}
	ref := now
	if !evt.Time.IsZero() {
		ref = evt.Time.UTC()
	}
	return pipeline.RunInput{Date: time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)}, nil
}

func main() {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	bootLogger.Info("ETL Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg)

	a, err := app.New(context.Background(), cfg, logger, app.Options{})
	if err != nil {
		logger.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	logger.Info("ETL Lambda initialized",
		"db_enabled", cfg.Database.Enabled,
		"csv_enabled", cfg.CSV.Enabled,
	)
	lambda.Start(newHandler(a.Runner.Run, logger, time.Now))
}
