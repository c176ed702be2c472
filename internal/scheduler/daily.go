// Package scheduler triggers the pipeline on a cron schedule. Each tick
// processes the current UTC day only; missed days are not backfilled.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"carbonetl/internal/pipeline"
)

// RunFunc runs the pipeline for one input. *pipeline.Runner.Run satisfies it.
type RunFunc func(ctx context.Context, input pipeline.RunInput) (pipeline.RunResult, error)

// Daily runs the pipeline on a schedule expressed in cron syntax or a
// descriptor such as "@daily". Schedules are evaluated in UTC.
type Daily struct {
	cron    *cron.Cron
	run     RunFunc
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	running atomic.Bool
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewDaily creates a scheduler for spec. timeout bounds each run; zero
// leaves runs unbounded.
func NewDaily(spec string, run RunFunc, timeout time.Duration, logger *slog.Logger) (*Daily, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daily{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		run:     run,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
		ctx:     context.Background(),
	}
	if _, err := d.cron.AddFunc(spec, func() { d.Tick(d.ctx) }); err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", spec, err)
	}
	return d, nil
}

// Start begins scheduling and blocks until ctx is cancelled, then waits for
// an in-flight run to finish.
func (d *Daily) Start(ctx context.Context) {
	d.ctx = ctx
	d.cron.Start()
	d.logger.InfoContext(ctx, "scheduler started", "next_run", d.Next())

	<-ctx.Done()
	stopped := d.cron.Stop()
	<-stopped.Done()
	d.wg.Wait()
	d.logger.Info("scheduler stopped")
}

// Next returns the next scheduled activation.
func (d *Daily) Next() time.Time {
	entries := d.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(d.now().UTC())
}

// Tick runs the pipeline for today's UTC date. It reports false when the
// previous run is still in progress and this tick was skipped.
func (d *Daily) Tick(ctx context.Context) bool {
	if !d.running.CompareAndSwap(false, true) {
		d.logger.WarnContext(ctx, "previous run still in progress, skipping tick")
		return false
	}
	d.wg.Add(1)
	defer func() {
		d.running.Store(false)
		d.wg.Done()
	}()

	now := d.now().UTC()
	input := pipeline.RunInput{Date: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)}

	runCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	res, err := d.run(runCtx, input)
	if err != nil {
		d.logger.ErrorContext(ctx, "scheduled run failed", "run_id", res.RunID, "date", input.Key(), "error", err)
		return true
	}
	d.logger.InfoContext(ctx, "scheduled run finished", "run_id", res.RunID, "date", input.Key())
	return true
}
