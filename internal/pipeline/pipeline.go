// Package pipeline runs the daily carbon intensity job as a small task
// graph:
//
//	extract -> transform -> {load_to_db, load_to_csv}
//
// Tasks exchange data through a handoff.Store, so each task can also be run
// on its own (for example as a separate CLI invocation). Each task is
// retried from scratch on failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"carbonetl/internal/external"
	"carbonetl/internal/handoff"
	"carbonetl/internal/types"
)

// Task names.
const (
	TaskExtract   = "extract"
	TaskTransform = "transform"
	TaskLoadDB    = "load_to_db"
	TaskLoadCSV   = "load_to_csv"
)

// TaskNames lists every task in execution order.
var TaskNames = []string{TaskExtract, TaskTransform, TaskLoadDB, TaskLoadCSV}

// ErrUnknownTask is returned by RunTask for a name not in TaskNames.
var ErrUnknownTask = errors.New("pipeline: unknown task")

// ErrTaskDisabled is returned by RunTask for a loader that is not configured.
var ErrTaskDisabled = errors.New("pipeline: task disabled")

// Extractor fetches raw readings from a URL.
type Extractor interface {
	Fetch(ctx context.Context, url string) ([]types.RawReading, error)
}

// Transformer flattens raw readings.
type Transformer interface {
	Transform(ctx context.Context, readings []types.RawReading) ([]types.FlatRecord, error)
}

// BatchInserter writes records to the database in one transaction.
type BatchInserter interface {
	InsertBatch(ctx context.Context, records []types.FlatRecord) (int, error)
}

// DBOpener opens a database session for one load attempt. The returned
// release function closes it.
type DBOpener func(ctx context.Context) (BatchInserter, func(), error)

// CSVWriter writes a batch to a CSV file and returns its path.
type CSVWriter interface {
	Write(ctx context.Context, records []types.FlatRecord, stem, runDate string) (string, error)
}

// Notifier is told about every finished run.
type Notifier interface {
	NotifyRunCompleted(ctx context.Context, msg types.RunCompletedMessage) error
}

// RunInput selects the window to process. Date picks the 24 hours starting
// at that UTC day. When Start and End are both set the explicit range is
// fetched instead.
type RunInput struct {
	Date  time.Time
	Start time.Time
	End   time.Time
}

// Ranged reports whether the input selects an explicit range.
func (in RunInput) Ranged() bool {
	return !in.Start.IsZero() && !in.End.IsZero()
}

// Key names the run in the hand-off store and the CSV file name.
func (in RunInput) Key() string {
	if in.Ranged() {
		return in.Start.UTC().Format(time.DateOnly) + "_" + in.End.UTC().Format(time.DateOnly)
	}
	return in.Date.UTC().Format(time.DateOnly)
}

// Validate rejects inputs with no date or a reversed range.
func (in RunInput) Validate() error {
	if in.Ranged() {
		if in.End.Before(in.Start) {
			return fmt.Errorf("pipeline: range end %s is before start %s", in.End.Format(time.DateOnly), in.Start.Format(time.DateOnly))
		}
		return nil
	}
	if !in.Start.IsZero() || !in.End.IsZero() {
		return errors.New("pipeline: start and end must be given together")
	}
	if in.Date.IsZero() {
		return errors.New("pipeline: date is required")
	}
	return nil
}

// TaskResult describes one task execution.
type TaskResult struct {
	Name       string `json:"name"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// RunResult summarizes a run.
type RunResult struct {
	RunID       string       `json:"run_id"`
	RunKey      string       `json:"run_key"`
	Extracted   int          `json:"extracted"`
	Transformed int          `json:"transformed"`
	Inserted    int          `json:"inserted"`
	CSVPath     string       `json:"csv_path,omitempty"`
	Tasks       []TaskResult `json:"tasks"`
}

// Config holds the settings the runner needs from the application config.
type Config struct {
	BaseURL    string
	CSVStem    string
	Retries    int
	RetryDelay time.Duration
}

// Deps are the collaborators of a Runner. DB and CSV are optional; a nil
// loader disables its task. Store defaults to a MemoryStore, Metrics to
// NoopMetrics.
type Deps struct {
	Extractor   Extractor
	Transformer Transformer
	DB          DBOpener
	CSV         CSVWriter
	Store       handoff.Store
	Metrics     Metrics
	Notifier    Notifier
	Logger      *slog.Logger
}

// Runner executes the task graph.
type Runner struct {
	cfg  Config
	deps Deps
	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithWaitFunc overrides the delay between task retries.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		r.wait = fn
	}
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, deps Deps, opts ...Option) *Runner {
	if deps.Store == nil {
		deps.Store = handoff.NewMemoryStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = NoopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = external.DefaultCarbonIntensityBaseURL
	}
	if cfg.CSVStem == "" {
		cfg.CSVStem = "carbon_intensity_data"
	}
	r := &Runner{cfg: cfg, deps: deps, wait: sleepCtx, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run carries the state of one run across tasks.
type run struct {
	input  RunInput
	key    string
	logger *slog.Logger

	mu     sync.Mutex
	result RunResult
}

func (r *Runner) newRun(ctx context.Context, input RunInput) (context.Context, *run) {
	runID := types.GetRunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = types.WithRunID(ctx, runID)
	}
	key := input.Key()
	return ctx, &run{
		input:  input,
		key:    key,
		logger: r.deps.Logger.With("run_key", key),
		result: RunResult{RunID: runID, RunKey: key},
	}
}

// Run executes every enabled task for input. The loaders run in parallel
// once transform succeeds. They write to separate resources, so each
// finishes its own retries regardless of the other, and the returned error
// joins both failures.
func (r *Runner) Run(ctx context.Context, input RunInput) (RunResult, error) {
	if err := input.Validate(); err != nil {
		return RunResult{}, err
	}
	ctx, rn := r.newRun(ctx, input)
	rn.logger.InfoContext(ctx, "run started")

	err := r.runGraph(ctx, rn)
	r.finish(ctx, rn, err)
	return rn.snapshot(), err
}

func (r *Runner) runGraph(ctx context.Context, rn *run) error {
	if err := r.execute(ctx, rn, TaskExtract); err != nil {
		return err
	}
	if err := r.execute(ctx, rn, TaskTransform); err != nil {
		return err
	}

	var g errgroup.Group
	var dbErr, csvErr error
	if r.deps.DB != nil {
		g.Go(func() error {
			dbErr = r.execute(ctx, rn, TaskLoadDB)
			return dbErr
		})
	}
	if r.deps.CSV != nil {
		g.Go(func() error {
			csvErr = r.execute(ctx, rn, TaskLoadCSV)
			return csvErr
		})
	}
	_ = g.Wait()
	return errors.Join(dbErr, csvErr)
}

// RunTask executes a single task for input, reading its inputs from and
// writing its outputs to the hand-off store.
func (r *Runner) RunTask(ctx context.Context, name string, input RunInput) (RunResult, error) {
	if err := input.Validate(); err != nil {
		return RunResult{}, err
	}
	if _, err := r.taskFunc(name); err != nil {
		return RunResult{}, err
	}
	ctx, rn := r.newRun(ctx, input)
	err := r.execute(ctx, rn, name)
	return rn.snapshot(), err
}

func (r *Runner) taskFunc(name string) (func(context.Context, *run) error, error) {
	switch name {
	case TaskExtract:
		return r.extract, nil
	case TaskTransform:
		return r.transform, nil
	case TaskLoadDB:
		if r.deps.DB == nil {
			return nil, fmt.Errorf("%w: %s", ErrTaskDisabled, name)
		}
		return r.loadDB, nil
	case TaskLoadCSV:
		if r.deps.CSV == nil {
			return nil, fmt.Errorf("%w: %s", ErrTaskDisabled, name)
		}
		return r.loadCSV, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
}

// execute runs the named task with up to cfg.Retries retries, waiting
// cfg.RetryDelay between attempts. Cancellation stops retrying.
func (r *Runner) execute(ctx context.Context, rn *run, name string) error {
	fn, err := r.taskFunc(name)
	if err != nil {
		return err
	}

	ctx = types.WithTask(ctx, name)
	logger := rn.logger
	start := r.now()

	var attempts int
	for {
		attempts++
		attemptStart := r.now()
		err = fn(ctx, rn)
		r.deps.Metrics.RecordTask(ctx, name, r.now().Sub(attemptStart), err)
		if err == nil {
			break
		}

		logger.ErrorContext(ctx, "task failed",
			"attempt", attempts,
			"error", err,
			"error_code", string(types.CodeOf(err)),
		)
		if attempts > r.cfg.Retries || ctx.Err() != nil {
			break
		}
		logger.InfoContext(ctx, "retrying task", "delay", r.cfg.RetryDelay.String())
		if waitErr := r.wait(ctx, r.cfg.RetryDelay); waitErr != nil {
			break
		}
	}

	tr := TaskResult{Name: name, Attempts: attempts, DurationMS: r.now().Sub(start).Milliseconds()}
	if err != nil {
		tr.Error = err.Error()
	} else {
		logger.InfoContext(ctx, "task succeeded", "attempts", attempts, "duration_ms", tr.DurationMS)
	}
	rn.mu.Lock()
	rn.result.Tasks = append(rn.result.Tasks, tr)
	rn.mu.Unlock()

	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	return nil
}

func (r *Runner) extract(ctx context.Context, rn *run) error {
	url := external.DailyURL(r.cfg.BaseURL, rn.input.Date)
	if rn.input.Ranged() {
		url = external.RangeURL(r.cfg.BaseURL, rn.input.Start, rn.input.End)
	}

	readings, err := r.deps.Extractor.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if err := r.deps.Store.Push(ctx, rn.key, handoff.KeyExtracted, readings); err != nil {
		return err
	}

	r.deps.Metrics.RecordRecords(ctx, TaskExtract, len(readings))
	rn.update(func(res *RunResult) { res.Extracted = len(readings) })
	return nil
}

func (r *Runner) transform(ctx context.Context, rn *run) error {
	var readings []types.RawReading
	if err := r.deps.Store.Pull(ctx, rn.key, handoff.KeyExtracted, &readings); err != nil {
		return err
	}

	records, err := r.deps.Transformer.Transform(ctx, readings)
	if err != nil {
		return err
	}
	if err := r.deps.Store.Push(ctx, rn.key, handoff.KeyTransformed, records); err != nil {
		return err
	}

	r.deps.Metrics.RecordRecords(ctx, TaskTransform, len(records))
	rn.update(func(res *RunResult) { res.Transformed = len(records) })
	return nil
}

func (r *Runner) pullRecords(ctx context.Context, rn *run) ([]types.FlatRecord, error) {
	var records []types.FlatRecord
	if err := r.deps.Store.Pull(ctx, rn.key, handoff.KeyTransformed, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Runner) loadDB(ctx context.Context, rn *run) error {
	records, err := r.pullRecords(ctx, rn)
	if err != nil {
		return err
	}

	inserter, release, err := r.deps.DB(ctx)
	if err != nil {
		return err
	}
	defer release()

	n, err := inserter.InsertBatch(ctx, records)
	if err != nil {
		return err
	}

	r.deps.Metrics.RecordRecords(ctx, TaskLoadDB, n)
	rn.update(func(res *RunResult) { res.Inserted = n })
	return nil
}

func (r *Runner) loadCSV(ctx context.Context, rn *run) error {
	records, err := r.pullRecords(ctx, rn)
	if err != nil {
		return err
	}

	path, err := r.deps.CSV.Write(ctx, records, r.cfg.CSVStem, rn.key)
	if err != nil {
		return err
	}

	r.deps.Metrics.RecordRecords(ctx, TaskLoadCSV, len(records))
	rn.update(func(res *RunResult) { res.CSVPath = path })
	return nil
}

// finish logs the outcome and publishes the completion message. A failed
// notification is logged, never returned.
func (r *Runner) finish(ctx context.Context, rn *run, runErr error) {
	res := rn.snapshot()
	msg := types.RunCompletedMessage{
		RunID:       res.RunID,
		RunKey:      res.RunKey,
		Status:      types.RunStatusSucceeded,
		Extracted:   res.Extracted,
		Transformed: res.Transformed,
		Inserted:    res.Inserted,
		CSVPath:     res.CSVPath,
		FinishedAt:  r.now().UTC(),
	}
	if runErr != nil {
		msg.Status = types.RunStatusFailed
		msg.Error = runErr.Error()
		rn.logger.ErrorContext(ctx, "run failed", "error", runErr)
	} else {
		rn.logger.InfoContext(ctx, "run succeeded",
			"extracted", res.Extracted,
			"transformed", res.Transformed,
			"inserted", res.Inserted,
			"csv_path", res.CSVPath,
		)
	}

	if r.deps.Notifier == nil {
		return
	}
	// The run context may already be cancelled; the notice should still go out.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.deps.Notifier.NotifyRunCompleted(notifyCtx, msg); err != nil {
		rn.logger.WarnContext(ctx, "failed to publish run completion", "error", err)
	}
}

func (rn *run) update(fn func(*RunResult)) {
	rn.mu.Lock()
	fn(&rn.result)
	rn.mu.Unlock()
}

func (rn *run) snapshot() RunResult {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	res := rn.result
	res.Tasks = append([]TaskResult(nil), rn.result.Tasks...)
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
