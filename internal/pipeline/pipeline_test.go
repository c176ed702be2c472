package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonetl/internal/handoff"
	"carbonetl/internal/transform"
	"carbonetl/internal/types"
)

// --- Fakes ---

type fakeExtractor struct {
	mu       sync.Mutex
	urls     []string
	readings []types.RawReading
	failures int // first N calls fail
	err      error
}

func (f *fakeExtractor) Fetch(_ context.Context, url string) ([]types.RawReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	return f.readings, nil
}

type fakeInserter struct {
	mu      sync.Mutex
	batches [][]types.FlatRecord
	err     error
}

func (f *fakeInserter) InsertBatch(_ context.Context, records []types.FlatRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, records)
	return len(records), nil
}

type fakeCSV struct {
	mu      sync.Mutex
	stem    string
	runDate string
	rows    int
	calls   int
	failN   int
	err     error
}

func (f *fakeCSV) Write(_ context.Context, records []types.FlatRecord, stem, runDate string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.calls <= f.failN {
		return "", types.NewLoadError("disk hiccup", nil)
	}
	f.stem, f.runDate, f.rows = stem, runDate, len(records)
	return stem + "_" + runDate + ".csv", nil
}

type fakeNotifier struct {
	msgs []types.RunCompletedMessage
	err  error
}

func (f *fakeNotifier) NotifyRunCompleted(_ context.Context, msg types.RunCompletedMessage) error {
	f.msgs = append(f.msgs, msg)
	return f.err
}

type recordingMetrics struct {
	mu      sync.Mutex
	results map[string][]bool
	records map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{results: map[string][]bool{}, records: map[string]int{}}
}

func (m *recordingMetrics) RecordTask(_ context.Context, task string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[task] = append(m.results[task], err == nil)
}

func (m *recordingMetrics) RecordRecords(_ context.Context, task string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[task] = n
}

// --- Helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleReadings() []types.RawReading {
	region := func(id int, name string) types.RegionEntry {
		return types.RegionEntry{
			RegionID:  id,
			DNORegion: name,
			Intensity: types.Intensity{Forecast: 100 + id, Index: "moderate"},
			GenerationMix: []types.FuelShare{
				{Fuel: types.FuelWind, Perc: 40},
			},
		}
	}
	return []types.RawReading{
		{From: "2024-01-01T00:00Z", To: "2024-01-01T00:30Z", Regions: []types.RegionEntry{region(1, "North"), region(2, "South")}},
		{From: "2024-01-01T00:30Z", To: "2024-01-01T01:00Z", Regions: []types.RegionEntry{region(1, "North"), region(2, "South"), region(3, "East")}},
	}
}

type harness struct {
	extractor *fakeExtractor
	inserter  *fakeInserter
	csv       *fakeCSV
	notifier  *fakeNotifier
	metrics   *recordingMetrics
	store     handoff.Store
	opened    int
	released  int
	waits     []time.Duration
}

func newHarness() *harness {
	return &harness{
		extractor: &fakeExtractor{readings: sampleReadings()},
		inserter:  &fakeInserter{},
		csv:       &fakeCSV{},
		notifier:  &fakeNotifier{},
		metrics:   newRecordingMetrics(),
		store:     handoff.NewMemoryStore(),
	}
}

func (h *harness) runner(cfg Config) *Runner {
	deps := Deps{
		Extractor:   h.extractor,
		Transformer: transform.New(discardLogger()),
		DB: func(context.Context) (BatchInserter, func(), error) {
			h.opened++
			return h.inserter, func() { h.released++ }, nil
		},
		CSV:      h.csv,
		Store:    h.store,
		Metrics:  h.metrics,
		Notifier: h.notifier,
		Logger:   discardLogger(),
	}
	return NewRunner(cfg, deps, WithWaitFunc(func(_ context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return nil
	}))
}

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// --- Tests ---

func TestRun_FullGraph(t *testing.T) {
	h := newHarness()
	r := h.runner(Config{BaseURL: "http://api.test/regional/intensity", CSVStem: "carbon_intensity_data"})

	res, err := r.Run(context.Background(), RunInput{Date: day})
	require.NoError(t, err)

	assert.Equal(t, []string{"http://api.test/regional/intensity/2024-01-01/pt24h"}, h.extractor.urls)
	assert.Equal(t, 2, res.Extracted)
	assert.Equal(t, 5, res.Transformed)
	assert.Equal(t, 5, res.Inserted)
	assert.Equal(t, "carbon_intensity_data_2024-01-01.csv", res.CSVPath)
	assert.Equal(t, "2024-01-01", res.RunKey)
	assert.NotEmpty(t, res.RunID)
	assert.Len(t, res.Tasks, 4)

	require.Len(t, h.inserter.batches, 1)
	assert.Len(t, h.inserter.batches[0], 5)
	assert.Equal(t, 5, h.csv.rows)
	assert.Equal(t, "2024-01-01", h.csv.runDate)
	assert.Equal(t, 1, h.opened)
	assert.Equal(t, 1, h.released)

	require.Len(t, h.notifier.msgs, 1)
	assert.Equal(t, types.RunStatusSucceeded, h.notifier.msgs[0].Status)
	assert.Equal(t, res.RunID, h.notifier.msgs[0].RunID)

	assert.Equal(t, 5, h.metrics.records[TaskLoadDB])
	assert.Equal(t, []bool{true}, h.metrics.results[TaskExtract])
}

func TestRun_RangedInputUsesRangeURL(t *testing.T) {
	h := newHarness()
	r := h.runner(Config{BaseURL: "http://api.test/regional/intensity"})

	res, err := r.Run(context.Background(), RunInput{Start: day, End: day.AddDate(0, 0, 2)})
	require.NoError(t, err)

	assert.Equal(t, []string{"http://api.test/regional/intensity/2024-01-01/2024-01-03"}, h.extractor.urls)
	assert.Equal(t, "2024-01-01_2024-01-03", res.RunKey)
}

func TestRun_RetriesTaskAfterDelay(t *testing.T) {
	h := newHarness()
	h.extractor.failures = 1
	h.extractor.err = types.NewExtractionError("connection reset", nil)
	r := h.runner(Config{Retries: 1, RetryDelay: 5 * time.Minute})

	res, err := r.Run(context.Background(), RunInput{Date: day})
	require.NoError(t, err)

	assert.Len(t, h.extractor.urls, 2)
	assert.Equal(t, []time.Duration{5 * time.Minute}, h.waits)
	assert.Equal(t, 2, res.Tasks[0].Attempts)
	assert.Equal(t, []bool{false, true}, h.metrics.results[TaskExtract])
}

func TestRun_ExhaustedRetriesFailRun(t *testing.T) {
	h := newHarness()
	h.extractor.failures = 10
	h.extractor.err = types.NewExtractionError("connection reset", nil)
	r := h.runner(Config{Retries: 1})

	res, err := r.Run(context.Background(), RunInput{Date: day})

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeExtraction))
	assert.Len(t, h.extractor.urls, 2)
	assert.Zero(t, res.Transformed)
	assert.Empty(t, h.inserter.batches)

	require.Len(t, h.notifier.msgs, 1)
	assert.Equal(t, types.RunStatusFailed, h.notifier.msgs[0].Status)
	assert.Contains(t, h.notifier.msgs[0].Error, "connection reset")
}

func TestRun_MalformedTimestampStopsBeforeLoad(t *testing.T) {
	h := newHarness()
	h.extractor.readings = []types.RawReading{{From: "2024-01-01 00:30", Regions: []types.RegionEntry{{RegionID: 1}}}}
	r := h.runner(Config{})

	_, err := r.Run(context.Background(), RunInput{Date: day})

	assert.True(t, types.IsCode(err, types.ErrCodeTransformation))
	assert.Empty(t, h.inserter.batches)
	assert.Zero(t, h.csv.rows)
}

func TestRun_DBFailureSurfacesLoadError(t *testing.T) {
	h := newHarness()
	h.inserter.err = types.NewLoadError("insert failed", nil)
	r := h.runner(Config{})

	_, err := r.Run(context.Background(), RunInput{Date: day})

	assert.True(t, types.IsCode(err, types.ErrCodeLoad))
	assert.Equal(t, h.opened, h.released, "every opened session must be released")
}

func TestRun_ConnectionFailure(t *testing.T) {
	h := newHarness()
	r := h.runner(Config{})
	r.deps.DB = func(context.Context) (BatchInserter, func(), error) {
		return nil, nil, types.NewConnectionError("failed to reach database", nil)
	}

	_, err := r.Run(context.Background(), RunInput{Date: day})
	assert.True(t, types.IsCode(err, types.ErrCodeConnection))
}

func TestRun_LoaderFailureDoesNotCancelOtherLoader(t *testing.T) {
	h := newHarness()
	h.csv.failN = 1
	r := h.runner(Config{Retries: 1})
	r.deps.DB = func(context.Context) (BatchInserter, func(), error) {
		return nil, nil, types.NewConnectionError("failed to reach database", nil)
	}
	// The database loader exhausts its retries while the CSV loader is still
	// waiting to retry.
	r.wait = func(ctx context.Context, _ time.Duration) error {
		if types.GetTask(ctx) == TaskLoadCSV {
			return sleepCtx(ctx, 50*time.Millisecond)
		}
		return sleepCtx(ctx, 5*time.Millisecond)
	}

	res, err := r.Run(context.Background(), RunInput{Date: day})

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeConnection))
	assert.False(t, types.IsCode(err, types.ErrCodeLoad), "the CSV loader recovered on retry")
	assert.Equal(t, 2, h.csv.calls)
	assert.Equal(t, "carbon_intensity_data_2024-01-01.csv", res.CSVPath)

	attempts := map[string]int{}
	for _, tr := range res.Tasks {
		attempts[tr.Name] = tr.Attempts
	}
	assert.Equal(t, 2, attempts[TaskLoadDB])
	assert.Equal(t, 2, attempts[TaskLoadCSV])
}

func TestRun_BothLoaderFailuresAreJoined(t *testing.T) {
	h := newHarness()
	h.inserter.err = types.NewLoadError("insert failed", nil)
	h.csv.err = types.NewLoadError("disk full", nil)
	r := h.runner(Config{})

	_, err := r.Run(context.Background(), RunInput{Date: day})

	require.Error(t, err)
	assert.ErrorContains(t, err, "task load_to_db")
	assert.ErrorContains(t, err, "task load_to_csv")
}

func TestRun_CSVOnly(t *testing.T) {
	h := newHarness()
	r := h.runner(Config{})
	r.deps.DB = nil

	res, err := r.Run(context.Background(), RunInput{Date: day})
	require.NoError(t, err)

	assert.Zero(t, res.Inserted)
	assert.Equal(t, 5, h.csv.rows)
	assert.Len(t, res.Tasks, 3)
}

func TestRun_NotifierFailureDoesNotFailRun(t *testing.T) {
	h := newHarness()
	h.notifier.err = errors.New("queue unavailable")

	_, err := h.runner(Config{}).Run(context.Background(), RunInput{Date: day})
	assert.NoError(t, err)
}

func TestRun_PropagatesRunID(t *testing.T) {
	h := newHarness()
	ctx := types.WithRunID(context.Background(), "fixed-run-id")

	res, err := h.runner(Config{}).Run(ctx, RunInput{Date: day})
	require.NoError(t, err)
	assert.Equal(t, "fixed-run-id", res.RunID)
}

func TestRun_InvalidInput(t *testing.T) {
	r := newHarness().runner(Config{})

	_, err := r.Run(context.Background(), RunInput{})
	assert.Error(t, err)

	_, err = r.Run(context.Background(), RunInput{Start: day.AddDate(0, 0, 1), End: day})
	assert.Error(t, err)

	_, err = r.Run(context.Background(), RunInput{Start: day})
	assert.Error(t, err)
}

func TestRunTask_StepwiseThroughStore(t *testing.T) {
	h := newHarness()
	r := h.runner(Config{})
	ctx := context.Background()
	in := RunInput{Date: day}

	_, err := r.RunTask(ctx, TaskTransform, in)
	assert.ErrorIs(t, err, handoff.ErrNotFound, "transform needs extracted data")

	for _, name := range TaskNames {
		_, err := r.RunTask(ctx, name, in)
		require.NoError(t, err, name)
	}

	require.Len(t, h.inserter.batches, 1)
	assert.Len(t, h.inserter.batches[0], 5)
	assert.Equal(t, 5, h.csv.rows)
	assert.Empty(t, h.notifier.msgs, "single tasks do not publish run completion")
}

func TestRunTask_UnknownAndDisabled(t *testing.T) {
	h := newHarness()
	r := h.runner(Config{})
	r.deps.CSV = nil

	_, err := r.RunTask(context.Background(), "publish", RunInput{Date: day})
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = r.RunTask(context.Background(), TaskLoadCSV, RunInput{Date: day})
	assert.ErrorIs(t, err, ErrTaskDisabled)
}

func TestRun_CancelledContextStopsRetrying(t *testing.T) {
	h := newHarness()
	h.extractor.failures = 10
	h.extractor.err = context.Canceled
	r := h.runner(Config{Retries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, RunInput{Date: day})
	require.Error(t, err)
	assert.Len(t, h.extractor.urls, 1)
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestRunInput_Key(t *testing.T) {
	assert.Equal(t, "2024-01-01", RunInput{Date: day.Add(13 * time.Hour)}.Key())
	assert.True(t, strings.Contains(RunInput{Start: day, End: day.AddDate(0, 0, 1)}.Key(), "_"))
}
