package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carbonetl/internal/types"
)

// --- Mock Tx / Beginner ---

// mockTx implements pgx.Tx. The embedded interface is nil; only the methods
// the repository calls are overridden.
type mockTx struct {
	pgx.Tx
	mock.Mock
}

func (m *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockTx) Commit(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockTx) Rollback(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockBeginner struct {
	mock.Mock
}

func (m *mockBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	args := m.Called(ctx)
	if tx := args.Get(0); tx != nil {
		return tx.(pgx.Tx), args.Error(1)
	}
	return nil, args.Error(1)
}

// --- In-memory table ---

// memTable models commit semantics: rows staged in a transaction become
// visible only on Commit.
type memTable struct {
	rows   [][]any
	failAt int // 1-based insert index that fails; 0 disables
}

func (t *memTable) Begin(context.Context) (pgx.Tx, error) {
	return &memTx{table: t}, nil
}

type memTx struct {
	pgx.Tx
	table  *memTable
	staged [][]any
	done   bool
}

func (tx *memTx) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	if tx.table.failAt > 0 && len(tx.staged)+1 == tx.table.failAt {
		return pgconn.CommandTag{}, errors.New("simulated insert failure")
	}
	tx.staged = append(tx.staged, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (tx *memTx) Commit(context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.table.rows = append(tx.table.rows, tx.staged...)
	tx.done = true
	return nil
}

func (tx *memTx) Rollback(context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.staged = nil
	tx.done = true
	return nil
}

// --- Helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeRecords(n int) []types.FlatRecord {
	records := make([]types.FlatRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, types.FlatRecord{
			Date:              "2024-01-01",
			From:              fmt.Sprintf("%02d:%02d", i/2, (i%2)*30),
			DayRecorded:       "Monday",
			MonthRecorded:     "January",
			DNORegion:         fmt.Sprintf("region-%d", i),
			RegionID:          i + 1,
			IntensityForecast: 100 + i,
			IntensityIndex:    "moderate",
			Mix:               map[string]float64{types.FuelGas: float64(i)},
		})
	}
	return records
}

func float64Ptr(v float64) *float64 { return &v }

// --- Tests ---

func TestInsertBatch_CommitsOnce(t *testing.T) {
	tx := new(mockTx)
	beginner := new(mockBeginner)
	ctx := context.Background()

	beginner.On("Begin", ctx).Return(tx, nil).Once()
	tx.On("Exec", ctx, insertCarbonIntensitySQL, mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Times(3)
	tx.On("Commit", ctx).Return(nil).Once()
	tx.On("Rollback", ctx).Return(pgx.ErrTxClosed).Maybe()

	n, err := NewCarbonIntensityRepository(beginner, discardLogger()).InsertBatch(ctx, makeRecords(3))
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	beginner.AssertExpectations(t)
	tx.AssertExpectations(t)
	tx.AssertNumberOfCalls(t, "Commit", 1)
}

func TestInsertBatch_BindsSeventeenPositionalArgs(t *testing.T) {
	tx := new(mockTx)
	beginner := new(mockBeginner)
	ctx := context.Background()

	rec := types.FlatRecord{
		Date:              "2024-01-01",
		From:              "00:30",
		DayRecorded:       "Monday",
		MonthRecorded:     "January",
		DNORegion:         "UKPN London",
		RegionID:          13,
		IntensityForecast: 142,
		IntensityIndex:    "moderate",
		Mix:               map[string]float64{types.FuelSolar: 12.5, types.FuelWind: 40.0},
	}

	var captured []any
	beginner.On("Begin", ctx).Return(tx, nil)
	tx.On("Exec", ctx, insertCarbonIntensitySQL, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(2).([]any) }).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	tx.On("Commit", ctx).Return(nil)
	tx.On("Rollback", ctx).Return(pgx.ErrTxClosed).Maybe()

	_, err := NewCarbonIntensityRepository(beginner, discardLogger()).InsertBatch(ctx, []types.FlatRecord{rec})
	require.NoError(t, err)

	require.Len(t, captured, 17)
	assert.Equal(t, []any{"2024-01-01", "00:30", "Monday", "January", "UKPN London", 13, 142, "moderate"}, captured[:8])

	// biomass, coal, imports, gas, nuclear, other, hydro are NULL, never 0.
	for i := 8; i < 15; i++ {
		assert.Nil(t, captured[i], "column %s should bind NULL", Columns[i])
	}
	assert.Equal(t, float64Ptr(12.5), captured[15])
	assert.Equal(t, float64Ptr(40.0), captured[16])
}

func TestInsertBatch_RowFailureRollsBack(t *testing.T) {
	tx := new(mockTx)
	beginner := new(mockBeginner)
	ctx := context.Background()

	dbErr := errors.New("value too long for type")
	beginner.On("Begin", ctx).Return(tx, nil)
	tx.On("Exec", ctx, insertCarbonIntensitySQL, mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()
	tx.On("Exec", ctx, insertCarbonIntensitySQL, mock.Anything).Return(pgconn.CommandTag{}, dbErr).Once()
	tx.On("Rollback", ctx).Return(nil).Once()

	n, err := NewCarbonIntensityRepository(beginner, discardLogger()).InsertBatch(ctx, makeRecords(5))

	assert.Equal(t, 0, n)
	assert.True(t, types.IsCode(err, types.ErrCodeLoad))
	assert.ErrorIs(t, err, dbErr)
	tx.AssertNotCalled(t, "Commit", mock.Anything)
	tx.AssertNumberOfCalls(t, "Exec", 2)
	tx.AssertExpectations(t)
}

func TestInsertBatch_BeginFailure(t *testing.T) {
	beginner := new(mockBeginner)
	ctx := context.Background()
	beginner.On("Begin", ctx).Return(nil, errors.New("conn closed"))

	_, err := NewCarbonIntensityRepository(beginner, discardLogger()).InsertBatch(ctx, makeRecords(1))
	assert.True(t, types.IsCode(err, types.ErrCodeLoad))
}

func TestInsertBatch_CommitFailure(t *testing.T) {
	tx := new(mockTx)
	beginner := new(mockBeginner)
	ctx := context.Background()

	beginner.On("Begin", ctx).Return(tx, nil)
	tx.On("Exec", ctx, insertCarbonIntensitySQL, mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	tx.On("Commit", ctx).Return(errors.New("serialization failure"))
	tx.On("Rollback", ctx).Return(nil)

	_, err := NewCarbonIntensityRepository(beginner, discardLogger()).InsertBatch(ctx, makeRecords(2))
	assert.True(t, types.IsCode(err, types.ErrCodeLoad))
	assert.ErrorContains(t, err, "commit")
}

func TestInsertBatch_NRowsVisibleAfterCommit(t *testing.T) {
	table := &memTable{}
	records := makeRecords(48)

	n, err := NewCarbonIntensityRepository(table, discardLogger()).InsertBatch(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, 48, n)
	require.Len(t, table.rows, 48)
	for i, row := range table.rows {
		assert.Equal(t, rowArgs(records[i]), row, "row %d should match its source record", i)
	}
}

func TestInsertBatch_FailureAtKLeavesTableUnchanged(t *testing.T) {
	for _, k := range []int{1, 7, 10} {
		t.Run(fmt.Sprintf("fail_at_%d", k), func(t *testing.T) {
			table := &memTable{rows: [][]any{{"pre-existing"}}, failAt: k}

			_, err := NewCarbonIntensityRepository(table, discardLogger()).InsertBatch(context.Background(), makeRecords(10))

			require.Error(t, err)
			assert.Len(t, table.rows, 1, "no rows from the failed batch may be committed")
		})
	}
}

func TestInsertBatch_EmptyBatch(t *testing.T) {
	table := &memTable{}

	n, err := NewCarbonIntensityRepository(table, discardLogger()).InsertBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, table.rows)
}

func TestColumnsMatchPlaceholders(t *testing.T) {
	assert.Len(t, Columns, 17)
	assert.Len(t, rowArgs(types.FlatRecord{}), 17)
}

func TestInsertSQLQuotesColumns(t *testing.T) {
	assert.Equal(t,
		`INSERT INTO "carbon_intensity" ("date", "from", "wind") VALUES ($1, $2, $3)`,
		insertSQL("carbon_intensity", []string{"date", "from", "wind"}),
	)
	assert.Contains(t, insertCarbonIntensitySQL, `"intensity_forecast", "intensity_index", "biomass"`)
	assert.Contains(t, insertCarbonIntensitySQL, "$17)")
}
