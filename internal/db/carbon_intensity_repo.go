package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"carbonetl/internal/types"
)

// Columns lists the carbon_intensity columns in insert order. rowArgs binds
// values in the same order.
var Columns = []string{
	"date", "from", "day_recorded", "month_recorded",
	"dnoregion", "region_id", "intensity_forecast", "intensity_index",
	types.FuelBiomass, types.FuelCoal, types.FuelImports, types.FuelGas, types.FuelNuclear,
	types.FuelOther, types.FuelHydro, types.FuelSolar, types.FuelWind,
}

// insertCarbonIntensitySQL inserts one FlatRecord.
var insertCarbonIntensitySQL = insertSQL("carbon_intensity", Columns)

// insertSQL builds a single-row INSERT for table with quoted column names
// and one positional placeholder per column.
func insertSQL(table string, columns []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)
}

// CarbonIntensityRepository writes FlatRecords to carbon_intensity.
type CarbonIntensityRepository struct {
	db     Beginner
	logger *slog.Logger
}

// NewCarbonIntensityRepository creates a repository over db.
func NewCarbonIntensityRepository(db Beginner, logger *slog.Logger) *CarbonIntensityRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &CarbonIntensityRepository{db: db, logger: logger}
}

// InsertBatch inserts every record as one row inside a single transaction
// and commits once at the end. If any row fails the transaction is rolled
// back and no rows are kept. Re-running a batch inserts duplicates; the
// table has no dedup key.
func (r *CarbonIntensityRepository) InsertBatch(ctx context.Context, records []types.FlatRecord) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, types.NewLoadError("failed to begin transaction", err)
	}
	defer func() {
		// No-op once the transaction has committed.
		_ = tx.Rollback(ctx)
	}()

	for i, rec := range records {
		if _, err := tx.Exec(ctx, insertCarbonIntensitySQL, rowArgs(rec)...); err != nil {
			return 0, types.NewLoadError(
				fmt.Sprintf("failed to insert record %d (date=%s from=%s region_id=%d)", i, rec.Date, rec.From, rec.RegionID),
				err,
			)
		}
		r.logger.DebugContext(ctx, "row inserted",
			"index", i,
			"date", rec.Date,
			"from", rec.From,
			"region_id", rec.RegionID,
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, types.NewLoadError("failed to commit batch", err)
	}

	r.logger.InfoContext(ctx, "records inserted", "count", len(records))
	return len(records), nil
}

// rowArgs extracts the eight mandatory fields and the nine fuel fields.
// Absent fuels are nil pointers and bind as NULL.
func rowArgs(rec types.FlatRecord) []any {
	args := []any{
		rec.Date,
		rec.From,
		rec.DayRecorded,
		rec.MonthRecorded,
		rec.DNORegion,
		rec.RegionID,
		rec.IntensityForecast,
		rec.IntensityIndex,
	}
	for _, fuel := range types.Fuels {
		args = append(args, rec.FuelPtr(fuel))
	}
	return args
}
