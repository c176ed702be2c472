package db

import (
	"context"
	"log/slog"

	"carbonetl/internal/types"
)

const createCarbonIntensitySQL = `
	CREATE TABLE IF NOT EXISTS carbon_intensity (
		"date"             DATE             NOT NULL,
		"from"             TIME             NOT NULL,
		day_recorded       TEXT             NOT NULL,
		month_recorded     TEXT             NOT NULL,
		dnoregion          TEXT             NOT NULL,
		region_id          INTEGER          NOT NULL,
		intensity_forecast INTEGER          NOT NULL,
		intensity_index    TEXT             NOT NULL,
		biomass            DOUBLE PRECISION,
		coal               DOUBLE PRECISION,
		imports            DOUBLE PRECISION,
		gas                DOUBLE PRECISION,
		nuclear            DOUBLE PRECISION,
		other              DOUBLE PRECISION,
		hydro              DOUBLE PRECISION,
		solar              DOUBLE PRECISION,
		wind               DOUBLE PRECISION
	)`

// EnsureSchema creates the carbon_intensity table if it does not exist.
func EnsureSchema(ctx context.Context, db DBTX, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(ctx, createCarbonIntensitySQL); err != nil {
		return types.NewLoadError("failed to create carbon_intensity table", err)
	}
	logger.InfoContext(ctx, "schema ensured", "table", "carbon_intensity")
	return nil
}
