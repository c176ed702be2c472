// Package db is the PostgreSQL loader of the pipeline: it opens the
// connection from an injected ConnectionProvider and writes FlatRecords to
// the carbon_intensity table.
package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"carbonetl/internal/config"
	"carbonetl/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Beginner starts a transaction. *pgxpool.Pool and *pgx.Conn satisfy it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ConnectOptions tunes the pool opened by Connect.
type ConnectOptions struct {
	ConnectTimeout time.Duration
	// MaxConns defaults to 1: the loader inserts sequentially on a single
	// connection.
	MaxConns int32
}

// Connect reads the connection settings once, opens a pool and pings it.
// Every failure is returned as a connection error; a nil pool is never
// returned with a nil error.
func Connect(ctx context.Context, provider config.ConnectionProvider, opts ConnectOptions, logger *slog.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cc, err := provider.Connection(ctx)
	if err != nil {
		return nil, types.NewConnectionError("failed to load connection settings", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cc.ConnString())
	if err != nil {
		return nil, types.NewConnectionError("invalid connection settings", err)
	}
	poolCfg.MaxConns = 1
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, types.NewConnectionError("failed to create connection pool", err)
	}

	pingCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		logger.ErrorContext(ctx, "database connection failed",
			"host", cc.Host,
			"port", cc.Port,
			"database", cc.Database,
			"error", err,
		)
		return nil, types.NewConnectionError("failed to reach database", err).WithDetails(map[string]any{
			"host":     cc.Host,
			"port":     cc.Port,
			"database": cc.Database,
		})
	}

	logger.InfoContext(ctx, "connected to database",
		"host", cc.Host,
		"port", cc.Port,
		"database", cc.Database,
	)
	return pool, nil
}
