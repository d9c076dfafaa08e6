// Package db is the PostgreSQL backend of the message cache.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcuscabrera/simple-webmail-imap/config"
	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/metrics"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/retry"
)

type Database struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewDatabase connects to PostgreSQL, retrying while the server is not yet
// reachable, and applies pending migrations.
func NewDatabase(ctx context.Context, cfg config.DatabaseConfig) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.LogQueries {
		poolConfig.ConnConfig.Tracer = &CustomTracer{}
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if poolConfig.MaxConnLifetime, err = cfg.GetMaxConnLifetime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	if poolConfig.MaxConnIdleTime, err = cfg.GetMaxConnIdleTime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	logger.Info("Database: connecting", "dsn", cfg.Redacted())

	var pool *pgxpool.Pool
	backoff := retry.DefaultBackoffConfig()
	backoff.OperationName = "database connect"
	err = retry.WithRetry(ctx, func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return retry.Stop(fmt.Errorf("failed to create connection pool: %w", err))
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			if isPermanentConnectError(err) {
				return retry.Stop(fmt.Errorf("failed to connect to the database: %w", err))
			}
			return fmt.Errorf("failed to connect to the database: %w", err)
		}
		pool = p
		return nil
	}, backoff)
	if err != nil {
		return nil, err
	}

	if err := Migrate(ctx, cfg.ConnString()); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Database: pool created",
		"max_conns", pool.Config().MaxConns,
		"min_conns", pool.Config().MinConns,
		"max_lifetime", pool.Config().MaxConnLifetime,
		"max_idle", pool.Config().MaxConnIdleTime)

	return &Database{Pool: pool, queryTimeout: queryTimeout}, nil
}

// isPermanentConnectError reports errors that retrying cannot fix, such as
// bad credentials or a missing database.
func isPermanentConnectError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "28P01", "28000", "3D000": // invalid_password, invalid_authorization_specification, invalid_catalog_name
		return true
	}
	return false
}

func (db *Database) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	return nil
}

// Ping checks that the database answers, for the health endpoint.
func (db *Database) Ping(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// StartPoolMetrics periodically publishes connection pool statistics until
// ctx is done.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	stats := db.Pool.Stat()
	metrics.DBPoolConnections.WithLabelValues("total").Set(float64(stats.TotalConns()))
	metrics.DBPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	metrics.DBPoolConnections.WithLabelValues("acquired").Set(float64(stats.AcquiredConns()))
}

func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// observe records the duration of a named query.
func observe(operation string, start time.Time) {
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// CustomTracer logs every query at debug level.
type CustomTracer struct{}

type traceStartKey struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.DebugContext(ctx, "Database: query start", "sql", data.SQL, "args", len(data.Args))
	return context.WithValue(ctx, traceStartKey{}, time.Now())
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	var elapsed time.Duration
	if start, ok := ctx.Value(traceStartKey{}).(time.Time); ok {
		elapsed = time.Since(start)
	}
	if data.Err != nil {
		logger.DebugContext(ctx, "Database: query failed", "duration", elapsed, "error", data.Err)
		return
	}
	logger.DebugContext(ctx, "Database: query done", "duration", elapsed, "tag", data.CommandTag.String())
}
