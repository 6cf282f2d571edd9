// Package store writes normalized entity rows into relational tables with
// idempotent, primary-key keyed upserts. PostgreSQL is the production target;
// SQLite serves local runs and tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/evisions/canvas-ingest/pkg/entity"
)

// Prometheus metrics for storage.
var (
	upsertDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canvas_ingest_store_upsert_duration_seconds",
		Help:    "Duration of one upsert transaction by table",
		Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10},
	}, []string{"table"})

	upsertErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_store_upsert_errors_total",
		Help: "Total number of failed upsert transactions by table",
	}, []string{"table"})
)

// ErrUnknownKey is returned when the upsert key is not among the columns.
var ErrUnknownKey = errors.New("upsert key is not a column")

// Config holds database configuration.
type Config struct {
	// Driver selects the dialect: "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`

	// DSN is the connection string (a file path for sqlite).
	DSN string `mapstructure:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// PingTimeout bounds the connectivity check done by Open.
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          "postgres",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		PingTimeout:     10 * time.Second,
	}
}

// SQLStore is a database/sql backed store.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  zerolog.Logger
}

// Open connects and verifies connectivity before any extraction starts.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*SQLStore, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := sql.Open(dialect.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := New(db, dialect, logger)
	pingCtx := ctx
	if cfg.PingTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
	}
	if err := s.Ping(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Str("driver", dialect.Name).Msg("Database connection established")
	return s, nil
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect, logger zerolog.Logger) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, logger: logger}
}

// Dialect returns the store's dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Ping verifies connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect.Name, err)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Upsert writes rows in one transaction: rows whose key exists are fully
// overwritten, others are inserted. Keys must be unique within rows.
// It returns the number of rows written.
func (s *SQLStore) Upsert(ctx context.Context, table, key string, columns []string, rows []entity.Record) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if !contains(columns, key) {
		return 0, fmt.Errorf("%w: %s.%s", ErrUnknownKey, table, key)
	}

	start := time.Now()
	defer func() {
		upsertDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
	}()

	n, err := s.upsertTx(ctx, table, key, columns, rows)
	if err != nil {
		upsertErrorsTotal.WithLabelValues(table).Inc()
		return 0, err
	}

	s.logger.Debug().
		Str("table", table).
		Int("rows", len(rows)).
		Dur("duration", time.Since(start)).
		Msg("Batch upserted")
	return n, nil
}

func (s *SQLStore) upsertTx(ctx context.Context, table, key string, columns []string, rows []entity.Record) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	chunk := s.dialect.MaxParams / len(columns)
	if chunk < 1 {
		chunk = 1
	}

	for lo := 0; lo < len(rows); lo += chunk {
		hi := lo + chunk
		if hi > len(rows) {
			hi = len(rows)
		}
		part := rows[lo:hi]

		args := make([]any, 0, len(part)*len(columns))
		for _, r := range part {
			for _, c := range columns {
				args = append(args, r[c])
			}
		}

		stmt := s.dialect.upsertSQL(table, key, columns, len(part))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return 0, fmt.Errorf("upsert into %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert into %s: %w", table, err)
	}
	return int64(len(rows)), nil
}

// EnsureTable creates the entity's table when missing.
func (s *SQLStore) EnsureTable(ctx context.Context, spec entity.Spec) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.createTableSQL(spec)); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Table, err)
	}
	return nil
}

// Count returns the number of rows in table.
func (s *SQLStore) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+Quote(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Exec runs a maintenance statement (view refresh, analyze).
func (s *SQLStore) Exec(ctx context.Context, stmt string) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("exec post-load statement: %w", err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
