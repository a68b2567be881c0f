// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package warehouse provides read-only DuckDB access to the analytical
// warehouse. Lateflow owns none of the warehouse schema; it only issues
// comparison and completeness queries against tables named in
// configuration.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver

	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/metrics"
)

// Config configures the DuckDB connection.
type Config struct {
	// Path is the database file; empty opens an in-memory database.
	Path      string
	ReadOnly  bool
	Threads   int
	MaxMemory string
}

// Querier is the subset of *sql.DB used by warehouse consumers.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is a DuckDB handle.
type DB struct {
	conn *sql.DB
	cfg  Config
}

// Open connects to DuckDB and verifies the connection.
func Open(cfg Config) (*DB, error) {
	conn, err := sql.Open("duckdb", connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	conn.SetConnMaxIdleTime(5 * time.Minute)

	if cfg.Path != "" {
		logging.Info().
			Str("path", cfg.Path).
			Bool("read_only", cfg.ReadOnly).
			Msg("warehouse connected")
	}
	return &DB{conn: conn, cfg: cfg}, nil
}

// OpenInMemory opens a private writable in-memory database. Tests use it
// to seed fixture tables.
func OpenInMemory() (*DB, error) {
	return Open(Config{})
}

func connString(cfg Config) string {
	params := url.Values{}
	if cfg.Path != "" && cfg.ReadOnly {
		params.Set("access_mode", "read_only")
	}
	if cfg.Threads > 0 {
		params.Set("threads", strconv.Itoa(cfg.Threads))
	}
	if cfg.MaxMemory != "" {
		params.Set("max_memory", cfg.MaxMemory)
	}
	if len(params) == 0 {
		return cfg.Path
	}
	return cfg.Path + "?" + params.Encode()
}

// QueryContext implements Querier.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext implements Querier.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// Exec runs a statement. The warehouse is read-only in production; Exec
// exists for fixtures and local development databases.
func (db *DB) Exec(ctx context.Context, query string, args ...any) error {
	_, err := db.conn.ExecContext(ctx, query, args...)
	return err
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Strings runs a single-column query and returns every value as a string,
// recording duration and errors under operation.
func Strings(ctx context.Context, q Querier, operation, query string, args ...any) ([]string, error) {
	start := time.Now()
	out, err := scanStrings(ctx, q, query, args...)
	metrics.RecordWarehouseQuery(operation, time.Since(start), err)
	return out, err
}

func scanStrings(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer closeWithLog(rows, "rows")

	var out []string
	for rows.Next() {
		var s sql.NullString
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		if s.Valid {
			out = append(out, s.String)
		}
	}
	return out, rows.Err()
}

// Int64 runs a single-value query, recording duration and errors.
func Int64(ctx context.Context, q Querier, operation, query string, args ...any) (int64, error) {
	start := time.Now()
	var n sql.NullInt64
	err := q.QueryRowContext(ctx, query, args...).Scan(&n)
	metrics.RecordWarehouseQuery(operation, time.Since(start), err)
	if err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// Rows runs query and calls scan for each row, recording duration and
// errors.
func Rows(ctx context.Context, q Querier, operation, query string, scan func(*sql.Rows) error, args ...any) error {
	start := time.Now()
	err := forEachRow(ctx, q, query, scan, args...)
	metrics.RecordWarehouseQuery(operation, time.Since(start), err)
	return err
}

func forEachRow(ctx context.Context, q Querier, query string, scan func(*sql.Rows) error, args ...any) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer closeWithLog(rows, "rows")
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func closeWithLog(closer io.Closer, resourceType string) {
	if err := closer.Close(); err != nil {
		logging.Warn().Str("type", resourceType).Err(err).Msg("failed to close resource")
	}
}

func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}
