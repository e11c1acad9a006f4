// Package postgres persists run reports in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "lyricsdb_runs"

// Config controls the Postgres connection pool used for run reports.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements lyrics.RunLog.
type Store struct {
	pool  pool
	table string
}

// New connects to Postgres and ensures the runs table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("runlog.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p, table: table}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the runs table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id      TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL,
	report      JSONB NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	return nil
}

// SaveRun inserts or replaces the report for report.RunID.
func (s *Store) SaveRun(ctx context.Context, report lyrics.RunReport) error {
	if report.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	var finished *time.Time
	if !report.FinishedAt.IsZero() {
		finished = &report.FinishedAt
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, started_at, finished_at, status, report)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (run_id) DO UPDATE
SET finished_at = EXCLUDED.finished_at, status = EXCLUDED.status, report = EXCLUDED.report`, s.table)
	if _, err := s.pool.Exec(ctx, query, report.RunID, report.StartedAt, finished, string(report.Status), body); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun loads one report.
func (s *Store) GetRun(ctx context.Context, runID string) (lyrics.RunReport, error) {
	query := fmt.Sprintf(`SELECT report FROM %s WHERE run_id = $1`, s.table)
	var body []byte
	if err := s.pool.QueryRow(ctx, query, runID).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lyrics.RunReport{}, lyrics.ErrNotFound
		}
		return lyrics.RunReport{}, fmt.Errorf("get run: %w", err)
	}
	var report lyrics.RunReport
	if err := json.Unmarshal(body, &report); err != nil {
		return lyrics.RunReport{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return report, nil
}

// ListRuns returns up to limit reports, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]lyrics.RunReport, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT report FROM %s ORDER BY started_at DESC, run_id DESC LIMIT $1`, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var reports []lyrics.RunReport
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var report lyrics.RunReport
		if err := json.Unmarshal(body, &report); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return reports, nil
}
