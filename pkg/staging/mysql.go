package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
)

const defaultLockName = "mart_etl_run"

type MySQLConfig struct {
	Logger *slog.Logger

	// DSN is the go-sql-driver/mysql DSN. Include parseTime=true so date
	// columns scan as time.Time.
	DSN string

	// Table is the staging table holding the denormalized batch
	// (e.g. "staging_sales").
	Table string

	// LockName names the MySQL advisory lock serializing runs.
	LockName string
}

func (cfg *MySQLConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("dsn is required")
	}
	if cfg.Table == "" {
		return errors.New("staging table is required")
	}
	if cfg.LockName == "" {
		cfg.LockName = defaultLockName
	}
	return nil
}

// MySQLSource reads the staging batch from a MySQL staging store and holds
// the run lock via GET_LOCK.
type MySQLSource struct {
	log *slog.Logger
	cfg MySQLConfig
	db  *sql.DB
}

func NewMySQLSource(ctx context.Context, cfg MySQLConfig) (*MySQLSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql staging store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql staging store: %w", err)
	}
	// GET_LOCK is session scoped; keep a single connection so the lock
	// survives for the whole run.
	db.SetMaxOpenConns(1)

	cfg.Logger.Info("mysql staging source initialized", "table", cfg.Table)
	return &MySQLSource{log: cfg.Logger, cfg: cfg, db: db}, nil
}

func (s *MySQLSource) FetchBatch(ctx context.Context) ([]Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s", s.cfg.Table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query staging table %s: %w", s.cfg.Table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read staging columns: %w", err)
	}

	var batch []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan staging row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staging rows: %w", err)
	}

	s.log.Debug("fetched staging batch", "table", s.cfg.Table, "rows", len(batch))
	return batch, nil
}

func (s *MySQLSource) AcquireRunLock(ctx context.Context) (bool, error) {
	var got sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", s.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("failed to acquire run lock %q: %w", s.cfg.LockName, err)
	}
	return got.Valid && got.Int64 == 1, nil
}

func (s *MySQLSource) ReleaseRunLock(ctx context.Context) error {
	var released sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", s.cfg.LockName).Scan(&released); err != nil {
		return fmt.Errorf("failed to release run lock %q: %w", s.cfg.LockName, err)
	}
	return nil
}

func (s *MySQLSource) Close() error {
	return s.db.Close()
}
