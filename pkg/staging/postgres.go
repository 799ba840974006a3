package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/zeebo/xxh3"
)

type PostgresConfig struct {
	Logger *slog.Logger

	// DSN is a pgx connection string (postgresql://...).
	DSN string

	// Table is the staging table holding the denormalized batch.
	Table string

	// LockName names the advisory lock serializing runs; it is hashed to
	// the int64 key pg_try_advisory_lock expects.
	LockName string
}

func (cfg *PostgresConfig) Validate() error {
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

// PostgresSource reads the staging batch from a Postgres staging store.
// It keeps a single session connection so the advisory run lock is held for
// the whole run.
type PostgresSource struct {
	log  *slog.Logger
	cfg  PostgresConfig
	conn *pgx.Conn
}

func NewPostgresSource(ctx context.Context, cfg PostgresConfig) (*PostgresSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres staging store: %w", err)
	}
	cfg.Logger.Info("postgres staging source initialized", "table", cfg.Table)
	return &PostgresSource{log: cfg.Logger, cfg: cfg, conn: conn}, nil
}

func (s *PostgresSource) FetchBatch(ctx context.Context) ([]Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s", s.cfg.Table)
	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query staging table %s: %w", s.cfg.Table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var batch []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to scan staging row: %w", err)
		}
		row := make(Row, len(fields))
		for i, field := range fields {
			row[field.Name] = normalizeValue(values[i])
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staging rows: %w", err)
	}

	s.log.Debug("fetched staging batch", "table", s.cfg.Table, "rows", len(batch))
	return batch, nil
}

func (s *PostgresSource) AcquireRunLock(ctx context.Context) (bool, error) {
	var got bool
	if err := s.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", s.lockKey()).Scan(&got); err != nil {
		return false, fmt.Errorf("failed to acquire run lock %q: %w", s.cfg.LockName, err)
	}
	return got, nil
}

func (s *PostgresSource) ReleaseRunLock(ctx context.Context) error {
	var released bool
	if err := s.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", s.lockKey()).Scan(&released); err != nil {
		return fmt.Errorf("failed to release run lock %q: %w", s.cfg.LockName, err)
	}
	return nil
}

func (s *PostgresSource) lockKey() int64 {
	return int64(xxh3.HashString(s.cfg.LockName))
}

func (s *PostgresSource) Close() error {
	return s.conn.Close(context.Background())
}
