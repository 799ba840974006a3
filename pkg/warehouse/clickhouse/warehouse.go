package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/mart/pkg/merge"
	"github.com/malbeclabs/mart/pkg/schema"
	"github.com/malbeclabs/mart/pkg/warehouse"
)

type Config struct {
	Logger *slog.Logger
	Client Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("clickhouse client is required")
	}
	return nil
}

// Warehouse implements warehouse.Warehouse on ClickHouse.
type Warehouse struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Warehouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Warehouse{log: cfg.Logger, cfg: cfg}, nil
}

// FetchDimension reads the dimension's full historical table, ordered by
// surrogate key. A missing table means first run and yields an empty history.
func (w *Warehouse) FetchDimension(ctx context.Context, spec schema.DimensionSpec) ([]merge.Record, error) {
	conn, err := w.cfg.Client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}

	table := spec.TableName()
	exists, err := tableExists(ctx, conn, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		w.log.Debug("dimension table does not exist yet", "table", table)
		return nil, nil
	}

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(dimensionColumns(spec), ", "), table, spec.SurrogateKeyColumn)
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query dimension table %s: %w", table, err)
	}
	defer rows.Close()

	var records []merge.Record
	for rows.Next() {
		tracked := make([]*string, len(spec.TrackedColumns))
		targets := make([]any, 0, len(tracked)+4)
		for i := range tracked {
			targets = append(targets, &tracked[i])
		}
		var (
			surrogateKey  int64
			effectiveDate time.Time
			expiryDate    *time.Time
			isCurrent     uint8
		)
		targets = append(targets, &surrogateKey, &effectiveDate, &expiryDate, &isCurrent)
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan dimension row from %s: %w", table, err)
		}

		values := make(map[string]any, len(spec.TrackedColumns))
		for i, col := range spec.TrackedColumns {
			if tracked[i] == nil {
				values[col] = nil
			} else {
				values[col] = *tracked[i]
			}
		}
		records = append(records, merge.Record{
			SurrogateKey:  surrogateKey,
			Values:        values,
			EffectiveDate: effectiveDate,
			ExpiryDate:    expiryDate,
			IsCurrent:     isCurrent != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dimension rows from %s: %w", table, err)
	}

	w.log.Debug("fetched dimension history", "table", table, "rows", len(records))
	return records, nil
}

func (w *Warehouse) Close() error {
	return w.cfg.Client.Close()
}

func tableExists(ctx context.Context, conn Connection, table string) (bool, error) {
	rows, err := conn.Query(ctx, fmt.Sprintf("EXISTS TABLE %s", table))
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	defer rows.Close()
	if rows.Next() {
		var exists uint8
		if err := rows.Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to scan table existence for %s: %w", table, err)
		}
		return exists != 0, nil
	}
	return false, nil
}

var _ warehouse.Warehouse = (*Warehouse)(nil)
