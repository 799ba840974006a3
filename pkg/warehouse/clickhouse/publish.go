package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/mart/pkg/warehouse"
)

// Publish stages every table of the batch under a stg_ name, then swaps all
// of them in with EXCHANGE TABLES. Staging failures abort before any swap, so
// a failed run leaves every published table untouched. The swaps themselves
// are atomic per table; staging everything first keeps the window in which
// tables of one run can be observed together as small as ClickHouse allows.
func (w *Warehouse) Publish(ctx context.Context, batch warehouse.PublishBatch) error {
	conn, err := w.cfg.Client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	syncCtx := ContextWithSyncInsert(ctx)

	var staged []string

	for _, dim := range batch.Dimensions {
		table := dim.Spec.TableName()
		if err := w.stageDimension(syncCtx, conn, dim); err != nil {
			return fmt.Errorf("failed to stage dimension %s: %w", table, err)
		}
		staged = append(staged, table)
	}

	dateTable := "dim_date"
	if err := w.stageDateDimension(syncCtx, conn, dateTable, batch); err != nil {
		return fmt.Errorf("failed to stage date dimension: %w", err)
	}
	staged = append(staged, dateTable)

	factTable := batch.Registry.Fact.TableName()
	if err := w.stageFacts(syncCtx, conn, factTable, batch); err != nil {
		return fmt.Errorf("failed to stage fact table %s: %w", factTable, err)
	}
	staged = append(staged, factTable)

	for _, table := range staged {
		stg := stagingTableName(table)
		if err := conn.Exec(syncCtx, fmt.Sprintf("EXCHANGE TABLES %s AND %s", stg, table)); err != nil {
			return fmt.Errorf("failed to swap %s into place: %w", table, err)
		}
		// stg now holds the previous table contents.
		if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", stg)); err != nil {
			w.log.Warn("failed to drop staging table after swap", "table", stg, "error", err)
		}
	}

	if err := w.recordRun(syncCtx, conn, batch); err != nil {
		// The batch is already visible; a missed audit row is not fatal.
		w.log.Warn("failed to record run audit row", "run_id", batch.RunID, "error", err)
	}

	w.log.Info("published batch",
		"run_id", batch.RunID,
		"dimensions", len(batch.Dimensions),
		"date_rows", len(batch.DateDimension),
		"fact_rows", len(batch.Facts),
		"unresolved_facts", batch.UnresolvedFacts,
	)
	return nil
}

func (w *Warehouse) stageDimension(ctx context.Context, conn Connection, dim warehouse.DimensionTable) error {
	table := dim.Spec.TableName()
	stg := stagingTableName(table)
	cols := dimensionColumns(dim.Spec)

	if err := w.prepareStaging(ctx, conn, table, stg, dimensionDDL(table, dim.Spec), dimensionDDL(stg, dim.Spec)); err != nil {
		return err
	}

	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", stg, strings.Join(cols, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare staging batch: %w", err)
	}
	defer batch.Close()

	for i, rec := range dim.Records {
		row := make([]any, 0, len(cols))
		for _, col := range dim.Spec.TrackedColumns {
			row = append(row, nullableString(rec.Values[col]))
		}
		isCurrent := uint8(0)
		if rec.IsCurrent {
			isCurrent = 1
		}
		row = append(row, rec.SurrogateKey, rec.EffectiveDate, rec.ExpiryDate, isCurrent)
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append dimension row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send staging batch: %w", err)
	}

	w.log.Debug("staged dimension", "table", table, "rows", len(dim.Records))
	return nil
}

func (w *Warehouse) stageDateDimension(ctx context.Context, conn Connection, table string, b warehouse.PublishBatch) error {
	stg := stagingTableName(table)
	if err := w.prepareStaging(ctx, conn, table, stg, dateDimensionDDL(table), dateDimensionDDL(stg)); err != nil {
		return err
	}

	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", stg, strings.Join(dateDimensionColumns(), ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare staging batch: %w", err)
	}
	defer batch.Close()

	for i, rec := range b.DateDimension {
		err := batch.Append(rec.DateKey, rec.Date, int32(rec.Year), int32(rec.Quarter), int32(rec.Month), int32(rec.Weekday))
		if err != nil {
			return fmt.Errorf("failed to append date row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send staging batch: %w", err)
	}

	w.log.Debug("staged date dimension", "table", table, "rows", len(b.DateDimension))
	return nil
}

func (w *Warehouse) stageFacts(ctx context.Context, conn Connection, table string, b warehouse.PublishBatch) error {
	stg := stagingTableName(table)
	if err := w.prepareStaging(ctx, conn, table, stg, factDDL(table, b.Registry), factDDL(stg, b.Registry)); err != nil {
		return err
	}

	cols := factColumns(b.Registry)
	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", stg, strings.Join(cols, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare staging batch: %w", err)
	}
	defer batch.Close()

	for i, fact := range b.Facts {
		row := make([]any, 0, len(cols))
		row = append(row, fact.OrderID, fact.DateKey)
		for _, dim := range b.Registry.Dimensions {
			row = append(row, fact.SurrogateKeys[dim.SurrogateKeyColumn])
		}
		for _, col := range b.Registry.Fact.MeasureColumns {
			row = append(row, fact.Measures[col])
		}
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append fact row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send staging batch: %w", err)
	}

	w.log.Debug("staged facts", "table", table, "rows", len(b.Facts))
	return nil
}

// prepareStaging makes sure the target table exists (EXCHANGE requires both
// sides) and recreates the staging table from scratch.
func (w *Warehouse) prepareStaging(ctx context.Context, conn Connection, table, stg, targetDDL, stagingDDL string) error {
	if err := conn.Exec(ctx, targetDDL); err != nil {
		return fmt.Errorf("failed to ensure target table %s: %w", table, err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", stg)); err != nil {
		return fmt.Errorf("failed to drop stale staging table %s: %w", stg, err)
	}
	if err := conn.Exec(ctx, stagingDDL); err != nil {
		return fmt.Errorf("failed to create staging table %s: %w", stg, err)
	}
	return nil
}

func (w *Warehouse) recordRun(ctx context.Context, conn Connection, b warehouse.PublishBatch) error {
	return conn.Exec(ctx, `
		INSERT INTO mart_runs (run_id, as_of, published_at, dimensions, date_rows, fact_rows, unresolved_facts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		b.RunID.String(),
		b.AsOf,
		time.Now().UTC().Truncate(time.Millisecond),
		uint32(len(b.Dimensions)),
		uint32(len(b.DateDimension)),
		uint32(len(b.Facts)),
		uint32(b.UnresolvedFacts),
	)
}

func nullableString(v any) *string {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprintf("%v", v)
	}
	return &s
}
