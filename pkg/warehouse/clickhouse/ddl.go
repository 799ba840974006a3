package clickhouse

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/mart/pkg/schema"
)

// Tracked attribute values are stored as Nullable(String): the merge engine
// compares normalized string values and nil must round-trip as nil.

func stagingTableName(table string) string {
	return "stg_" + table
}

func dimensionColumns(spec schema.DimensionSpec) []string {
	cols := make([]string, 0, len(spec.TrackedColumns)+4)
	cols = append(cols, spec.TrackedColumns...)
	cols = append(cols, spec.SurrogateKeyColumn, "effective_date", "expiry_date", "is_current")
	return cols
}

func dimensionDDL(table string, spec schema.DimensionSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	for _, col := range spec.TrackedColumns {
		fmt.Fprintf(&b, "\t%s Nullable(String),\n", col)
	}
	fmt.Fprintf(&b, "\t%s Int64,\n", spec.SurrogateKeyColumn)
	b.WriteString("\teffective_date Date,\n")
	b.WriteString("\texpiry_date Nullable(Date),\n")
	b.WriteString("\tis_current UInt8\n")
	fmt.Fprintf(&b, ") ENGINE = MergeTree()\nORDER BY %s", spec.SurrogateKeyColumn)
	return b.String()
}

func dateDimensionColumns() []string {
	return []string{"date_key", "date", "year", "quarter", "month", "weekday"}
}

func dateDimensionDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	date_key Int32,
	date Date,
	year Int32,
	quarter Int32,
	month Int32,
	weekday Int32
) ENGINE = MergeTree()
ORDER BY date_key`, table)
}

func factColumns(registry schema.Registry) []string {
	cols := []string{registry.Fact.OrderIDColumn, "date_key"}
	for _, dim := range registry.Dimensions {
		cols = append(cols, dim.SurrogateKeyColumn)
	}
	cols = append(cols, registry.Fact.MeasureColumns...)
	return cols
}

func factDDL(table string, registry schema.Registry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	fmt.Fprintf(&b, "\t%s String,\n", registry.Fact.OrderIDColumn)
	b.WriteString("\tdate_key Int32,\n")
	for _, dim := range registry.Dimensions {
		// Nullable: unresolved natural keys publish as NULL rather than
		// dropping the row.
		fmt.Fprintf(&b, "\t%s Nullable(Int64),\n", dim.SurrogateKeyColumn)
	}
	for i, col := range registry.Fact.MeasureColumns {
		fmt.Fprintf(&b, "\t%s Float64", col)
		if i < len(registry.Fact.MeasureColumns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, ") ENGINE = MergeTree()\nORDER BY %s", registry.Fact.OrderIDColumn)
	return b.String()
}
