package pipeline

import (
	"time"

	"github.com/malbeclabs/mart/pkg/merge"
	"github.com/malbeclabs/mart/pkg/resolve"
	"github.com/malbeclabs/mart/pkg/schema"
	"github.com/malbeclabs/mart/pkg/staging"
)

// missingColumns returns the tracked columns a dimension needs that the
// staging batch does not carry. Any missing column skips the whole dimension
// for the run (recoverable configuration fault).
func missingColumns(cols map[string]struct{}, spec schema.DimensionSpec) []string {
	var missing []string
	for _, col := range spec.TrackedColumns {
		if _, ok := cols[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}

// incomingRows derives the deduplicated dimension snapshot from the staging
// batch: distinct by natural key, first occurrence wins. Values are
// canonicalized to strings (nil kept as nil) so that change detection
// compares equal against history read back from the warehouse.
func incomingRows(batch []staging.Row, spec schema.DimensionSpec) []merge.Row {
	keyCol := spec.NaturalKeyColumn()
	seen := make(map[string]struct{}, len(batch))
	var rows []merge.Row
	for _, src := range batch {
		nk := merge.NaturalKeyString(src[keyCol])
		if _, ok := seen[nk]; ok {
			continue
		}
		seen[nk] = struct{}{}

		row := make(merge.Row, len(spec.TrackedColumns))
		for _, col := range spec.TrackedColumns {
			row[col] = canonicalValue(src[col])
		}
		rows = append(rows, row)
	}
	return rows
}

func canonicalValue(v any) any {
	if v == nil {
		return nil
	}
	return merge.NaturalKeyString(v)
}

// extractFacts turns the staging batch into fact rows plus the distinct dates
// feeding the calendar dimension. Rows with an unparseable date are kept with
// a zero date (counted as bad); measures default to zero when absent, the
// same treatment the staging loader applies to missing numerics.
func extractFacts(batch []staging.Row, registry schema.Registry) (facts []resolve.Fact, dates []time.Time, badDates int) {
	fact := registry.Fact
	for _, src := range batch {
		f := resolve.Fact{
			OrderID:     merge.NaturalKeyString(src[fact.OrderIDColumn]),
			NaturalKeys: make(map[string]string, len(registry.Dimensions)),
			Measures:    make(map[string]float64, len(fact.MeasureColumns)),
		}

		if t, ok := staging.ParseDate(src[fact.DateColumn]); ok {
			f.OrderDate = t
			dates = append(dates, t)
		} else {
			badDates++
		}

		for _, dim := range registry.Dimensions {
			if v, ok := src[dim.NaturalKeyColumn()]; ok {
				f.NaturalKeys[dim.Name] = merge.NaturalKeyString(v)
			}
		}

		for _, col := range fact.MeasureColumns {
			if v, ok := staging.ParseFloat(src[col]); ok {
				f.Measures[col] = v
			} else {
				f.Measures[col] = 0
			}
		}

		facts = append(facts, f)
	}
	return facts, dates, badDates
}
