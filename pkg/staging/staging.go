// Package staging reads the fully materialized transactional batch from the
// staging store. The pipeline consumes whole snapshots per run; there is no
// streaming or partial-read contract. The staging store also owns the run
// lock that serializes pipeline runs against a shared warehouse.
package staging

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Row is one denormalized staging row keyed by column name. Values are
// normalized: byte slices become strings, SQL nulls become nil.
type Row map[string]any

// Columns returns the set of column names present in the batch, taken from
// the first row. An empty batch has no columns.
func Columns(batch []Row) map[string]struct{} {
	cols := make(map[string]struct{})
	if len(batch) == 0 {
		return cols
	}
	for col := range batch[0] {
		cols[col] = struct{}{}
	}
	return cols
}

// Source provides the staging batch and the run lock.
type Source interface {
	// FetchBatch returns the full staging snapshot.
	FetchBatch(ctx context.Context) ([]Row, error)

	// AcquireRunLock attempts to take the advisory run lock without
	// blocking. Returns false when another run holds it.
	AcquireRunLock(ctx context.Context) (bool, error)

	// ReleaseRunLock releases the advisory run lock.
	ReleaseRunLock(ctx context.Context) error

	Close() error
}

// normalizeValue maps driver scan values to the small set of types the rest
// of the pipeline handles: nil, string, int64, float64, bool, time.Time.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseDate coerces a normalized staging value into a date. String values
// accept the common SQL date layouts; drivers configured to scan dates as
// time.Time pass through.
func ParseDate(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// ParseFloat coerces a normalized staging value into a float64 measure.
func ParseFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
