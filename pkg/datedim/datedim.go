// Package datedim builds the calendar dimension. Dates are immutable facts,
// so the dimension carries no history: it is rebuilt and fully replaced each
// run from the distinct dates observed in the batch.
package datedim

import (
	"sort"
	"time"
)

// Record is one calendar dimension row. The date key doubles as the
// surrogate key; no effective/expiry/current fields apply.
type Record struct {
	// DateKey is the integer YYYYMMDD encoding of Date.
	DateKey int32

	Date time.Time

	Year    int
	Quarter int // 1-4
	Month   int // 1-12

	// Weekday uses the Monday=0 .. Sunday=6 convention.
	Weekday int
}

// Key returns the integer YYYYMMDD date key for t.
func Key(t time.Time) int32 {
	y, m, d := t.Date()
	return int32(y*10000 + int(m)*100 + d)
}

// Build derives calendar records from the given dates, deduplicated by
// calendar day and sorted ascending by date key. Time-of-day and zone are
// dropped; only the date components matter.
func Build(dates []time.Time) []Record {
	byKey := make(map[int32]time.Time, len(dates))
	for _, t := range dates {
		y, m, d := t.Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		byKey[Key(day)] = day
	}

	keys := make([]int32, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		day := byKey[k]
		records = append(records, Record{
			DateKey: k,
			Date:    day,
			Year:    day.Year(),
			Quarter: (int(day.Month())-1)/3 + 1,
			Month:   int(day.Month()),
			Weekday: (int(day.Weekday()) + 6) % 7,
		})
	}
	return records
}
