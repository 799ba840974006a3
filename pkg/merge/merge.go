// Package merge implements the SCD type-2 dimensional merge: given a
// dimension's historical table and a deduplicated snapshot of incoming rows,
// it detects new, changed and unchanged entities, mints monotonically
// increasing surrogate keys, and closes superseded records. The merge is a
// pure in-memory transform; staging and warehouse I/O live elsewhere.
package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/malbeclabs/mart/pkg/schema"
)

// Record is one row of a dimension's historical table.
type Record struct {
	// SurrogateKey is unique per dimension, assigned monotonically and
	// never reused.
	SurrogateKey int64

	// Values holds the tracked columns, natural key included.
	Values map[string]any

	EffectiveDate time.Time

	// ExpiryDate is nil while the record is open.
	ExpiryDate *time.Time

	IsCurrent bool
}

// Row is one deduplicated incoming snapshot row: natural key plus current
// attribute values, no surrogate key yet.
type Row map[string]any

// Result is the outcome of one dimension merge.
type Result struct {
	// Records is the updated historical table: prior rows (changed rows
	// closed in place) followed by freshly minted current rows.
	Records []Record

	New       int
	Changed   int
	Unchanged int
}

// InvariantViolationError reports more than one current record for a natural
// key in the existing history. This indicates prior corruption; the run must
// abort rather than compound it.
type InvariantViolationError struct {
	Dimension  string
	NaturalKey string
	Count      int
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("dimension %q: natural key %q has %d current records, expected at most 1", e.Dimension, e.NaturalKey, e.Count)
}

// Merge produces the updated historical table for one dimension.
//
// Existing records are never removed; a changed entity's current record is
// closed (expiry set to asOf) and superseded by a new current record with a
// freshly incremented surrogate key. A natural key present in existing but
// absent from incoming is left untouched: the merge reacts to observed
// changes, not disappearances. The existing slice itself is not mutated.
//
// Incoming rows must be deduplicated by natural key by the caller; rows are
// processed in natural-key sort order so that identical input always yields
// identical output, including first-run key assignment (dense from 1).
// asOf is a single timestamp shared by the whole batch.
func Merge(existing []Record, incoming []Row, spec schema.DimensionSpec, asOf time.Time) (Result, error) {
	keyCol := spec.NaturalKeyColumn()

	out := make([]Record, len(existing))
	copy(out, existing)

	// Index current records by natural key. Linear instead of rescanning
	// existing per incoming row.
	currentByKey := make(map[string]int, len(out))
	var maxKey int64
	for i, rec := range out {
		if rec.SurrogateKey > maxKey {
			maxKey = rec.SurrogateKey
		}
		if !rec.IsCurrent {
			continue
		}
		nk := NaturalKeyString(rec.Values[keyCol])
		if _, ok := currentByKey[nk]; ok {
			return Result{}, &InvariantViolationError{Dimension: spec.Name, NaturalKey: nk, Count: 2}
		}
		currentByKey[nk] = i
	}

	ordered := make([]Row, len(incoming))
	copy(ordered, incoming)
	sort.SliceStable(ordered, func(i, j int) bool {
		return NaturalKeyString(ordered[i][keyCol]) < NaturalKeyString(ordered[j][keyCol])
	})

	res := Result{}
	seen := make(map[string]struct{}, len(ordered))
	for _, row := range ordered {
		nk := NaturalKeyString(row[keyCol])
		if _, dup := seen[nk]; dup {
			return Result{}, fmt.Errorf("dimension %q: incoming batch has duplicate natural key %q", spec.Name, nk)
		}
		seen[nk] = struct{}{}

		idx, ok := currentByKey[nk]
		if !ok {
			// Brand-new entity.
			maxKey++
			out = append(out, newRecord(spec, row, maxKey, asOf))
			res.New++
			continue
		}

		cur := &out[idx]
		if attrsHash(spec, cur.Values) == attrsHash(spec, Row(row)) {
			res.Unchanged++
			continue
		}

		// Changed: close the current record in place and supersede it.
		expiry := asOf
		cur.ExpiryDate = &expiry
		cur.IsCurrent = false
		maxKey++
		out = append(out, newRecord(spec, row, maxKey, asOf))
		res.Changed++
	}

	res.Records = out
	return res, nil
}

func newRecord(spec schema.DimensionSpec, row Row, key int64, asOf time.Time) Record {
	values := make(map[string]any, len(spec.TrackedColumns))
	for _, col := range spec.TrackedColumns {
		values[col] = row[col]
	}
	return Record{
		SurrogateKey:  key,
		Values:        values,
		EffectiveDate: asOf,
		ExpiryDate:    nil,
		IsCurrent:     true,
	}
}
