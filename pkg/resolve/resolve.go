// Package resolve joins fact rows to the currently valid surrogate key of
// each dimension. Facts are always resolved against the dimension state as of
// the current run, not as of each fact's original transaction date; point-in-
// time attribution is deliberately out of scope and changing it would
// silently rewrite historical fact attribution.
package resolve

import (
	"time"

	"github.com/malbeclabs/mart/pkg/datedim"
	"github.com/malbeclabs/mart/pkg/merge"
	"github.com/malbeclabs/mart/pkg/schema"
)

// KeyMapping maps a dimension's natural key to its current surrogate key.
// It is derived per run and discarded afterwards.
type KeyMapping map[string]int64

// MappingFromRecords builds the natural key -> surrogate key lookup from a
// dimension's historical table, considering current records only.
func MappingFromRecords(records []merge.Record, spec schema.DimensionSpec) KeyMapping {
	mapping := make(KeyMapping, len(records))
	keyCol := spec.NaturalKeyColumn()
	for _, rec := range records {
		if !rec.IsCurrent {
			continue
		}
		mapping[merge.NaturalKeyString(rec.Values[keyCol])] = rec.SurrogateKey
	}
	return mapping
}

// Fact is one staged transactional row with its natural-key references still
// in place.
type Fact struct {
	OrderID   string
	OrderDate time.Time

	// NaturalKeys maps dimension name -> natural key value.
	NaturalKeys map[string]string

	// Measures maps measure column -> value.
	Measures map[string]float64
}

// ResolvedFact is a fact row with natural keys replaced by surrogate keys.
type ResolvedFact struct {
	OrderID string
	DateKey int32

	// SurrogateKeys maps surrogate key column -> current surrogate key.
	// A nil entry marks an unresolved reference (data-quality fault); the
	// row is kept rather than dropped.
	SurrogateKeys map[string]*int64

	Measures map[string]float64
}

// Result carries the resolved rows and the data-quality fault count.
type Result struct {
	Facts []ResolvedFact

	// Unresolved counts natural-key lookups that found no current
	// dimension record.
	Unresolved int
}

// Facts resolves every fact row against the given per-dimension mappings.
// Dimensions without a mapping (e.g. skipped earlier in the run) yield nil
// surrogates without counting as data-quality faults; a missing natural key
// within a present mapping does count. No row is ever dropped.
func Facts(facts []Fact, mappings map[string]KeyMapping, dims []schema.DimensionSpec) Result {
	res := Result{Facts: make([]ResolvedFact, 0, len(facts))}
	for _, fact := range facts {
		resolved := ResolvedFact{
			OrderID:       fact.OrderID,
			SurrogateKeys: make(map[string]*int64, len(dims)),
			Measures:      fact.Measures,
		}
		if !fact.OrderDate.IsZero() {
			resolved.DateKey = datedim.Key(fact.OrderDate)
		}
		for _, dim := range dims {
			mapping, ok := mappings[dim.Name]
			if !ok {
				resolved.SurrogateKeys[dim.SurrogateKeyColumn] = nil
				continue
			}
			nk, ok := fact.NaturalKeys[dim.Name]
			if !ok {
				resolved.SurrogateKeys[dim.SurrogateKeyColumn] = nil
				res.Unresolved++
				continue
			}
			key, ok := mapping[nk]
			if !ok {
				resolved.SurrogateKeys[dim.SurrogateKeyColumn] = nil
				res.Unresolved++
				continue
			}
			resolved.SurrogateKeys[dim.SurrogateKeyColumn] = &key
		}
		res.Facts = append(res.Facts, resolved)
	}
	return res
}
