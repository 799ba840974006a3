package merge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/mart/pkg/schema"
)

func testSpec() schema.DimensionSpec {
	return schema.DimensionSpec{
		Name:               "customer",
		TrackedColumns:     []string{"customer_id", "customer_name", "segment"},
		Versioned:          true,
		SurrogateKeyColumn: "customer_key",
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMart_Merge_FirstLoad(t *testing.T) {
	t.Parallel()
	spec := testSpec()
	asOf := day(2026, 1, 10)

	incoming := []Row{
		{"customer_id": "C3", "customer_name": "Carol", "segment": "Consumer"},
		{"customer_id": "C1", "customer_name": "Alice", "segment": "Corporate"},
		{"customer_id": "C2", "customer_name": "Bob", "segment": "Consumer"},
	}

	res, err := Merge(nil, incoming, spec, asOf)
	require.NoError(t, err)
	require.Equal(t, 3, res.New)
	require.Equal(t, 0, res.Changed)
	require.Equal(t, 0, res.Unchanged)
	require.Len(t, res.Records, 3)

	// Keys are dense from 1, assigned in natural-key order regardless of
	// input order.
	require.Equal(t, int64(1), res.Records[0].SurrogateKey)
	require.Equal(t, "C1", res.Records[0].Values["customer_id"])
	require.Equal(t, int64(2), res.Records[1].SurrogateKey)
	require.Equal(t, "C2", res.Records[1].Values["customer_id"])
	require.Equal(t, int64(3), res.Records[2].SurrogateKey)
	require.Equal(t, "C3", res.Records[2].Values["customer_id"])

	for _, rec := range res.Records {
		require.True(t, rec.IsCurrent)
		require.Nil(t, rec.ExpiryDate)
		require.Equal(t, asOf, rec.EffectiveDate)
	}
}

func TestMart_Merge_IdenticalRerunIsNoOp(t *testing.T) {
	t.Parallel()
	spec := testSpec()

	incoming := []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "Corporate"},
		{"customer_id": "C2", "customer_name": "Bob", "segment": "Consumer"},
	}

	first, err := Merge(nil, incoming, spec, day(2026, 1, 10))
	require.NoError(t, err)

	second, err := Merge(first.Records, incoming, spec, day(2026, 1, 11))
	require.NoError(t, err)
	require.Equal(t, 0, second.New)
	require.Equal(t, 0, second.Changed)
	require.Equal(t, 2, second.Unchanged)
	require.Equal(t, first.Records, second.Records)
}

func TestMart_Merge_ChangedAttributeClosesAndSupersedes(t *testing.T) {
	t.Parallel()
	spec := testSpec()
	firstDay := day(2026, 1, 10)
	secondDay := day(2026, 2, 1)

	first, err := Merge(nil, []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "Corporate"},
		{"customer_id": "C2", "customer_name": "Bob", "segment": "Consumer"},
	}, spec, firstDay)
	require.NoError(t, err)

	second, err := Merge(first.Records, []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "Home Office"},
		{"customer_id": "C2", "customer_name": "Bob", "segment": "Consumer"},
	}, spec, secondDay)
	require.NoError(t, err)
	require.Equal(t, 0, second.New)
	require.Equal(t, 1, second.Changed)
	require.Equal(t, 1, second.Unchanged)
	require.Len(t, second.Records, 3)

	// The old C1 record is closed in place, expiry matching the new
	// record's effective date.
	old := second.Records[0]
	require.Equal(t, int64(1), old.SurrogateKey)
	require.False(t, old.IsCurrent)
	require.NotNil(t, old.ExpiryDate)
	require.Equal(t, secondDay, *old.ExpiryDate)
	require.Equal(t, "Corporate", old.Values["segment"])

	// The successor gets max existing key + 1, never a reused key.
	successor := second.Records[2]
	require.Equal(t, int64(3), successor.SurrogateKey)
	require.True(t, successor.IsCurrent)
	require.Nil(t, successor.ExpiryDate)
	require.Equal(t, secondDay, successor.EffectiveDate)
	require.Equal(t, "Home Office", successor.Values["segment"])

	// History is append-only: two records for C1, one current.
	var c1Current int
	for _, rec := range second.Records {
		if rec.Values["customer_id"] == "C1" && rec.IsCurrent {
			c1Current++
		}
	}
	require.Equal(t, 1, c1Current)
}

func TestMart_Merge_NewEntityAlongsideExisting(t *testing.T) {
	t.Parallel()
	spec := testSpec()

	first, err := Merge(nil, []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "Corporate"},
	}, spec, day(2026, 1, 10))
	require.NoError(t, err)

	second, err := Merge(first.Records, []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "Corporate"},
		{"customer_id": "C9", "customer_name": "Zed", "segment": "Consumer"},
	}, spec, day(2026, 1, 11))
	require.NoError(t, err)
	require.Equal(t, 1, second.New)
	require.Equal(t, 1, second.Unchanged)
	require.Len(t, second.Records, 2)
	require.Equal(t, int64(2), second.Records[1].SurrogateKey)
	require.Equal(t, "C9", second.Records[1].Values["customer_id"])
}

func TestMart_Merge_AbsentKeyLeftUntouched(t *testing.T) {
	t.Parallel()
	spec := testSpec()

	first, err := Merge(nil, []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "Corporate"},
		{"customer_id": "C2", "customer_name": "Bob", "segment": "Consumer"},
	}, spec, day(2026, 1, 10))
	require.NoError(t, err)

	// C2 disappears from the batch; its record stays current.
	second, err := Merge(first.Records, []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "Corporate"},
	}, spec, day(2026, 1, 11))
	require.NoError(t, err)
	require.Equal(t, 0, second.New)
	require.Equal(t, 0, second.Changed)
	require.Equal(t, 1, second.Unchanged)
	require.Len(t, second.Records, 2)
	require.True(t, second.Records[1].IsCurrent)
	require.Equal(t, "C2", second.Records[1].Values["customer_id"])
}

func TestMart_Merge_NilAttributes(t *testing.T) {
	t.Parallel()
	spec := testSpec()

	t.Run("nil_attribute_round_trips_unchanged", func(t *testing.T) {
		t.Parallel()
		incoming := []Row{
			{"customer_id": "C1", "customer_name": "Alice", "segment": nil},
		}
		first, err := Merge(nil, incoming, spec, day(2026, 1, 10))
		require.NoError(t, err)

		second, err := Merge(first.Records, incoming, spec, day(2026, 1, 11))
		require.NoError(t, err)
		require.Equal(t, 1, second.Unchanged)
		require.Len(t, second.Records, 1)
	})

	t.Run("nil_to_value_is_a_change", func(t *testing.T) {
		t.Parallel()
		first, err := Merge(nil, []Row{
			{"customer_id": "C1", "customer_name": "Alice", "segment": nil},
		}, spec, day(2026, 1, 10))
		require.NoError(t, err)

		second, err := Merge(first.Records, []Row{
			{"customer_id": "C1", "customer_name": "Alice", "segment": "Consumer"},
		}, spec, day(2026, 1, 11))
		require.NoError(t, err)
		require.Equal(t, 1, second.Changed)
		require.Len(t, second.Records, 2)
	})

	t.Run("nil_and_empty_string_differ", func(t *testing.T) {
		t.Parallel()
		first, err := Merge(nil, []Row{
			{"customer_id": "C1", "customer_name": "Alice", "segment": nil},
		}, spec, day(2026, 1, 10))
		require.NoError(t, err)

		second, err := Merge(first.Records, []Row{
			{"customer_id": "C1", "customer_name": "Alice", "segment": ""},
		}, spec, day(2026, 1, 11))
		require.NoError(t, err)
		require.Equal(t, 1, second.Changed)
	})
}

func TestMart_Merge_MonotonicKeysAcrossRuns(t *testing.T) {
	t.Parallel()
	spec := testSpec()

	res, err := Merge(nil, []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "A"},
		{"customer_id": "C2", "customer_name": "Bob", "segment": "A"},
	}, spec, day(2026, 1, 1))
	require.NoError(t, err)

	// Several runs each changing C1; every run mints a strictly larger key.
	segments := []string{"B", "C", "D"}
	maxSeen := int64(2)
	for i, seg := range segments {
		res, err = Merge(res.Records, []Row{
			{"customer_id": "C1", "customer_name": "Alice", "segment": seg},
			{"customer_id": "C2", "customer_name": "Bob", "segment": "A"},
		}, spec, day(2026, 1, 2+i))
		require.NoError(t, err)
		require.Equal(t, 1, res.Changed)

		latest := res.Records[len(res.Records)-1]
		require.Greater(t, latest.SurrogateKey, maxSeen)
		maxSeen = latest.SurrogateKey
	}
	require.Equal(t, int64(5), maxSeen)
	require.Len(t, res.Records, 5)
}

func TestMart_Merge_DeterministicOutput(t *testing.T) {
	t.Parallel()
	spec := testSpec()
	asOf := day(2026, 1, 10)

	a := []Row{
		{"customer_id": "C2", "customer_name": "Bob", "segment": "A"},
		{"customer_id": "C1", "customer_name": "Alice", "segment": "A"},
		{"customer_id": "C3", "customer_name": "Carol", "segment": "A"},
	}
	b := []Row{
		{"customer_id": "C3", "customer_name": "Carol", "segment": "A"},
		{"customer_id": "C1", "customer_name": "Alice", "segment": "A"},
		{"customer_id": "C2", "customer_name": "Bob", "segment": "A"},
	}

	resA, err := Merge(nil, a, spec, asOf)
	require.NoError(t, err)
	resB, err := Merge(nil, b, spec, asOf)
	require.NoError(t, err)
	require.Equal(t, resA.Records, resB.Records)
}

func TestMart_Merge_DuplicateIncomingNaturalKey(t *testing.T) {
	t.Parallel()
	spec := testSpec()

	_, err := Merge(nil, []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "A"},
		{"customer_id": "C1", "customer_name": "Alice", "segment": "B"},
	}, spec, day(2026, 1, 10))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate natural key")
}

func TestMart_Merge_MultipleCurrentRecordsAbort(t *testing.T) {
	t.Parallel()
	spec := testSpec()
	asOf := day(2026, 1, 10)

	corrupted := []Record{
		{
			SurrogateKey:  1,
			Values:        map[string]any{"customer_id": "C1", "customer_name": "Alice", "segment": "A"},
			EffectiveDate: day(2026, 1, 1),
			IsCurrent:     true,
		},
		{
			SurrogateKey:  2,
			Values:        map[string]any{"customer_id": "C1", "customer_name": "Alice", "segment": "B"},
			EffectiveDate: day(2026, 1, 5),
			IsCurrent:     true,
		},
	}

	_, err := Merge(corrupted, []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "C"},
	}, spec, asOf)
	require.Error(t, err)

	var ive *InvariantViolationError
	require.True(t, errors.As(err, &ive))
	require.Equal(t, "customer", ive.Dimension)
	require.Equal(t, "C1", ive.NaturalKey)
}

func TestMart_Merge_ExistingSliceNotMutated(t *testing.T) {
	t.Parallel()
	spec := testSpec()

	first, err := Merge(nil, []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "A"},
	}, spec, day(2026, 1, 10))
	require.NoError(t, err)

	before := first.Records[0]
	_, err = Merge(first.Records, []Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "B"},
	}, spec, day(2026, 1, 11))
	require.NoError(t, err)

	// Caller's slice header still sees the original open record.
	require.Equal(t, before.SurrogateKey, first.Records[0].SurrogateKey)
	require.Equal(t, before.IsCurrent, first.Records[0].IsCurrent)
}
