package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/mart/pkg/schema"
	"github.com/malbeclabs/mart/pkg/staging"
)

func TestMart_Pipeline_MissingColumns(t *testing.T) {
	t.Parallel()
	spec := schema.DefaultRegistry().Dimensions[0]

	cols := staging.Columns([]staging.Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "A"},
	})
	require.Empty(t, missingColumns(cols, spec))

	cols = staging.Columns([]staging.Row{
		{"customer_id": "C1"},
	})
	require.ElementsMatch(t, []string{"customer_name", "segment"}, missingColumns(cols, spec))
}

func TestMart_Pipeline_IncomingRows(t *testing.T) {
	t.Parallel()
	spec := schema.DefaultRegistry().Dimensions[0]

	batch := []staging.Row{
		{"customer_id": "C1", "customer_name": "Alice", "segment": "Corporate", "sales": 10.0},
		{"customer_id": "C2", "customer_name": "Bob", "segment": nil},
		// Repeat of C1 with a different segment: first occurrence wins.
		{"customer_id": "C1", "customer_name": "Alice", "segment": "Consumer"},
		// Numeric scan type canonicalizes to a string.
		{"customer_id": int64(3), "customer_name": "Carol", "segment": "Consumer"},
	}

	rows := incomingRows(batch, spec)
	require.Len(t, rows, 3)
	require.Equal(t, "Corporate", rows[0]["segment"])
	require.Nil(t, rows[1]["segment"])
	require.Equal(t, "3", rows[2]["customer_id"])
	// Untracked columns are dropped.
	require.NotContains(t, rows[0], "sales")
}

func TestMart_Pipeline_ExtractFacts(t *testing.T) {
	t.Parallel()
	registry := schema.DefaultRegistry()

	batch := []staging.Row{
		{
			"order_id": "O-1", "order_date": "2026-01-05",
			"customer_id": "C1", "product_id": "P1", "store_id": "S1",
			"sales": 99.5, "profit": "-4.25",
		},
		{
			"order_id": "O-2", "order_date": "bogus",
			"customer_id": "C2", "product_id": "P1", "store_id": "S1",
			"sales": nil,
		},
	}

	facts, dates, badDates := extractFacts(batch, registry)
	require.Len(t, facts, 2)
	require.Len(t, dates, 1)
	require.Equal(t, 1, badDates)

	require.Equal(t, "O-1", facts[0].OrderID)
	require.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), facts[0].OrderDate)
	require.Equal(t, map[string]string{"customer": "C1", "product": "P1", "store": "S1"}, facts[0].NaturalKeys)
	require.Equal(t, 99.5, facts[0].Measures["sales"])
	require.Equal(t, -4.25, facts[0].Measures["profit"])

	// Bad date keeps the row with a zero date; missing measures default
	// to zero.
	require.True(t, facts[1].OrderDate.IsZero())
	require.Equal(t, 0.0, facts[1].Measures["sales"])
	require.Equal(t, 0.0, facts[1].Measures["profit"])
}
