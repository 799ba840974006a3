package memory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/mart/pkg/merge"
	"github.com/malbeclabs/mart/pkg/schema"
	"github.com/malbeclabs/mart/pkg/warehouse"
)

func TestMart_Warehouse_Memory(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	registry := schema.DefaultRegistry()
	spec := registry.Dimensions[0]

	w := New()
	require.Nil(t, w.LastBatch())
	require.Equal(t, 0, w.PublishCount())

	// Empty before first publish.
	records, err := w.FetchDimension(ctx, spec)
	require.NoError(t, err)
	require.Empty(t, records)

	batch := warehouse.PublishBatch{
		RunID:    uuid.New(),
		AsOf:     time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		Registry: registry,
		Dimensions: []warehouse.DimensionTable{
			{
				Spec: spec,
				Records: []merge.Record{
					{
						SurrogateKey:  1,
						Values:        map[string]any{"customer_id": "C1", "customer_name": "Alice", "segment": "Corporate"},
						EffectiveDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
						IsCurrent:     true,
					},
				},
			},
		},
	}
	require.NoError(t, w.Publish(ctx, batch))
	require.Equal(t, 1, w.PublishCount())
	require.Equal(t, batch.RunID, w.LastBatch().RunID)

	records, err = w.FetchDimension(ctx, spec)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(1), records[0].SurrogateKey)

	// Fetch returns a copy, not the stored slice.
	records[0].SurrogateKey = 99
	again, err := w.FetchDimension(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, int64(1), again[0].SurrogateKey)

	require.NoError(t, w.Close())
}
