// Package memory provides an in-memory Warehouse used by tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/malbeclabs/mart/pkg/merge"
	"github.com/malbeclabs/mart/pkg/schema"
	"github.com/malbeclabs/mart/pkg/warehouse"
)

// Warehouse stores published state in process. Safe for concurrent use.
type Warehouse struct {
	mu         sync.Mutex
	dimensions map[string][]merge.Record
	last       *warehouse.PublishBatch
	published  int
}

func New() *Warehouse {
	return &Warehouse{dimensions: make(map[string][]merge.Record)}
}

func (w *Warehouse) FetchDimension(ctx context.Context, spec schema.DimensionSpec) ([]merge.Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	records := w.dimensions[spec.Name]
	out := make([]merge.Record, len(records))
	copy(out, records)
	return out, nil
}

func (w *Warehouse) Publish(ctx context.Context, batch warehouse.PublishBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, dim := range batch.Dimensions {
		records := make([]merge.Record, len(dim.Records))
		copy(records, dim.Records)
		w.dimensions[dim.Spec.Name] = records
	}
	w.last = &batch
	w.published++
	return nil
}

// LastBatch returns the most recently published batch, nil before the first
// publish.
func (w *Warehouse) LastBatch() *warehouse.PublishBatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// PublishCount returns how many batches have been published.
func (w *Warehouse) PublishCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.published
}

func (w *Warehouse) Close() error {
	return nil
}
