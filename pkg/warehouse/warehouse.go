// Package warehouse defines the destination-side collaborator: it hands the
// merge engine the existing dimension history and publishes the updated star
// schema. Publishes are whole-table replacements staged first and swapped in
// together; a failed run leaves the warehouse in its last fully published
// state.
package warehouse

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/mart/pkg/datedim"
	"github.com/malbeclabs/mart/pkg/merge"
	"github.com/malbeclabs/mart/pkg/resolve"
	"github.com/malbeclabs/mart/pkg/schema"
)

// DimensionTable pairs a dimension spec with its updated historical records.
type DimensionTable struct {
	Spec    schema.DimensionSpec
	Records []merge.Record
}

// PublishBatch is the complete output of one pipeline run. Dimensions holds
// only the dimensions actually merged this run; skipped dimensions keep their
// previously published tables. The fact table layout always covers the full
// registry so surrogate columns stay stable across runs.
type PublishBatch struct {
	RunID uuid.UUID
	AsOf  time.Time

	Registry      schema.Registry
	Dimensions    []DimensionTable
	DateDimension []datedim.Record
	Facts         []resolve.ResolvedFact

	// UnresolvedFacts is the run's data-quality fault count, recorded in
	// the run audit.
	UnresolvedFacts int
}

// Warehouse is implemented by destination stores (ClickHouse in production,
// an in-memory store in tests). Implementations never mutate dimension state
// outside Publish.
type Warehouse interface {
	// FetchDimension returns the dimension's historical table, empty on
	// first run.
	FetchDimension(ctx context.Context, spec schema.DimensionSpec) ([]merge.Record, error)

	// Publish replaces the published star schema with the batch. All
	// tables are staged before any becomes visible; on error nothing is
	// published.
	Publish(ctx context.Context, batch PublishBatch) error

	Close() error
}
