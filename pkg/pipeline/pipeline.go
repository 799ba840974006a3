// Package pipeline orchestrates one warehouse run: load the staging batch,
// merge every dimension, build the calendar dimension, resolve facts against
// the freshly merged current surrogate keys, and publish the batch. Facts
// depend on every dimension completing first, so the stages are strictly
// ordered; within the merge stage independent dimensions run fork-join in
// parallel, each owning its own historical table.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/mart/pkg/datedim"
	"github.com/malbeclabs/mart/pkg/merge"
	"github.com/malbeclabs/mart/pkg/resolve"
	"github.com/malbeclabs/mart/pkg/schema"
	"github.com/malbeclabs/mart/pkg/staging"
	"github.com/malbeclabs/mart/pkg/warehouse"
)

// ErrRunLockHeld is returned when another run holds the warehouse run lock.
// Overlapping runs against one warehouse are unsafe (last-writer-wins table
// replacement), so runs are serialized rather than queued.
var ErrRunLockHeld = errors.New("run lock is held by another run")

// State is the orchestrator's current stage.
type State string

const (
	StateIdle                  State = "idle"
	StateLoadingSource         State = "loading_source"
	StateMergingDimensions     State = "merging_dimensions"
	StateBuildingDateDimension State = "building_date_dimension"
	StateResolvingFacts        State = "resolving_facts"
	StatePublishing            State = "publishing"
	StateFailed                State = "failed"
)

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Source    staging.Source
	Warehouse warehouse.Warehouse
	Registry  schema.Registry

	// MaxConcurrency bounds the fork-join dimension merges.
	MaxConcurrency int

	// DryRun executes everything except the publish stage.
	DryRun bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("staging source is required")
	}
	if cfg.Warehouse == nil {
		return errors.New("warehouse is required")
	}
	if err := cfg.Registry.Validate(); err != nil {
		return fmt.Errorf("invalid registry: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return nil
}

type Pipeline struct {
	log *slog.Logger
	cfg Config

	mu    sync.Mutex
	state State
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		log:   cfg.Logger,
		cfg:   cfg,
		state: StateIdle,
	}, nil
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// DimensionReport summarizes one dimension merge.
type DimensionReport struct {
	New       int
	Changed   int
	Unchanged int
	Total     int
}

// RunReport summarizes one completed run, including the recoverable faults
// surfaced along the way.
type RunReport struct {
	RunID    uuid.UUID
	AsOf     time.Time
	Started  time.Time
	Finished time.Time

	SourceRows int
	Dimensions map[string]DimensionReport

	// Skipped maps dimension name -> reason (configuration faults).
	Skipped map[string]string

	DateRows        int
	FactRows        int
	UnresolvedFacts int
	BadDates        int

	Published bool
}

// Run executes one full batch. Recoverable faults (skipped dimensions,
// unresolved fact keys) are counted and the run continues; fatal faults abort
// before anything is published, leaving the warehouse in its last-good state.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	started := p.cfg.Clock.Now().UTC()
	report := &RunReport{
		RunID:      uuid.New(),
		Started:    started,
		Dimensions: make(map[string]DimensionReport),
		Skipped:    make(map[string]string),
	}
	log := p.log.With("run_id", report.RunID)

	fail := func(err error) (*RunReport, error) {
		p.setState(StateFailed)
		runsTotal.WithLabelValues("failed").Inc()
		log.Error("run failed", "state", p.State(), "error", err)
		return nil, err
	}

	p.setState(StateLoadingSource)
	locked, err := p.cfg.Source.AcquireRunLock(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to acquire run lock: %w", err))
	}
	if !locked {
		return fail(ErrRunLockHeld)
	}
	defer func() {
		if err := p.cfg.Source.ReleaseRunLock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release run lock", "error", err)
		}
	}()

	batch, err := p.cfg.Source.FetchBatch(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to fetch staging batch: %w", err))
	}
	report.SourceRows = len(batch)
	log.Info("loaded staging batch", "rows", len(batch))

	// One timestamp for the whole batch so every change detected in this
	// run carries identical effective/expiry dates.
	now := p.cfg.Clock.Now().UTC()
	asOf := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	report.AsOf = asOf

	p.setState(StateMergingDimensions)
	tables, mappings, err := p.mergeDimensions(ctx, log, batch, asOf, report)
	if err != nil {
		return fail(err)
	}

	p.setState(StateBuildingDateDimension)
	facts, dates, badDates := extractFacts(batch, p.cfg.Registry)
	report.BadDates = badDates
	if badDates > 0 {
		log.Warn("staging rows with unparseable dates", "count", badDates)
	}
	dateRecords := datedim.Build(dates)
	report.DateRows = len(dateRecords)

	p.setState(StateResolvingFacts)
	resolved := resolve.Facts(facts, mappings, p.cfg.Registry.Dimensions)
	report.FactRows = len(resolved.Facts)
	report.UnresolvedFacts = resolved.Unresolved
	if resolved.Unresolved > 0 {
		unresolvedFacts.Add(float64(resolved.Unresolved))
		log.Warn("fact rows with unresolved dimension keys", "count", resolved.Unresolved)
	}

	p.setState(StatePublishing)
	if p.cfg.DryRun {
		log.Info("dry run, skipping publish",
			"dimensions", len(tables), "date_rows", len(dateRecords), "fact_rows", len(resolved.Facts))
	} else {
		err := p.cfg.Warehouse.Publish(ctx, warehouse.PublishBatch{
			RunID:           report.RunID,
			AsOf:            asOf,
			Registry:        p.cfg.Registry,
			Dimensions:      tables,
			DateDimension:   dateRecords,
			Facts:           resolved.Facts,
			UnresolvedFacts: resolved.Unresolved,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to publish batch: %w", err))
		}
		report.Published = true
	}

	p.setState(StateIdle)
	report.Finished = p.cfg.Clock.Now().UTC()
	runsTotal.WithLabelValues("completed").Inc()
	runDuration.Observe(report.Finished.Sub(report.Started).Seconds())
	log.Info("run completed",
		"duration", report.Finished.Sub(report.Started).Truncate(time.Millisecond),
		"dimensions", len(report.Dimensions),
		"skipped", len(report.Skipped),
		"fact_rows", report.FactRows,
		"unresolved_facts", report.UnresolvedFacts,
		"published", report.Published,
	)
	return report, nil
}

// mergeDimensions runs the SCD2 merge for every registry dimension.
// Dimensions whose tracked columns are missing from the batch are skipped
// with a warning; a merge invariant violation fails the whole run.
func (p *Pipeline) mergeDimensions(
	ctx context.Context,
	log *slog.Logger,
	batch []staging.Row,
	asOf time.Time,
	report *RunReport,
) ([]warehouse.DimensionTable, map[string]resolve.KeyMapping, error) {
	cols := staging.Columns(batch)

	var mu sync.Mutex
	var tables []warehouse.DimensionTable
	mappings := make(map[string]resolve.KeyMapping)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)

	for _, spec := range p.cfg.Registry.Dimensions {
		if missing := missingColumns(cols, spec); len(missing) > 0 {
			reason := fmt.Sprintf("columns %v missing from staging batch", missing)
			log.Warn("skipping dimension", "dimension", spec.Name, "reason", reason)
			skippedDimensions.WithLabelValues(spec.Name).Inc()
			report.Skipped[spec.Name] = reason
			continue
		}

		g.Go(func() error {
			var existing []merge.Record
			if spec.Versioned {
				var err error
				existing, err = p.cfg.Warehouse.FetchDimension(gctx, spec)
				if err != nil {
					return fmt.Errorf("failed to fetch dimension %s: %w", spec.Name, err)
				}
			}

			res, err := merge.Merge(existing, incomingRows(batch, spec), spec, asOf)
			if err != nil {
				return fmt.Errorf("failed to merge dimension %s: %w", spec.Name, err)
			}

			log.Info("merged dimension", "dimension", spec.Name,
				"new", res.New, "changed", res.Changed, "unchanged", res.Unchanged, "total", len(res.Records))
			dimensionRows.WithLabelValues(spec.Name, "new").Add(float64(res.New))
			dimensionRows.WithLabelValues(spec.Name, "changed").Add(float64(res.Changed))
			dimensionRows.WithLabelValues(spec.Name, "unchanged").Add(float64(res.Unchanged))

			mu.Lock()
			defer mu.Unlock()
			tables = append(tables, warehouse.DimensionTable{Spec: spec, Records: res.Records})
			mappings[spec.Name] = resolve.MappingFromRecords(res.Records, spec)
			report.Dimensions[spec.Name] = DimensionReport{
				New:       res.New,
				Changed:   res.Changed,
				Unchanged: res.Unchanged,
				Total:     len(res.Records),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Fork-join completion order is nondeterministic; publish in registry
	// order.
	sort.Slice(tables, func(i, j int) bool { return tables[i].Spec.Name < tables[j].Spec.Name })
	return tables, mappings, nil
}
