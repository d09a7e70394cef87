package transform

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
	"github.com/acme-corp/brewery-pipeline/internal/logging"
	"github.com/acme-corp/brewery-pipeline/internal/metrics"
)

// Step names, in execution order.
const (
	StepSelectColumns       = "select_columns"
	StepStandardizeTypes    = "standardize_types"
	StepHandleNulls         = "handle_nulls"
	StepCleanStrings        = "clean_strings"
	StepValidateCoordinates = "validate_coordinates"
	StepValidateCategories  = "validate_categories"
	StepDeduplicate         = "deduplicate"
	StepPreparePartitions   = "prepare_partitions"
)

// StepFunc is one curation step over the whole row set. Steps return a new
// slice and never modify their input. Observations go into rep.
type StepFunc func(ctx context.Context, rows []Row, rep *Report) ([]Row, error)

// Transformer is a single named step.
// Think of it as one station on an assembly line.
type Transformer struct {
	name string
	fn   StepFunc
}

// Report collects what the steps observed during one run.
type Report struct {
	InputCount         int                 `json:"input_count"`
	OutputCount        int                 `json:"output_count"`
	NullIDsRemoved     int                 `json:"null_ids_removed"`
	DuplicatesRemoved  int                 `json:"duplicates_removed"`
	InvalidCoordinates int                 `json:"invalid_coordinates"`
	Warnings           []ValidationWarning `json:"warnings,omitempty"`
	Steps              []string            `json:"steps"`
	Duration           time.Duration       `json:"duration"`
}

// Engine turns raw records into the curated table. The two typing steps
// always run first; the remaining steps are registered by NewEngine and can
// be extended with AddStage.
//
// Row-local steps fan out over contiguous chunks so output order always
// matches input order:
//
//	            ┌──► chunk 1 ──┐
//	rows ──►────┼──► chunk 2 ──┼───► rows
//	            └──► chunk 3 ──┘
type Engine struct {
	stages  []*Transformer
	workers int
	dedupBy []string
	logger  *logging.Logger
	metrics *metrics.Collector
	mu      sync.RWMutex
}

type EngineOption func(*Engine)

// WithWorkers sets the fan-out width for row-local steps.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithDedupKeys replaces the default id key used by the deduplicate step.
// Run fails when a key is not a curated column.
func WithDedupKeys(keys ...string) EngineOption {
	return func(e *Engine) { e.dedupBy = append([]string(nil), keys...) }
}

func WithEngineLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func WithEngineMetrics(m *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds an engine with the standard curation steps.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{workers: 1}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger)

	e.AddStage(StepHandleNulls, e.rowLocal(HandleNulls))
	e.AddStage(StepCleanStrings, e.rowLocal(CleanStrings))
	e.AddStage(StepValidateCoordinates, e.validateCoordinates)
	e.AddStage(StepValidateCategories, e.validateCategories)
	e.AddStage(StepDeduplicate, e.deduplicate)
	e.AddStage(StepPreparePartitions, e.rowLocal(PreparePartitions))
	return e
}

// AddStage appends a named step after the registered ones.
func (e *Engine) AddStage(name string, fn StepFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, &Transformer{name: name, fn: fn})
}

// StepNames lists every step in execution order.
func (e *Engine) StepNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := []string{StepSelectColumns, StepStandardizeTypes}
	for _, s := range e.stages {
		names = append(names, s.name)
	}
	return names
}

// Run applies every step to input. Malformed rows are normalized or flagged,
// never rejected; the only row-count changes come from deduplication. An
// empty input yields an empty table.
func (e *Engine) Run(ctx context.Context, input ingestion.RawInput) (*Table, Report, error) {
	e.mu.RLock()
	stages := make([]*Transformer, len(e.stages))
	copy(stages, e.stages)
	e.mu.RUnlock()

	if err := CheckKeys(e.dedupBy); err != nil {
		return nil, Report{}, eris.Wrap(err, "curation")
	}

	started := time.Now()
	var records []ingestion.Record
	if input != nil {
		records = input.RawRecords()
	}
	rep := Report{InputCount: len(records), Steps: e.StepNames()}

	var raw []RawBrewery
	e.timed(StepSelectColumns, func() { raw = SelectColumns(records) })
	var rows []Row
	e.timed(StepStandardizeTypes, func() { rows = StandardizeTypes(raw) })

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, rep, eris.Wrapf(err, "curation interrupted before %q", stage.name)
		}
		var err error
		e.timed(stage.name, func() { rows, err = stage.fn(ctx, rows, &rep) })
		if err != nil {
			return nil, rep, eris.Wrapf(err, "curation step %q", stage.name)
		}
	}

	rep.OutputCount = len(rows)
	rep.Duration = time.Since(started)
	if e.metrics != nil {
		e.metrics.RecordWritten(int64(rep.OutputCount))
	}
	e.logger.Info("curation finished",
		"input", rep.InputCount,
		"output", rep.OutputCount,
		"duplicates_removed", rep.DuplicatesRemoved,
		"null_ids_removed", rep.NullIDsRemoved,
		"warnings", len(rep.Warnings),
	)
	return NewTable(rows), rep, nil
}

func (e *Engine) timed(name string, fn func()) {
	start := time.Now()
	fn()
	if e.metrics != nil {
		e.metrics.TrackStageDuration("curation."+name, time.Since(start))
	}
}

// rowLocal adapts a pure row step to a StepFunc, fanning out when the engine
// has more than one worker.
func (e *Engine) rowLocal(fn func([]Row) []Row) StepFunc {
	return func(ctx context.Context, rows []Row, _ *Report) ([]Row, error) {
		workers := e.workers
		if workers <= 1 || len(rows) < 2*workers {
			return fn(rows), nil
		}

		out := make([]Row, len(rows))
		chunk := (len(rows) + workers - 1) / workers
		var wg sync.WaitGroup
		for lo := 0; lo < len(rows); lo += chunk {
			hi := min(lo+chunk, len(rows))
			wg.Add(1)
			go func(lo, hi int) {
				defer wg.Done()
				copy(out[lo:hi], fn(rows[lo:hi]))
			}(lo, hi)
		}
		wg.Wait()
		return out, nil
	}
}

func (e *Engine) validateCoordinates(ctx context.Context, rows []Row, rep *Report) ([]Row, error) {
	before := countCoordinates(rows)
	out, err := e.rowLocal(ValidateCoordinates)(ctx, rows, rep)
	if err != nil {
		return nil, err
	}
	rep.InvalidCoordinates += before - countCoordinates(out)
	return out, nil
}

func (e *Engine) validateCategories(_ context.Context, rows []Row, rep *Report) ([]Row, error) {
	out, warnings := ValidateCategories(rows)
	for _, w := range warnings {
		e.logger.Warn("unknown brewery type", "row", w.Row, "id", w.ID, "value", w.Value)
	}
	if e.metrics != nil && len(warnings) > 0 {
		e.metrics.ValidationWarnings(int64(len(warnings)))
	}
	rep.Warnings = append(rep.Warnings, warnings...)
	return out, nil
}

func (e *Engine) deduplicate(_ context.Context, rows []Row, rep *Report) ([]Row, error) {
	nullIDs := 0
	for _, r := range rows {
		if r.ID == nil {
			nullIDs++
		}
	}
	out, err := Deduplicate(rows, e.dedupBy...)
	if err != nil {
		return nil, err
	}
	dups := len(rows) - nullIDs - len(out)
	rep.NullIDsRemoved += nullIDs
	rep.DuplicatesRemoved += dups
	if e.metrics != nil {
		e.metrics.RecordFiltered(int64(nullIDs))
		e.metrics.DuplicatesRemoved(int64(dups))
	}
	if nullIDs > 0 {
		e.logger.Warn("dropped rows without id", "count", nullIDs)
	}
	return out, nil
}

func countCoordinates(rows []Row) int {
	n := 0
	for _, r := range rows {
		if r.Latitude != nil {
			n++
		}
		if r.Longitude != nil {
			n++
		}
	}
	return n
}

// TransformRawToCurated runs the default engine over input.
func TransformRawToCurated(input ingestion.RawInput) (*Table, error) {
	t, _, err := NewEngine().Run(context.Background(), input)
	return t, err
}
