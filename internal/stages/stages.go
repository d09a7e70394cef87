// Package stages wires the core packages into the four batch stages the
// command runs: bronze (extract and persist), silver (curate), gold
// (aggregate) and validate. Each stage is idempotent and safe to hand to
// orchestrate.Runner.
package stages

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/acme-corp/brewery-pipeline/internal/aggregate"
	"github.com/acme-corp/brewery-pipeline/internal/config"
	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
	"github.com/acme-corp/brewery-pipeline/internal/logging"
	"github.com/acme-corp/brewery-pipeline/internal/metrics"
	"github.com/acme-corp/brewery-pipeline/internal/quality"
	"github.com/acme-corp/brewery-pipeline/internal/storage"
	"github.com/acme-corp/brewery-pipeline/internal/transform"
)

const (
	SourceName = "openbrewerydb"

	StatusCompleted = "completed"
	unknownTotal    = "unknown"
)

// Env carries everything a stage needs. Warehouse, Postgres and Mirror are
// optional; a nil one is skipped.
type Env struct {
	Config        *config.PipelineConfig
	Client        *ingestion.Client
	Warehouse     *storage.Warehouse
	Postgres      *storage.PostgresSink
	Mirror        *storage.ObjectMirror
	Log           *logging.Logger
	Metrics       *metrics.Collector
	CorrelationID string
	Now           func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) logger() *logging.Logger { return logging.OrNop(e.Log) }

// BronzeResult describes one finished extraction run.
type BronzeResult struct {
	RunDir        string
	ManifestPath  string
	TotalRecords  int
	TotalPages    int
	ExpectedTotal any
}

// Bronze extracts every page matching filters and persists it through w.
// The manifest is written only after the last page lands, so a failed run
// leaves page files but no manifest and is never picked up downstream.
// A failed metadata call is logged and the expected total recorded as
// "unknown".
func Bronze(ctx context.Context, env *Env, w *storage.RawWriter, filters ingestion.Filters) (BronzeResult, error) {
	log := env.logger().With("stage", "bronze", "run_id", w.RunID())
	started := env.now().UTC()

	var expected any = unknownTotal
	meta, err := env.Client.FetchMetadata(ctx, filters)
	if err != nil {
		log.Warn("metadata unavailable, continuing without expected total", "error", err)
	} else {
		expected = meta.Total
		log.Info("upstream metadata", "total", meta.Total, "per_page", meta.PerPage)
	}

	state := w.NewRunState()
	pages, err := env.Client.FetchAllPages(ctx, filters, func(page int, records []ingestion.Record) error {
		next, _, err := w.WritePage(state, records, page, true)
		if err != nil {
			return err
		}
		state = next
		return nil
	})
	if err != nil {
		return BronzeResult{RunDir: w.RunDir()}, eris.Wrapf(err, "bronze: extraction stopped after %d pages", pages)
	}

	apiCfg := env.Client.Config()
	extra := map[string]any{
		"source":         SourceName,
		"endpoint":       apiCfg.BaseURL + "/breweries",
		"filters":        filters,
		"per_page":       apiCfg.PerPage,
		"expected_total": expected,
		"started_at":     started.Format(time.RFC3339),
		"finished_at":    env.now().UTC().Format(time.RFC3339),
		"status":         StatusCompleted,
	}
	if env.CorrelationID != "" {
		extra["correlation_id"] = env.CorrelationID
	}
	path, err := w.WriteManifest(state, extra)
	if err != nil {
		return BronzeResult{RunDir: w.RunDir()}, eris.Wrap(err, "bronze: manifest")
	}
	if n, ok := expected.(int); ok && n != state.TotalRecords {
		log.Warn("record count differs from upstream total", "expected", n, "written", state.TotalRecords)
	}

	if env.Mirror != nil {
		n, err := env.Mirror.MirrorRun(ctx, env.Config.Paths.Bronze, w.RunDir())
		if err != nil {
			return BronzeResult{}, eris.Wrap(err, "bronze: mirror run")
		}
		log.Info("mirrored run to object store", "objects", n)
	}

	return BronzeResult{
		RunDir:        w.RunDir(),
		ManifestPath:  path,
		TotalRecords:  state.TotalRecords,
		TotalPages:    state.TotalPages,
		ExpectedTotal: expected,
	}, nil
}

// SilverResult describes one curation run.
type SilverResult struct {
	Run        ingestion.RunInfo
	Summary    transform.TransformationSummary
	Partitions storage.PartitionSummary
}

// Silver curates the newest completed bronze run and replaces the curated
// dataset with the result.
func Silver(ctx context.Context, env *Env) (SilverResult, error) {
	cfg := env.Config
	log := env.logger().With("stage", "silver")

	run, err := ingestion.LatestRun(cfg.Paths.Bronze)
	if err != nil {
		return SilverResult{}, eris.Wrap(err, "silver: locate bronze run")
	}
	records, err := ingestion.ReadRun(run.Path)
	if err != nil {
		return SilverResult{}, eris.Wrapf(err, "silver: read run %s", run.RunID)
	}
	log.Info("read bronze run", "ingestion_date", run.IngestionDate, "run_id", run.RunID, "records", len(records))

	opts := []transform.EngineOption{
		transform.WithWorkers(cfg.Curation.Workers),
		transform.WithEngineLogger(env.Log),
		transform.WithEngineMetrics(env.Metrics),
	}
	if len(cfg.Curation.DedupKeys) > 0 {
		opts = append(opts, transform.WithDedupKeys(cfg.Curation.DedupKeys...))
	}
	table, rep, err := transform.NewEngine(opts...).Run(ctx, ingestion.Records(records))
	if err != nil {
		return SilverResult{}, eris.Wrap(err, "silver: curate")
	}

	parts, err := storage.NewPartitionWriter(cfg.Paths.Silver,
		storage.WithPartitionWorkers(cfg.Curation.Workers),
		storage.WithPartitionLogger(env.Log),
		storage.WithPartitionMetrics(env.Metrics),
	).Write(ctx, table)
	if err != nil {
		return SilverResult{}, eris.Wrap(err, "silver: write partitions")
	}

	if env.Warehouse != nil {
		if err := env.Warehouse.ReplaceSilver(ctx, table); err != nil {
			return SilverResult{}, eris.Wrap(err, "silver: warehouse")
		}
	}
	if env.Postgres != nil {
		if _, err := env.Postgres.ReplaceSilver(ctx, table); err != nil {
			return SilverResult{}, eris.Wrap(err, "silver: postgres")
		}
	}

	if err := mirrorLayer(ctx, env, cfg.Paths.Silver); err != nil {
		return SilverResult{}, eris.Wrap(err, "silver: mirror")
	}

	summary := transform.GetTransformationSummary(rep.InputCount, rep.OutputCount,
		transform.FromReport(rep), transform.FromTable(table))
	log.Info("curation finished",
		"input", summary.InputCount,
		"output", summary.OutputCount,
		"duplicates_removed", summary.DuplicatesRemoved,
		"null_ids_removed", summary.NullIDsRemoved,
		"invalid_coordinates", summary.InvalidCoordinates,
		"unknown_categories", summary.UnknownCategories,
		"partitions", len(parts.Partitions))
	return SilverResult{Run: run, Summary: summary, Partitions: parts}, nil
}

// GoldResult describes one aggregation run.
type GoldResult struct {
	Summary aggregate.GoldSummary
	Stats   aggregate.AggregationStats
}

// Gold aggregates the curated dataset and replaces every gold output.
func Gold(ctx context.Context, env *Env) (GoldResult, error) {
	cfg := env.Config
	log := env.logger().With("stage", "gold")

	table, err := storage.ReadPartitions(cfg.Paths.Silver)
	if err != nil {
		return GoldResult{}, eris.Wrap(err, "gold: read curated dataset")
	}
	summary, err := aggregate.CreateGoldSummary(ctx, table)
	if err != nil {
		return GoldResult{}, eris.Wrap(err, "gold: aggregate")
	}
	stats := aggregate.GetAggregationStats(table)

	if err := storage.WriteGold(cfg.Paths.Gold, summary, stats); err != nil {
		return GoldResult{}, eris.Wrap(err, "gold: write files")
	}
	if env.Warehouse != nil {
		if err := env.Warehouse.ReplaceGold(ctx, summary, stats); err != nil {
			return GoldResult{}, eris.Wrap(err, "gold: warehouse")
		}
	}
	if env.Postgres != nil {
		if err := env.Postgres.ReplaceGold(ctx, summary); err != nil {
			return GoldResult{}, eris.Wrap(err, "gold: postgres")
		}
	}
	if err := mirrorLayer(ctx, env, cfg.Paths.Gold); err != nil {
		return GoldResult{}, eris.Wrap(err, "gold: mirror")
	}
	if env.Metrics != nil {
		env.Metrics.RecordWritten(int64(summary.ByTypeAndLocation.Len()))
	}

	log.Info("aggregation finished",
		"total_breweries", summary.TotalBreweries,
		"countries", summary.TotalCountries,
		"states", summary.TotalStates,
		"types", summary.TotalTypes,
		"groups", stats.TotalGroups,
		"avg_per_group", stats.AvgBreweriesPerGroup)
	return GoldResult{Summary: summary, Stats: stats}, nil
}

// mirrorLayer copies a layer directory to the object store, keyed by the
// layer's own directory name. It is a no-op without a mirror.
func mirrorLayer(ctx context.Context, env *Env, dir string) error {
	if env.Mirror == nil {
		return nil
	}
	dir = filepath.Clean(dir)
	n, err := env.Mirror.MirrorDir(ctx, filepath.Dir(dir), dir)
	if err != nil {
		return err
	}
	env.logger().Info("mirrored layer to object store", "dir", dir, "objects", n)
	return nil
}

// ErrQualityFailed is returned by Validate when any check fails.
var ErrQualityFailed = eris.New("data quality checks failed")

// Validate runs the quality checks over all three layers.
func Validate(_ context.Context, env *Env) (quality.Report, error) {
	cfg := env.Config
	rep := quality.NewValidator(env.Log).ValidateAll(quality.Paths{
		Bronze: cfg.Paths.Bronze,
		Silver: cfg.Paths.Silver,
		Gold:   cfg.Paths.Gold,
	})
	if !rep.Passed {
		return rep, eris.Wrapf(ErrQualityFailed, "failed: %v", rep.FailedChecks())
	}
	env.logger().Info("quality checks passed")
	return rep, nil
}
