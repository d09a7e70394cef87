package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/acme-corp/brewery-pipeline/internal/config"
	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
	"github.com/acme-corp/brewery-pipeline/internal/logging"
	"github.com/acme-corp/brewery-pipeline/internal/metrics"
	"github.com/acme-corp/brewery-pipeline/internal/orchestrate"
	"github.com/acme-corp/brewery-pipeline/internal/stages"
	"github.com/acme-corp/brewery-pipeline/internal/storage"
)

const (
	stageBronze   = "bronze"
	stageSilver   = "silver"
	stageGold     = "gold"
	stageValidate = "validate"
	stageAll      = "all"
)

func main() {
	configPath := flag.String("config", "", "path to pipeline config (default $CONFIG_PATH or config/config.yaml)")
	stage := flag.String("stage", stageAll, "stage to run: bronze|silver|gold|validate|all")
	dryRun := flag.Bool("dry-run", false, "validate config and exit")
	runID := flag.String("run-id", "", "bronze run id (default: derived from start time)")
	ingestionDate := flag.String("ingestion-date", "", "bronze ingestion date YYYY-MM-DD (default: today, UTC)")
	byState := flag.String("by-state", "", "only extract breweries in this state")
	byType := flag.String("by-type", "", "only extract breweries of this type")
	flag.Parse()

	bootLog, err := logging.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath, bootLog)
	if err != nil {
		bootLog.Fatal("failed to load config", "error", err)
	}
	log, err := logging.New(cfg.LogMode)
	if err != nil {
		bootLog.Fatal("failed to build logger", "error", err)
	}
	defer log.Sync()

	stagesToRun, err := selectStages(*stage)
	if err != nil {
		log.Fatal("invalid stage", "error", err)
	}

	correlationID := uuid.NewString()
	log = log.With("correlation_id", correlationID)
	log.Info("loaded config",
		"config_path", cfg.ConfigPath,
		"base_url", cfg.API.BaseURL,
		"per_page", cfg.API.PerPage,
		"bronze", cfg.Paths.Bronze,
		"silver", cfg.Paths.Silver,
		"gold", cfg.Paths.Gold,
		"stages", stagesToRun)

	if *dryRun {
		fmt.Println("Config validation passed.")
		os.Exit(0)
	}

	// Stop on Ctrl+C and SIGTERM. The running stage sees the cancelled
	// context and returns; the bronze manifest is never written for a run
	// that did not finish.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()

	// Initialize metrics
	collector := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, collector, log)
	}

	env, closeSinks, err := initEnv(ctx, cfg, collector, log)
	if err != nil {
		log.Fatal("failed to initialize sinks", "error", err)
	}
	env.CorrelationID = correlationID

	writer := storage.NewRawWriter(cfg.Paths.Bronze,
		storage.WithIngestionDate(*ingestionDate),
		storage.WithRunID(*runID),
		storage.WithLogger(log),
		storage.WithMetrics(collector),
	)
	filters := ingestion.Filters{ByState: *byState, ByType: *byType}

	runner := orchestrate.NewRunner(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay,
		orchestrate.WithBackoffFactor(cfg.BackoffFactor),
		orchestrate.WithLogger(log),
		orchestrate.WithMetrics(collector),
		orchestrate.WithGiveUpHandler(func(stage string, err error) {
			log.Error("giving up on stage", "stage", stage, "error", err)
		}),
	)

	// Start metrics reporter
	go reportMetrics(ctx, collector, log)

	exitCode := 0
	if err := runPipeline(ctx, runner, env, writer, filters, stagesToRun); err != nil {
		log.Error("pipeline failed", "error", err)
		exitCode = 1
	}

	// Final metrics report
	snap, _ := collector.JSON()
	log.Info("final metrics", "metrics", snap)

	cancel()
	closeSinks()
	log.Sync()
	os.Exit(exitCode)
}

func selectStages(stage string) ([]string, error) {
	switch s := strings.ToLower(strings.TrimSpace(stage)); s {
	case stageAll:
		return []string{stageBronze, stageSilver, stageGold, stageValidate}, nil
	case stageBronze, stageSilver, stageGold, stageValidate:
		return []string{s}, nil
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

// initEnv opens the client and every configured sink. The returned func
// closes whatever was opened.
func initEnv(ctx context.Context, cfg *config.PipelineConfig, collector *metrics.Collector, log *logging.Logger) (*stages.Env, func(), error) {
	env := &stages.Env{
		Config: cfg,
		Client: ingestion.NewClient(cfg.API,
			ingestion.WithLogger(log),
			ingestion.WithMetrics(collector),
		),
		Log:     log,
		Metrics: collector,
	}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.WarehousePath != "" {
		wh, err := storage.OpenWarehouse(ctx, cfg.WarehousePath)
		if err != nil {
			return nil, closeAll, fmt.Errorf("opening warehouse: %w", err)
		}
		env.Warehouse = wh
		closers = append(closers, func() {
			if err := wh.Close(); err != nil {
				log.Warn("error closing warehouse", "error", err)
			}
		})
	}

	if cfg.Postgres.DSN != "" {
		pg, err := storage.OpenPostgres(ctx, cfg.Postgres, log)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("opening postgres: %w", err)
		}
		env.Postgres = pg
		closers = append(closers, pg.Close)
	}

	if cfg.ObjectStore.Enabled() {
		mirror, err := storage.NewObjectMirror(ctx, cfg.ObjectStore, log)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("opening object store: %w", err)
		}
		env.Mirror = mirror
	}
	return env, closeAll, nil
}

// runPipeline runs the selected stages in order. Each stage goes through
// the runner, which retries transient failures and gives up on the rest:
//
//	bronze ──► silver ──► gold ──► validate
//
// Stages only hand off through the layer directories, so any suffix of the
// chain can be rerun on its own.
func runPipeline(
	ctx context.Context,
	runner *orchestrate.Runner,
	env *stages.Env,
	writer *storage.RawWriter,
	filters ingestion.Filters,
	selected []string,
) error {
	for _, name := range selected {
		var fn orchestrate.StageFunc
		switch name {
		case stageBronze:
			fn = func(ctx context.Context) error {
				res, err := stages.Bronze(ctx, env, writer, filters)
				if err == nil {
					env.Log.Info("bronze run complete", "run_dir", res.RunDir,
						"records", res.TotalRecords, "pages", res.TotalPages, "expected_total", res.ExpectedTotal)
				}
				return err
			}
		case stageSilver:
			fn = func(ctx context.Context) error {
				_, err := stages.Silver(ctx, env)
				return err
			}
		case stageGold:
			fn = func(ctx context.Context) error {
				_, err := stages.Gold(ctx, env)
				return err
			}
		case stageValidate:
			fn = func(ctx context.Context) error {
				_, err := stages.Validate(ctx, env)
				return err
			}
		}
		if err := runner.Run(ctx, name, fn); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server stopped", "error", err)
	}
}

func reportMetrics(ctx context.Context, collector *metrics.Collector, log *logging.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := collector.Snapshot()
			log.Info("pipeline stats",
				"read", snap.RecordsRead,
				"written", snap.RecordsWritten,
				"failed", snap.RecordsFailed,
				"pages", snap.PagesFetched,
				"upstream_errors", snap.UpstreamErrors,
				"throughput", fmt.Sprintf("%.1f rec/s", snap.Throughput))
		case <-ctx.Done():
			return
		}
	}
}
