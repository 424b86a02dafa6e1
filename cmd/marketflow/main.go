// Package main is the entry point for the marketflow ingestion pipeline.
// It fetches market data from upstream APIs into an immutable Bronze payload
// store and promotes it into typed Silver tables, tracked end to end by an
// ingestion ledger.
//
// Usage:
//
//	marketflow run [-fetch-only|-promote-only] [-limit N] [domain ...]
//	                               one ingestion run, then exit
//	marketflow new-keys [limit]    backfill tickers with no history, then exit
//	marketflow serve               scheduled runs plus the operational HTTP API
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketflow/internal/bronze"
	"github.com/aristath/marketflow/internal/catalog"
	"github.com/aristath/marketflow/internal/config"
	"github.com/aristath/marketflow/internal/database"
	"github.com/aristath/marketflow/internal/domain"
	"github.com/aristath/marketflow/internal/ledger"
	"github.com/aristath/marketflow/internal/pipeline"
	"github.com/aristath/marketflow/internal/rawstore"
	"github.com/aristath/marketflow/internal/scheduler"
	"github.com/aristath/marketflow/internal/server"
	"github.com/aristath/marketflow/internal/silver"
	"github.com/aristath/marketflow/internal/throttle"
	"github.com/aristath/marketflow/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	app, err := newApp(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline")
	}
	defer app.Close()

	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		app.runOnce(args)
	case "new-keys":
		app.runNewKeys(args)
	case "serve":
		app.serve()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want run, new-keys or serve)\n", cmd)
		os.Exit(2)
	}
}

// app holds the wired pipeline.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	opsDB  *database.DB
	lakeDB *database.DB
	led    *ledger.Ledger
	orch   *pipeline.Orchestrator
}

func newApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	opsDB, err := database.New(cfg.OpsDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ops database: %w", err)
	}
	lakeDB, err := database.New(cfg.LakeDBPath)
	if err != nil {
		opsDB.Close()
		return nil, fmt.Errorf("failed to open lake database: %w", err)
	}

	led, err := ledger.New(opsDB, log)
	if err != nil {
		opsDB.Close()
		lakeDB.Close()
		return nil, err
	}

	cat, err := catalog.Load(cfg.CatalogPath, log)
	if err != nil {
		opsDB.Close()
		lakeDB.Close()
		return nil, err
	}
	contracts, err := catalog.LoadContracts(cfg.ContractsPath)
	if err != nil {
		opsDB.Close()
		lakeDB.Close()
		return nil, err
	}

	store := rawstore.New(cfg.DataDir, log)
	if cfg.S3Configured() {
		mirror, err := rawstore.NewS3Mirror(context.Background(), rawstore.S3MirrorConfig{
			Bucket:    cfg.S3Bucket,
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("Bronze archive mirror unavailable, continuing without it")
		} else {
			store.SetMirror(mirror)
			log.Info().Str("bucket", cfg.S3Bucket).Msg("Bronze archive mirror enabled")
		}
	}

	exec := throttle.New(throttle.Config{
		MaxCalls:    cfg.RateLimitCalls,
		Period:      time.Duration(cfg.RateLimitPeriod) * time.Second,
		MaxAttempts: cfg.MaxRetryAttempts,
		BaseDelay:   time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
	}, log)

	coord := bronze.NewCoordinator(bronze.Config{
		BaseURL:        cfg.APIBaseURL,
		APIKey:         cfg.APIKey,
		Concurrency:    cfg.FetchConcurrency,
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		ReadTimeout:    time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
	}, exec, store, led, log)

	engine := silver.NewEngine(led, store, contracts, cat, lakeDB,
		silver.ChunkStrategy(cfg.ChunkStrategy), log)
	if cfg.WatermarkMode == "none" {
		engine.DisableWatermarkFilter()
	}

	keys := newKeyResolver(cat, contracts, lakeDB, log)

	orch := pipeline.New(pipeline.Config{
		Tier:            cfg.APITier,
		TickerChunkSize: cfg.TickerChunkSize,
		TickerLimit:     cfg.TickerLimit,
	}, cat, coord, engine, led, keys, log)

	return &app{
		cfg:    cfg,
		log:    log,
		opsDB:  opsDB,
		lakeDB: lakeDB,
		led:    led,
		orch:   orch,
	}, nil
}

// newKeyResolver points the resolver at the instrument dimension the
// discovery recipe's contract materializes.
func newKeyResolver(cat *catalog.Catalog, contracts *catalog.ContractSet, lakeDB *database.DB, log zerolog.Logger) *pipeline.KeyResolver {
	table := "silver_listed_companies"
	column := "ticker"

	if discovery := cat.DiscoveryRecipe(); discovery != nil {
		id := domain.UnitIdentity{
			Domain:  discovery.Domain,
			Source:  discovery.Source,
			Dataset: discovery.Dataset,
		}
		if contract, err := contracts.Resolve(id); err == nil {
			table = contract.TableName()
			if schema, err := silver.ResolveSchema(contract); err == nil && len(schema.BusinessKeys) > 0 {
				column = schema.BusinessKeys[0]
			}
		} else {
			log.Warn().Err(err).Msg("Discovery recipe has no schema contract, using default instrument table")
		}
	}
	return pipeline.NewKeyResolver(lakeDB, table, column, log)
}

func (a *app) Close() {
	a.lakeDB.Close()
	a.opsDB.Close()
}

// runOnce executes a single ingestion run. Flags select the layers and a
// ticker cap; remaining arguments restrict the domains.
func (a *app) runOnce(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fetchOnly := fs.Bool("fetch-only", false, "fetch Bronze payloads without promoting")
	promoteOnly := fs.Bool("promote-only", false, "promote the existing Bronze backlog without fetching")
	tickerLimit := fs.Int("limit", 0, "cap tickers per per-key dataset (0 = all)")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if *fetchOnly && *promoteOnly {
		a.log.Fatal().Msg("-fetch-only and -promote-only are mutually exclusive")
	}

	domains := fs.Args()
	for _, dom := range domains {
		if !domain.KnownDomain(dom) {
			a.log.Fatal().Str("domain", dom).Msg("Unknown domain")
		}
	}

	ctx := signalContext(a.log)
	summary, err := a.orch.Run(ctx, pipeline.Options{
		Domains:     domains,
		SkipFetch:   *promoteOnly,
		SkipPromote: *fetchOnly,
		TickerLimit: *tickerLimit,
	})
	if err != nil {
		a.log.Error().Err(err).Str("run_id", summary.RunID).Msg("Ingestion run ended with errors")
		os.Exit(1)
	}
	if summary.Status == domain.RunFailure {
		os.Exit(1)
	}
}

func (a *app) runNewKeys(args []string) {
	limit := 100
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed < 1 {
			a.log.Fatal().Str("limit", args[0]).Msg("Limit must be a positive integer")
		}
		limit = parsed
	}

	ctx := signalContext(a.log)
	summary, err := a.orch.IngestNewKeys(ctx, limit)
	if err != nil {
		a.log.Error().Err(err).Str("run_id", summary.RunID).Msg("New-key backfill ended with errors")
		os.Exit(1)
	}
}

// serve runs the cron-scheduled ingestion alongside the operational API,
// shutting both down cleanly on SIGINT/SIGTERM.
func (a *app) serve() {
	sched := scheduler.New(a.log)
	if err := sched.AddJob(a.cfg.IngestionCron, scheduler.NewIngestionJob(a.orch, a.log)); err != nil {
		a.log.Fatal().Err(err).Str("cron", a.cfg.IngestionCron).Msg("Invalid ingestion schedule")
	}
	if a.cfg.NewKeysCron != "" {
		if err := sched.AddJob(a.cfg.NewKeysCron, scheduler.NewNewKeysJob(a.orch, a.cfg.NewKeysLimit, a.log)); err != nil {
			a.log.Fatal().Err(err).Str("cron", a.cfg.NewKeysCron).Msg("Invalid new-key schedule")
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Port:    a.cfg.Port,
		DevMode: a.cfg.DevMode,
		Log:     a.log,
		Runner:  a.orch,
		Ledger:  a.led,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		a.log.Fatal().Err(err).Msg("HTTP server failed")
	case sig := <-quit:
		a.log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.log.Error().Err(err).Msg("Server shutdown failed")
	}
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext(log zerolog.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Warn().Str("signal", sig.String()).Msg("Interrupt received, finishing current unit")
		cancel()
	}()
	return ctx
}
