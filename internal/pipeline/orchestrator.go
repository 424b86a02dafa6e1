package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/marketflow/internal/bronze"
	"github.com/aristath/marketflow/internal/catalog"
	"github.com/aristath/marketflow/internal/domain"
	"github.com/aristath/marketflow/internal/ledger"
	"github.com/aristath/marketflow/pkg/logger"
)

// Fetcher runs one Bronze batch.
type Fetcher interface {
	FetchBatch(ctx context.Context, requests []domain.FetchRequest, counters *domain.RunCounters) error
}

// Promoter runs one Silver promotion pass for a domain.
type Promoter interface {
	Promote(ctx context.Context, domainFilter string) (files, rows int, err error)
}

// RunLedger is the slice of the ingestion ledger the orchestrator needs.
type RunLedger interface {
	RecordRun(summary domain.RunSummary) error
	LatestWatermark(id domain.UnitIdentity, stage ledger.Stage) (*time.Time, error)
	InvalidKeys(dom, source, dataset string) ([]string, error)
}

// Keys resolves and caches the ticker universe.
type Keys interface {
	Keys() ([]string, error)
	Invalidate()
}

// Config tunes a run.
type Config struct {
	Tier            string // plan tier filter for catalog recipes
	TickerChunkSize int    // per-key requests per fetch-then-promote cycle
	LookbackDays    int    // default interval window
	TickerLimit     int    // default per-recipe key cap; 0 means all
}

// Options selects what one run covers. The zero value is a full run.
type Options struct {
	// Domains restricts the run; empty means every domain in fixed order.
	Domains []string
	// IngestionDate defaults to the current UTC time.
	IngestionDate time.Time
	// SkipFetch turns the run into a promote-only pass over the existing
	// Bronze backlog.
	SkipFetch bool
	// SkipPromote fetches Bronze only, leaving promotion to a later pass.
	SkipPromote bool
	// TickerLimit caps the keys each per-key recipe covers; 0 falls back to
	// the configured default, which itself defaults to all.
	TickerLimit int
}

// Orchestrator drives full ingestion runs. Domains execute in a fixed order
// with the reference domain first, so instrument discovery lands before any
// per-key fetching resolves its universe.
type Orchestrator struct {
	cfg      Config
	cat      *catalog.Catalog
	fetcher  Fetcher
	promoter Promoter
	runs     RunLedger
	keys     Keys
	log      zerolog.Logger
}

// New wires the orchestrator.
func New(cfg Config, cat *catalog.Catalog, fetcher Fetcher, promoter Promoter, runs RunLedger, keys Keys, log zerolog.Logger) *Orchestrator {
	if cfg.TickerChunkSize < 1 {
		cfg.TickerChunkSize = 10
	}
	if cfg.LookbackDays < 1 {
		cfg.LookbackDays = 30
	}
	return &Orchestrator{
		cfg:      cfg,
		cat:      cat,
		fetcher:  fetcher,
		promoter: promoter,
		runs:     runs,
		keys:     keys,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

// Run executes one full ingestion run and returns its summary. The summary
// is recorded in the run history even when the run ends with an error; the
// returned summary is always non-nil.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*domain.RunSummary, error) {
	runID := uuid.NewString()
	if opts.IngestionDate.IsZero() {
		opts.IngestionDate = time.Now().UTC()
	}
	if opts.TickerLimit == 0 {
		opts.TickerLimit = o.cfg.TickerLimit
	}
	startedAt := time.Now().UTC()
	counters := &domain.RunCounters{}
	runLog := logger.WithRun(o.log, runID)

	runLog.Info().
		Time("ingestion_date", opts.IngestionDate).
		Bool("fetch", !opts.SkipFetch).
		Bool("promote", !opts.SkipPromote).
		Msg("Starting ingestion run")

	var errs []error
	for _, dom := range o.runDomains(opts.Domains) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := o.runDomain(ctx, dom, runID, opts, counters); err != nil {
			errs = append(errs, fmt.Errorf("domain %s: %w", dom, err))
			// A domain failing hard (ledger or store trouble) poisons the
			// rest of the run; later domains would hit the same stores.
			break
		}
	}

	summary := counters.Summarize(runID, startedAt, time.Now().UTC())
	if err := o.runs.RecordRun(summary); err != nil {
		errs = append(errs, err)
	}

	runLog.Info().
		Str("status", string(summary.Status)).
		Int("fetched", summary.FilesFetched).
		Int("failed", summary.FilesFailed).
		Int("skipped", summary.FilesSkipped).
		Int("promoted_files", summary.FilesPromoted).
		Int("promoted_rows", summary.RowsPromoted).
		Dur("elapsed", summary.Elapsed).
		Msg("Ingestion run finished")

	return &summary, errors.Join(errs...)
}

// runDomains resolves the requested domains against the fixed order.
func (o *Orchestrator) runDomains(requested []string) []string {
	order := domain.DomainOrder()
	if len(requested) == 0 {
		return order
	}
	want := make(map[string]bool, len(requested))
	for _, dom := range requested {
		want[dom] = true
	}
	var out []string
	for _, dom := range order {
		if want[dom] {
			out = append(out, dom)
		}
	}
	return out
}

// runDomain fetches every recipe of one domain and promotes its results.
// Global recipes fetch once then promote; per-key recipes work in ticker
// chunks, promoting after each chunk that accepted at least one payload so a
// long universe crawl lands incrementally. The layer switches in opts turn
// either half off.
func (o *Orchestrator) runDomain(ctx context.Context, dom, runID string, opts Options, counters *domain.RunCounters) error {
	recipes := o.cat.ForDomain(dom, o.cfg.Tier)
	if len(recipes) == 0 {
		return nil
	}

	for _, recipe := range recipes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.SkipFetch {
			break
		}

		if !recipe.PerKey {
			requests := bronze.BuildRequests(recipe, runID, opts.IngestionDate, nil, o.cfg.LookbackDays)
			if err := o.fetcher.FetchBatch(ctx, requests, counters); err != nil {
				return err
			}
			continue
		}

		keys, err := o.keys.Keys()
		if err != nil {
			return fmt.Errorf("failed to resolve keys for %s: %w", recipe.Dataset, err)
		}
		if opts.TickerLimit > 0 && len(keys) > opts.TickerLimit {
			keys = keys[:opts.TickerLimit]
		}
		if len(keys) == 0 {
			o.log.Info().Str("dataset", recipe.Dataset).Msg("No keys resolved, skipping per-key recipe")
			continue
		}

		for start := 0; start < len(keys); start += o.cfg.TickerChunkSize {
			end := start + o.cfg.TickerChunkSize
			if end > len(keys) {
				end = len(keys)
			}

			before := counters.Fetched()
			requests := bronze.BuildRequests(recipe, runID, opts.IngestionDate, keys[start:end], o.cfg.LookbackDays)
			if err := o.fetcher.FetchBatch(ctx, requests, counters); err != nil {
				return err
			}

			// Promote only when the chunk actually accepted something; an
			// all-skipped chunk has nothing new for Silver.
			if !opts.SkipPromote && counters.Fetched() > before {
				if err := o.promoteDomain(ctx, dom, counters); err != nil {
					return err
				}
			}
		}
	}

	// Final pass sweeps payloads fetched outside the chunk loop and any
	// entries earlier passes left behind.
	if !opts.SkipPromote {
		if err := o.promoteDomain(ctx, dom, counters); err != nil {
			return err
		}
	}

	if dom == domain.DomainReference {
		// Discovery may have added instruments; downstream domains must see
		// the fresh universe.
		o.keys.Invalidate()
	}
	return nil
}

func (o *Orchestrator) promoteDomain(ctx context.Context, dom string, counters *domain.RunCounters) error {
	files, rows, err := o.promoter.Promote(ctx, dom)
	if err != nil {
		return fmt.Errorf("promotion failed for %s: %w", dom, err)
	}
	counters.AddPromoted(files, rows)
	return nil
}

// IngestNewKeys runs discovery, then fetches per-key datasets only for
// tickers with no ingestion history, capped at limit per dataset. Keys the
// upstream API has rejected as permanently invalid are excluded.
func (o *Orchestrator) IngestNewKeys(ctx context.Context, limit int) (*domain.RunSummary, error) {
	runID := uuid.NewString()
	ingestionDate := time.Now().UTC()
	startedAt := ingestionDate
	counters := &domain.RunCounters{}
	if limit < 1 {
		limit = 100
	}

	o.log.Info().Str("run_id", runID).Int("limit", limit).Msg("Starting new-key backfill")

	var errs []error

	// Refresh the instrument dimension first so brand-new listings appear.
	if discovery := o.cat.DiscoveryRecipe(); discovery != nil {
		requests := bronze.BuildRequests(*discovery, runID, ingestionDate, nil, o.cfg.LookbackDays)
		if err := o.fetcher.FetchBatch(ctx, requests, counters); err != nil {
			errs = append(errs, err)
		}
		if err := o.promoteDomain(ctx, domain.DomainReference, counters); err != nil {
			errs = append(errs, err)
		}
		o.keys.Invalidate()
	}

	universe, err := o.keys.Keys()
	if err != nil {
		errs = append(errs, err)
		universe = nil
	}

	for _, dom := range domain.DomainOrder() {
		if len(errs) > 0 || len(universe) == 0 {
			break
		}
		for _, recipe := range o.cat.ForDomain(dom, o.cfg.Tier) {
			if !recipe.PerKey {
				continue
			}
			newKeys, err := o.newKeysFor(recipe, universe, limit)
			if err != nil {
				errs = append(errs, err)
				break
			}
			if len(newKeys) == 0 {
				continue
			}
			o.log.Info().
				Str("dataset", recipe.Dataset).
				Int("keys", len(newKeys)).
				Msg("Backfilling new keys")

			requests := bronze.BuildRequests(recipe, runID, ingestionDate, newKeys, o.cfg.LookbackDays)
			if err := o.fetcher.FetchBatch(ctx, requests, counters); err != nil {
				errs = append(errs, err)
				break
			}
			if err := o.promoteDomain(ctx, dom, counters); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}

	summary := counters.Summarize(runID, startedAt, time.Now().UTC())
	if err := o.runs.RecordRun(summary); err != nil {
		errs = append(errs, err)
	}
	return &summary, errors.Join(errs...)
}

// newKeysFor filters the universe down to keys the dataset has never
// ingested, excluding permanently invalid ones, capped at limit.
func (o *Orchestrator) newKeysFor(recipe domain.Recipe, universe []string, limit int) ([]string, error) {
	invalid, err := o.runs.InvalidKeys(recipe.Domain, recipe.Source, recipe.Dataset)
	if err != nil {
		return nil, err
	}
	invalidSet := make(map[string]bool, len(invalid))
	for _, key := range invalid {
		invalidSet[key] = true
	}

	var out []string
	for _, key := range universe {
		if invalidSet[key] {
			continue
		}
		id := domain.UnitIdentity{
			Domain:  recipe.Domain,
			Source:  recipe.Source,
			Dataset: recipe.Dataset,
			Key:     key,
		}
		wm, err := o.runs.LatestWatermark(id, ledger.StageBronze)
		if err != nil {
			return nil, err
		}
		if wm != nil {
			continue // has history, the daily run covers it
		}
		out = append(out, key)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
