// Package bronze implements the fetch coordinator: it turns recipes into
// rate-limited HTTP fetches, runs the acceptance gate, persists raw payloads
// and records every outcome in the ingestion ledger.
package bronze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketflow/internal/domain"
	"github.com/aristath/marketflow/internal/ledger"
	"github.com/aristath/marketflow/internal/rawstore"
	"github.com/aristath/marketflow/internal/throttle"
	"github.com/aristath/marketflow/pkg/logger"
)

// MetadataStore is the slice of the ingestion ledger the coordinator needs.
type MetadataStore interface {
	Upsert(entry *domain.LedgerEntry) error
	LatestWatermark(id domain.UnitIdentity, stage ledger.Stage) (*time.Time, error)
	LatestIngestionTime(id domain.UnitIdentity) (*time.Time, error)
}

// Config tunes the coordinator.
type Config struct {
	BaseURL        string
	APIKey         string
	Concurrency    int    // worker pool size for per-key batches
	LookbackDays   int    // default interval-cadence window
	DefaultLimit   string // value for {limit} placeholders
	DefaultPeriod  string // value for {period} placeholders
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Coordinator drives the Bronze stage. One instance serves a whole run; its
// throttle executor and the run counters are shared by all workers.
type Coordinator struct {
	cfg    Config
	exec   *throttle.Executor
	store  *rawstore.Store
	meta   MetadataStore
	client *http.Client
	log    zerolog.Logger
}

// NewCoordinator wires the coordinator. Concurrency below 1 is treated as 1.
func NewCoordinator(cfg Config, exec *throttle.Executor, store *rawstore.Store, meta MetadataStore, log zerolog.Logger) *Coordinator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.LookbackDays < 1 {
		cfg.LookbackDays = 30
	}
	if cfg.DefaultLimit == "" {
		cfg.DefaultLimit = "1000"
	}
	if cfg.DefaultPeriod == "" {
		cfg.DefaultPeriod = "quarter"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	return &Coordinator{
		cfg:   cfg,
		exec:  exec,
		store: store,
		meta:  meta,
		client: &http.Client{
			Timeout: cfg.ReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		},
		log: log.With().Str("component", "fetch_coordinator").Logger(),
	}
}

// FetchBatch processes one recipe batch. Per-key requests fan out across the
// worker pool; a single (global) request always runs on one path. Worker
// failures are isolated: one failing request never aborts its siblings, and
// all hard failures come back joined.
func (c *Coordinator) FetchBatch(ctx context.Context, requests []domain.FetchRequest, counters *domain.RunCounters) error {
	if len(requests) == 0 {
		return nil
	}

	workers := c.cfg.Concurrency
	if workers > len(requests) {
		workers = len(requests)
	}

	if workers <= 1 {
		var errs []error
		for i := range requests {
			if err := c.fetchOne(ctx, requests[i], counters); err != nil {
				c.log.Error().Err(err).Str("unit", requests[i].Identity().String()).Msg("Fetch request failed hard")
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	jobs := make(chan domain.FetchRequest)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				if err := c.fetchOne(ctx, req, counters); err != nil {
					c.log.Error().Err(err).Str("unit", req.Identity().String()).Msg("Fetch request failed hard")
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}

	for _, req := range requests {
		jobs <- req
	}
	close(jobs)
	wg.Wait()

	return errors.Join(errs...)
}

// fetchOne runs the per-request state machine:
// Pending -> Skipped(TooSoon) | Skipped(DuplicateToday) |
// Fetched -> AcceptedAsFailure | AcceptedAsSuccess.
//
// The returned error is reserved for hard persistence failures (payload
// store or Bronze ledger write); everything else is recorded and absorbed.
func (c *Coordinator) fetchOne(ctx context.Context, req domain.FetchRequest, counters *domain.RunCounters) error {
	id := req.Identity()
	log := logger.WithRun(c.log, req.RunID).With().Str("unit", id.String()).Logger()

	// Duplicate-ingestion guard: nothing is fetched twice on one day.
	last, err := c.meta.LatestIngestionTime(id)
	if err != nil {
		return fmt.Errorf("failed to check ingestion history for %s: %w", id, err)
	}
	today := startOfDay(req.IngestionDate)
	if last != nil && !last.Before(today) {
		counters.IncSkipped()
		log.Debug().Time("last_ingested", *last).Msg("Already ingested today, skipping")
		return nil
	}

	// Incremental window: a Bronze watermark overrides the recipe default.
	watermark, err := c.meta.LatestWatermark(id, ledger.StageBronze)
	if err != nil {
		return fmt.Errorf("failed to resolve watermark for %s: %w", id, err)
	}
	if watermark != nil {
		req.FromDate = watermark.AddDate(0, 0, 1)
	}

	values := templateValues{
		Ticker:       req.Key,
		FromDate:     req.FromDate,
		ToDate:       req.ToDate,
		OneMonthBack: req.IngestionDate.AddDate(0, -1, 0),
		Limit:        c.cfg.DefaultLimit,
		Period:       c.cfg.DefaultPeriod,
		APIKey:       c.cfg.APIKey,
	}

	if err := req.CanRun(); err != nil {
		if errors.Is(err, domain.ErrTooSoon) {
			counters.IncSkipped()
			log.Debug().Time("from_date", req.FromDate).Msg("Cooldown not elapsed, skipping")
			return nil
		}
		return c.persistFailure(ctx, &req, values, "validation error: "+err.Error(), counters)
	}

	requestURL, redactedQuery := buildURL(c.cfg.BaseURL, &req, values)

	payload := c.newPayload(&req, values, redactedQuery)

	var resp *http.Response
	start := time.Now()
	err = c.exec.Execute(ctx, counters, func() error {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if reqErr != nil {
			return reqErr // malformed request, never retried
		}
		r, doErr := c.client.Do(httpReq)
		if doErr != nil {
			return throttle.Transient(classifyTransportError(doErr))
		}
		resp = r
		return nil
	})
	payload.ElapsedMS = time.Since(start).Milliseconds()

	if err != nil {
		return c.persistFailure(ctx, &req, values, transportErrorString(err), counters)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.persistFailure(ctx, &req, values, "connection error: "+err.Error(), counters)
	}

	payload.StatusCode = resp.StatusCode
	payload.Reason = http.StatusText(resp.StatusCode)
	payload.Headers = serializeHeaders(resp.Header)

	if resp.StatusCode != http.StatusOK {
		payload.RawText = truncate(string(body), 4096)
		if resp.StatusCode == http.StatusNotFound && req.Key != "" {
			payload.Error = fmt.Sprintf("invalid key: upstream returned 404 for %s", req.Key)
		} else {
			payload.Error = fmt.Sprintf("unexpected status %d %s", resp.StatusCode, payload.Reason)
		}
	} else if rows, parseErr := parseBody(body, string(req.Recipe.EffectiveFormat())); parseErr != nil {
		payload.RawText = truncate(string(body), 4096)
		payload.Error = "malformed response: " + parseErr.Error()
	} else {
		payload.Content = toRows(rows)
		payload.ScanDates(req.Recipe.DateField, req.IngestionDate)
		payload.ComputeHash()
	}

	return c.persist(ctx, payload, &req, counters, log)
}

// newPayload snapshots the request context into a fresh payload envelope.
// The archived URL carries the fully resolved path; the apikey never appears
// in paths but is masked anyway in case a recipe templates it there.
func (c *Coordinator) newPayload(req *domain.FetchRequest, values templateValues, redactedQuery map[string]string) *domain.RawPayload {
	values.APIKey = "[redacted]"
	id := req.Identity()
	return &domain.RawPayload{
		FileID:        req.FileID,
		RunID:         req.RunID,
		Domain:        id.Domain,
		Source:        id.Source,
		Dataset:       id.Dataset,
		Discriminator: id.Discriminator,
		Key:           id.Key,
		FromDate:      req.FromDate.Format(domain.DateLayout),
		ToDate:        req.ToDate.Format(domain.DateLayout),
		URL:           c.cfg.BaseURL + resolveTemplate(req.Recipe.Path, values),
		Query:         redactedQuery,
		FetchedAt:     time.Now().UTC(),
	}
}

// persistFailure archives a fetch attempt that never produced a usable
// transport response.
func (c *Coordinator) persistFailure(ctx context.Context, req *domain.FetchRequest, values templateValues, errText string, counters *domain.RunCounters) error {
	payload := c.newPayload(req, values, nil)
	payload.Error = errText
	log := logger.WithRun(c.log, req.RunID).With().Str("unit", req.Identity().String()).Logger()
	return c.persist(ctx, payload, req, counters, log)
}

// persist writes the payload and its ledger row. Failures here are the one
// case that must surface to the caller: losing a Bronze record silently is
// a data-loss risk.
func (c *Coordinator) persist(ctx context.Context, payload *domain.RawPayload, req *domain.FetchRequest, counters *domain.RunCounters, log zerolog.Logger) error {
	relPath, err := c.store.Write(ctx, payload)
	if err != nil {
		return fmt.Errorf("failed to store payload %s: %w", payload.FileID, err)
	}

	canPromote := payload.Promotable(req.Recipe.AllowsEmpty)
	finished := time.Now().UTC()

	entry := &domain.LedgerEntry{
		RunID:         req.RunID,
		FileID:        req.FileID,
		Domain:        payload.Domain,
		Source:        payload.Source,
		Dataset:       payload.Dataset,
		Discriminator: payload.Discriminator,
		Key:           payload.Key,
		Bronze: domain.BronzeStage{
			File:       domain.Ptr(relPath),
			Error:      domain.Ptr(payload.Error),
			Rows:       domain.Ptr(len(payload.Content)),
			FromDate:   domain.Ptr(payload.FirstDate),
			ToDate:     domain.Ptr(payload.LastDate),
			StartedAt:  domain.Ptr(payload.FetchedAt),
			FinishedAt: domain.Ptr(finished),
			CanPromote: domain.Ptr(canPromote),
		},
	}
	if err := c.meta.Upsert(entry); err != nil {
		return fmt.Errorf("failed to record bronze ledger entry %s: %w", req.FileID, err)
	}

	if payload.Error == "" {
		counters.IncFetched()
		log.Info().
			Int("rows", len(payload.Content)).
			Str("first_date", payload.FirstDate).
			Str("last_date", payload.LastDate).
			Bool("can_promote", canPromote).
			Msg("Accepted bronze payload")
	} else {
		counters.IncFailed()
		log.Warn().Str("error", payload.Error).Msg("Archived failed fetch")
	}
	return nil
}

func transportErrorString(err error) string {
	var exhausted *throttle.ExhaustedError
	if errors.As(err, &exhausted) {
		var te *transportError
		if errors.As(exhausted.Err, &te) {
			return fmt.Sprintf("%s (gave up after %d attempts)", te.Error(), exhausted.Attempts)
		}
		return exhausted.Error()
	}
	var te *transportError
	if errors.As(err, &te) {
		return te.Error()
	}
	return "request error: " + err.Error()
}

func toRows(raw []map[string]any) []domain.Row {
	rows := make([]domain.Row, len(raw))
	for i, r := range raw {
		rows[i] = domain.Row(r)
	}
	return rows
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
