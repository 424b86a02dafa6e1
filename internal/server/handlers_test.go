package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketflow/internal/domain"
	"github.com/aristath/marketflow/internal/ledger"
	"github.com/aristath/marketflow/internal/pipeline"
)

type fakeRunner struct {
	mu      sync.Mutex
	runs    int
	domains []string
	opts    pipeline.Options
	block   chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, opts pipeline.Options) (*domain.RunSummary, error) {
	f.mu.Lock()
	f.runs++
	f.domains = opts.Domains
	f.opts = opts
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return &domain.RunSummary{RunID: "run-1", Status: domain.RunSuccess}, nil
}

func (f *fakeRunner) IngestNewKeys(ctx context.Context, limit int) (*domain.RunSummary, error) {
	return &domain.RunSummary{RunID: "run-2", Status: domain.RunSuccess}, nil
}

type fakeLedger struct {
	latest  *domain.RunSummary
	entries []domain.LedgerEntry
	wm      *time.Time
}

func (f *fakeLedger) LatestRun() (*domain.RunSummary, error) { return f.latest, nil }

func (f *fakeLedger) EntriesForRun(runID string) ([]domain.LedgerEntry, error) {
	return f.entries, nil
}

func (f *fakeLedger) LatestWatermark(id domain.UnitIdentity, stage ledger.Stage) (*time.Time, error) {
	return f.wm, nil
}

func newTestServer(runner Runner, led LedgerReader) *Server {
	return New(Config{
		Port:   0,
		Log:    zerolog.Nop(),
		Runner: runner,
		Ledger: led,
	})
}

func TestTriggerRunRejectsUnknownDomain(t *testing.T) {
	s := newTestServer(&fakeRunner{}, &fakeLedger{})

	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"domains":["astrology"]}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerRunConflictsWhileInFlight(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := newTestServer(runner, &fakeLedger{})

	first := httptest.NewRecorder()
	s.Router().ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/runs", nil))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	s.Router().ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/runs", nil))
	assert.Equal(t, http.StatusConflict, second.Code)

	close(runner.block)
}

func TestTriggerRunPassesLayerSwitches(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(runner, &fakeLedger{})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs",
		strings.NewReader(`{"promote_only": true, "ticker_limit": 5}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Wait for the background run to record its options.
	for {
		runner.mu.Lock()
		runs := runner.runs
		runner.mu.Unlock()
		if runs == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.True(t, runner.opts.SkipFetch)
	assert.False(t, runner.opts.SkipPromote)
	assert.Equal(t, 5, runner.opts.TickerLimit)
}

func TestTriggerRunRejectsContradictorySwitches(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(runner, &fakeLedger{})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs",
		strings.NewReader(`{"fetch_only": true, "promote_only": true}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 0, runner.runs)
}

func TestLatestRun(t *testing.T) {
	led := &fakeLedger{latest: &domain.RunSummary{RunID: "run-9", Status: domain.RunPartial, FilesFetched: 7}}
	s := newTestServer(&fakeRunner{}, led)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-9", got.RunID)
	assert.Equal(t, 7, got.FilesFetched)
}

func TestLatestRunWhenEmpty(t *testing.T) {
	s := newTestServer(&fakeRunner{}, &fakeLedger{})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/latest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunEntries(t *testing.T) {
	led := &fakeLedger{entries: []domain.LedgerEntry{
		{
			RunID: "run-1", FileID: "f-1",
			Domain: "prices", Source: "fmp", Dataset: "daily-prices", Key: "AAPL",
			Bronze: domain.BronzeStage{
				File:       domain.Ptr("prices/fmp/daily-prices/AAPL/f-1.json"),
				Rows:       domain.Ptr(3),
				CanPromote: domain.Ptr(true),
			},
			Silver: domain.SilverStage{
				Table:       domain.Ptr("silver_daily_prices"),
				RowsWritten: domain.Ptr(3),
			},
		},
	}}
	s := newTestServer(&fakeRunner{}, led)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/run-1/entries", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count   int         `json:"count"`
		Entries []entryView `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "AAPL", body.Entries[0].Key)
	assert.Equal(t, "silver_daily_prices", body.Entries[0].SilverTable)
	assert.True(t, body.Entries[0].CanPromote)
}

func TestWatermark(t *testing.T) {
	wm := time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)
	s := newTestServer(&fakeRunner{}, &fakeLedger{wm: &wm})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/watermark?stage=silver&domain=prices&source=fmp&dataset=daily-prices&key=AAPL", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2026-01-17", body["watermark"])
	assert.Equal(t, "silver", body["stage"])
}

func TestWatermarkRequiresIdentity(t *testing.T) {
	s := newTestServer(&fakeRunner{}, &fakeLedger{})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/watermark?domain=prices", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeRunner{}, &fakeLedger{})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
