package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/marketflow/internal/domain"
	"github.com/aristath/marketflow/internal/ledger"
	"github.com/aristath/marketflow/internal/pipeline"
)

// Handlers implements the API endpoints.
type Handlers struct {
	runner    Runner
	ledger    LedgerReader
	running   atomic.Bool
	startedAt time.Time
	log       zerolog.Logger
}

func NewHandlers(runner Runner, led LedgerReader, log zerolog.Logger) *Handlers {
	return &Handlers{
		runner:    runner,
		ledger:    led,
		startedAt: time.Now(),
		log:       log.With().Str("component", "api").Logger(),
	}
}

// HandleHealth reports process health and host load.
// GET /api/health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cpuAvg := 0.0
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		cpuAvg = percents[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
	}

	ramUsed := 0.0
	if stat, err := mem.VirtualMemory(); err == nil {
		ramUsed = stat.UsedPercent
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"run_in_flight":  h.running.Load(),
		"cpu_percent":    cpuAvg,
		"ram_percent":    ramUsed,
	})
}

type triggerRunRequest struct {
	Domains     []string `json:"domains"`
	FetchOnly   bool     `json:"fetch_only"`
	PromoteOnly bool     `json:"promote_only"`
	TickerLimit int      `json:"ticker_limit"`
}

// HandleTriggerRun starts an ingestion run in the background.
// POST /api/runs
func (h *Handlers) HandleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if r.Body != nil {
		// An empty body means a full run.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	for _, dom := range req.Domains {
		if !domain.KnownDomain(dom) {
			h.writeError(w, http.StatusBadRequest, "unknown domain "+dom)
			return
		}
	}
	if req.FetchOnly && req.PromoteOnly {
		h.writeError(w, http.StatusBadRequest, "fetch_only and promote_only are mutually exclusive")
		return
	}
	if req.TickerLimit < 0 {
		h.writeError(w, http.StatusBadRequest, "ticker_limit must not be negative")
		return
	}

	if !h.running.CompareAndSwap(false, true) {
		h.writeError(w, http.StatusConflict, "a run is already in flight")
		return
	}

	opts := pipeline.Options{
		Domains:     req.Domains,
		SkipFetch:   req.PromoteOnly,
		SkipPromote: req.FetchOnly,
		TickerLimit: req.TickerLimit,
	}
	go func() {
		defer h.running.Store(false)
		if _, err := h.runner.Run(context.Background(), opts); err != nil {
			h.log.Error().Err(err).Msg("Triggered run failed")
		}
	}()

	h.log.Info().Strs("domains", req.Domains).Msg("Manual ingestion run triggered")
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleTriggerNewKeys starts a new-key backfill in the background.
// POST /api/runs/new-keys?limit=100
func (h *Handlers) HandleTriggerNewKeys(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	if !h.running.CompareAndSwap(false, true) {
		h.writeError(w, http.StatusConflict, "a run is already in flight")
		return
	}

	go func() {
		defer h.running.Store(false)
		if _, err := h.runner.IngestNewKeys(context.Background(), limit); err != nil {
			h.log.Error().Err(err).Msg("Triggered new-key backfill failed")
		}
	}()

	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleLatestRun returns the most recent run summary.
// GET /api/runs/latest
func (h *Handlers) HandleLatestRun(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ledger.LatestRun()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if summary == nil {
		h.writeError(w, http.StatusNotFound, "no runs recorded yet")
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// HandleRunEntries returns the ledger rows of one run.
// GET /api/runs/{runID}/entries
func (h *Handlers) HandleRunEntries(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	entries, err := h.ledger.EntriesForRun(runID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"count":   len(entries),
		"entries": renderEntries(entries),
	})
}

// HandleWatermark returns the bronze or silver watermark for an identity.
// GET /api/watermark?stage=bronze&domain=prices&source=fmp&dataset=daily-prices&key=AAPL
func (h *Handlers) HandleWatermark(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := domain.UnitIdentity{
		Domain:        q.Get("domain"),
		Source:        q.Get("source"),
		Dataset:       q.Get("dataset"),
		Discriminator: q.Get("discriminator"),
		Key:           q.Get("key"),
	}
	if id.Domain == "" || id.Source == "" || id.Dataset == "" {
		h.writeError(w, http.StatusBadRequest, "domain, source and dataset are required")
		return
	}

	stage := ledger.Stage(q.Get("stage"))
	if stage == "" {
		stage = ledger.StageBronze
	}
	if stage != ledger.StageBronze && stage != ledger.StageSilver {
		h.writeError(w, http.StatusBadRequest, "stage must be bronze or silver")
		return
	}

	wm, err := h.ledger.LatestWatermark(id, stage)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"unit":      id.String(),
		"stage":     string(stage),
		"watermark": nil,
	}
	if wm != nil {
		resp["watermark"] = wm.Format(domain.DateLayout)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// entryView flattens a ledger entry for the API.
type entryView struct {
	RunID   string `json:"run_id"`
	FileID  string `json:"file_id"`
	Unit    string `json:"unit"`
	Dataset string `json:"dataset"`
	Key     string `json:"key,omitempty"`

	BronzeFile  string `json:"bronze_file,omitempty"`
	BronzeError string `json:"bronze_error,omitempty"`
	BronzeRows  int    `json:"bronze_rows"`
	CanPromote  bool   `json:"can_promote"`

	SilverTable string `json:"silver_table,omitempty"`
	SilverError string `json:"silver_error,omitempty"`
	SilverRows  int    `json:"silver_rows"`
}

func renderEntries(entries []domain.LedgerEntry) []entryView {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		v := entryView{
			RunID:   e.RunID,
			FileID:  e.FileID,
			Unit:    e.Identity().String(),
			Dataset: e.Dataset,
			Key:     e.Key,
		}
		if e.Bronze.File != nil {
			v.BronzeFile = *e.Bronze.File
		}
		if e.Bronze.Error != nil {
			v.BronzeError = *e.Bronze.Error
		}
		if e.Bronze.Rows != nil {
			v.BronzeRows = *e.Bronze.Rows
		}
		if e.Bronze.CanPromote != nil {
			v.CanPromote = *e.Bronze.CanPromote
		}
		if e.Silver.Table != nil {
			v.SilverTable = *e.Silver.Table
		}
		if e.Silver.Error != nil {
			v.SilverError = *e.Silver.Error
		}
		if e.Silver.RowsWritten != nil {
			v.SilverRows = *e.Silver.RowsWritten
		}
		views = append(views, v)
	}
	return views
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}
