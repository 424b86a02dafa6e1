package ledger

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketflow/internal/database"
	"github.com/aristath/marketflow/internal/domain"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := New(db, zerolog.Nop())
	require.NoError(t, err)
	return l
}

func bronzeEntry(runID, fileID, key string, startedAt time.Time) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		RunID:   runID,
		FileID:  fileID,
		Domain:  domain.DomainPrices,
		Source:  "fmp",
		Dataset: "daily-prices",
		Key:     key,
		Bronze: domain.BronzeStage{
			File:       domain.Ptr("prices/fmp/daily-prices/" + key + "/" + fileID + ".json"),
			Rows:       domain.Ptr(3),
			FromDate:   domain.Ptr("2026-01-10"),
			ToDate:     domain.Ptr("2026-01-17"),
			StartedAt:  domain.Ptr(startedAt),
			FinishedAt: domain.Ptr(startedAt.Add(time.Second)),
			CanPromote: domain.Ptr(true),
		},
	}
}

func TestUpsertIdempotent(t *testing.T) {
	l := newTestLedger(t)
	started := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)

	entry := bronzeEntry("run-1", "f-1", "AAPL", started)
	require.NoError(t, l.Upsert(entry))
	require.NoError(t, l.Upsert(entry))

	stored, err := l.Get("run-1", "f-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "2026-01-17", *stored.Bronze.ToDate)
	assert.True(t, *stored.Bronze.CanPromote)

	// Exactly one row for the (run_id, file_id) pair
	entries, err := l.EntriesForRun("run-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUpsertPreservesUntouchedStageFields(t *testing.T) {
	l := newTestLedger(t)
	started := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)

	require.NoError(t, l.Upsert(bronzeEntry("run-1", "f-1", "AAPL", started)))

	// A later Silver-only upsert must not blank the Bronze fields.
	silverOnly := &domain.LedgerEntry{
		RunID:   "run-1",
		FileID:  "f-1",
		Domain:  domain.DomainPrices,
		Source:  "fmp",
		Dataset: "daily-prices",
		Key:     "AAPL",
		Silver: domain.SilverStage{
			Table:       domain.Ptr("silver_daily_prices"),
			RowsSeen:    domain.Ptr(3),
			RowsWritten: domain.Ptr(3),
			RowsFailed:  domain.Ptr(0),
			StartedAt:   domain.Ptr(started.Add(time.Minute)),
			FinishedAt:  domain.Ptr(started.Add(2 * time.Minute)),
		},
	}
	require.NoError(t, l.Upsert(silverOnly))

	stored, err := l.Get("run-1", "f-1")
	require.NoError(t, err)
	require.NotNil(t, stored)

	require.NotNil(t, stored.Bronze.File)
	assert.Equal(t, "2026-01-10", *stored.Bronze.FromDate)
	assert.True(t, *stored.Bronze.CanPromote)
	assert.Equal(t, "silver_daily_prices", *stored.Silver.Table)
	assert.Equal(t, 3, *stored.Silver.RowsWritten)
}

func TestUpsertExplicitClear(t *testing.T) {
	l := newTestLedger(t)
	started := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)

	entry := bronzeEntry("run-1", "f-1", "AAPL", started)
	entry.Bronze.Error = domain.Ptr("read timeout")
	require.NoError(t, l.Upsert(entry))

	// Explicitly clearing with a non-nil empty string overwrites.
	clear := &domain.LedgerEntry{
		RunID: "run-1", FileID: "f-1",
		Domain: domain.DomainPrices, Source: "fmp", Dataset: "daily-prices", Key: "AAPL",
		Bronze: domain.BronzeStage{Error: domain.Ptr("")},
	}
	require.NoError(t, l.Upsert(clear))

	stored, err := l.Get("run-1", "f-1")
	require.NoError(t, err)
	assert.Equal(t, "", *stored.Bronze.Error)
}

func TestLatestWatermark(t *testing.T) {
	l := newTestLedger(t)
	base := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)

	e1 := bronzeEntry("run-1", "f-1", "AAPL", base)
	e1.Bronze.ToDate = domain.Ptr("2026-01-10")
	require.NoError(t, l.Upsert(e1))

	e2 := bronzeEntry("run-2", "f-2", "AAPL", base.AddDate(0, 0, 5))
	e2.Bronze.ToDate = domain.Ptr("2026-01-15")
	require.NoError(t, l.Upsert(e2))

	// A failed fetch never advances the watermark.
	e3 := bronzeEntry("run-3", "f-3", "AAPL", base.AddDate(0, 0, 9))
	e3.Bronze.ToDate = domain.Ptr("2026-01-19")
	e3.Bronze.CanPromote = domain.Ptr(false)
	e3.Bronze.Error = domain.Ptr("read timeout")
	require.NoError(t, l.Upsert(e3))

	id := e1.Identity()
	wm, err := l.LatestWatermark(id, StageBronze)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "2026-01-15", wm.Format(domain.DateLayout))

	// Another key is a different identity
	other := id
	other.Key = "MSFT"
	wm, err = l.LatestWatermark(other, StageBronze)
	require.NoError(t, err)
	assert.Nil(t, wm)
}

func TestSilverWatermark(t *testing.T) {
	l := newTestLedger(t)
	started := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)

	entry := bronzeEntry("run-1", "f-1", "AAPL", started)
	entry.Silver = domain.SilverStage{
		RowsWritten: domain.Ptr(3),
		ToDate:      domain.Ptr("2026-01-17"),
		FinishedAt:  domain.Ptr(started.Add(time.Minute)),
	}
	require.NoError(t, l.Upsert(entry))

	wm, err := l.LatestWatermark(entry.Identity(), StageSilver)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "2026-01-17", wm.Format(domain.DateLayout))
}

func TestLatestIngestionTime(t *testing.T) {
	l := newTestLedger(t)
	morning := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)

	require.NoError(t, l.Upsert(bronzeEntry("run-1", "f-1", "AAPL", morning)))

	failed := bronzeEntry("run-2", "f-2", "AAPL", morning.Add(2*time.Hour))
	failed.Bronze.Error = domain.Ptr("connection refused")
	failed.Bronze.CanPromote = domain.Ptr(false)
	require.NoError(t, l.Upsert(failed))

	// Failed fetches do not count as ingested.
	ts, err := l.LatestIngestionTime(bronzeEntry("", "", "AAPL", morning).Identity())
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.True(t, ts.Equal(morning))
}

func TestListPromotable(t *testing.T) {
	l := newTestLedger(t)
	base := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)

	// Newer entry first to prove ordering by bronze start time.
	newer := bronzeEntry("run-1", "f-newer", "MSFT", base.Add(time.Hour))
	require.NoError(t, l.Upsert(newer))
	older := bronzeEntry("run-1", "f-older", "AAPL", base)
	require.NoError(t, l.Upsert(older))

	// Not promotable: bronze failed
	failed := bronzeEntry("run-1", "f-failed", "TSLA", base)
	failed.Bronze.CanPromote = domain.Ptr(false)
	require.NoError(t, l.Upsert(failed))

	// Not promotable: silver already wrote rows
	done := bronzeEntry("run-1", "f-done", "NVDA", base)
	done.Silver = domain.SilverStage{
		RowsWritten: domain.Ptr(5),
		FinishedAt:  domain.Ptr(base.Add(time.Minute)),
	}
	require.NoError(t, l.Upsert(done))

	entries, err := l.ListPromotable("")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "f-older", entries[0].FileID)
	assert.Equal(t, "f-newer", entries[1].FileID)

	// Domain filter
	entries, err = l.ListPromotable(domain.DomainFundamentals)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInvalidKeys(t *testing.T) {
	l := newTestLedger(t)
	base := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)

	bad := bronzeEntry("run-1", "f-1", "BOGUS", base)
	bad.Bronze.Error = domain.Ptr("invalid key: unknown ticker BOGUS")
	bad.Bronze.CanPromote = domain.Ptr(false)
	require.NoError(t, l.Upsert(bad))

	transient := bronzeEntry("run-1", "f-2", "AAPL", base)
	transient.Bronze.Error = domain.Ptr("read timeout")
	transient.Bronze.CanPromote = domain.Ptr(false)
	require.NoError(t, l.Upsert(transient))

	keys, err := l.InvalidKeys(domain.DomainPrices, "fmp", "daily-prices")
	require.NoError(t, err)
	assert.Equal(t, []string{"BOGUS"}, keys)
}

func TestRunHistory(t *testing.T) {
	l := newTestLedger(t)
	started := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)

	summary := domain.RunSummary{
		RunID:        "run-1",
		StartedAt:    started,
		FinishedAt:   started.Add(10 * time.Minute),
		Status:       domain.RunPartial,
		FilesFetched: 12,
		FilesFailed:  2,
		RowsPromoted: 340,
	}
	require.NoError(t, l.RecordRun(summary))

	latest, err := l.LatestRun()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "run-1", latest.RunID)
	assert.Equal(t, domain.RunPartial, latest.Status)
	assert.Equal(t, 12, latest.FilesFetched)
	assert.Equal(t, 10*time.Minute, latest.Elapsed)
}
