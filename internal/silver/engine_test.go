package silver

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketflow/internal/catalog"
	"github.com/aristath/marketflow/internal/database"
	"github.com/aristath/marketflow/internal/domain"
	"github.com/aristath/marketflow/internal/ledger"
	"github.com/aristath/marketflow/internal/rawstore"
)

const engineTestCatalog = `
recipes:
  - domain: fundamentals
    source: fmp
    dataset: company-market-cap
    per_key: true
    key_columns: [ticker, date]
    date_field: date
    cadence: interval
    path: /historical-market-capitalization/{ticker}
`

func marketCapContract() catalog.SchemaContract {
	return catalog.SchemaContract{
		Dataset:      "company-market-cap",
		BusinessKeys: []string{"ticker", "date"},
		Columns: []catalog.Column{
			{Name: "ticker", Type: "str", SourceAlias: "symbol"},
			{Name: "date", Type: "date"},
			{Name: "market_cap", Type: "bigint", Nullable: true, SourceAlias: "marketCap"},
		},
	}
}

type engineFixture struct {
	engine *Engine
	led    *ledger.Ledger
	store  *rawstore.Store
	lake   *database.DB
}

func newEngineFixture(t *testing.T, contracts ...catalog.SchemaContract) *engineFixture {
	t.Helper()

	opsDB, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { opsDB.Close() })
	led, err := ledger.New(opsDB, zerolog.Nop())
	require.NoError(t, err)

	lake, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { lake.Close() })

	cat, err := catalog.Parse([]byte(engineTestCatalog), zerolog.Nop())
	require.NoError(t, err)

	store := rawstore.New(t.TempDir(), zerolog.Nop())
	engine := NewEngine(led, store, catalog.NewContractSet(contracts...), cat, lake, ChunkNone, zerolog.Nop())

	return &engineFixture{engine: engine, led: led, store: store, lake: lake}
}

// storePayload writes a promotable payload and its Bronze ledger row.
func (f *engineFixture) storePayload(t *testing.T, runID, key string, rows []domain.Row) string {
	t.Helper()

	payload := &domain.RawPayload{
		FileID:     rawstore.NewFileID(),
		RunID:      runID,
		Domain:     domain.DomainFundamentals,
		Source:     "fmp",
		Dataset:    "company-market-cap",
		Key:        key,
		StatusCode: 200,
		Content:    rows,
		FetchedAt:  time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC),
	}
	payload.ScanDates("date", payload.FetchedAt)
	payload.ComputeHash()

	relPath, err := f.store.Write(context.Background(), payload)
	require.NoError(t, err)

	require.NoError(t, f.led.Upsert(&domain.LedgerEntry{
		RunID:   runID,
		FileID:  payload.FileID,
		Domain:  payload.Domain,
		Source:  payload.Source,
		Dataset: payload.Dataset,
		Key:     payload.Key,
		Bronze: domain.BronzeStage{
			File:       domain.Ptr(relPath),
			Error:      domain.Ptr(""),
			Rows:       domain.Ptr(len(rows)),
			FromDate:   domain.Ptr(payload.FirstDate),
			ToDate:     domain.Ptr(payload.LastDate),
			StartedAt:  domain.Ptr(payload.FetchedAt),
			FinishedAt: domain.Ptr(payload.FetchedAt),
			CanPromote: domain.Ptr(true),
		},
	}))
	return payload.FileID
}

func marketCapRows() []domain.Row {
	return []domain.Row{
		{"symbol": "AAPL", "date": "2026-01-15", "marketCap": 3.45e12},
		{"symbol": "AAPL", "date": "2026-01-16", "marketCap": 3.47e12},
		{"symbol": "AAPL", "date": "2026-01-17", "marketCap": 3.46e12},
	}
}

func TestPromoteWritesTypedRows(t *testing.T) {
	f := newEngineFixture(t, marketCapContract())
	fileID := f.storePayload(t, "run-1", "AAPL", marketCapRows())

	files, rows, err := f.engine.Promote(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, files)
	assert.Equal(t, 3, rows)

	var count int
	require.NoError(t, f.lake.QueryRow(`SELECT COUNT(*) FROM silver_company_market_cap`).Scan(&count))
	assert.Equal(t, 3, count)

	var cap int64
	require.NoError(t, f.lake.QueryRow(
		`SELECT market_cap FROM silver_company_market_cap WHERE ticker = 'AAPL' AND date = '2026-01-16'`,
	).Scan(&cap))
	assert.Equal(t, int64(3.47e12), cap)

	// Provenance survives alongside the business columns.
	var gotFile string
	require.NoError(t, f.lake.QueryRow(
		`SELECT source_file_id FROM silver_company_market_cap LIMIT 1`,
	).Scan(&gotFile))
	assert.Equal(t, fileID, gotFile)

	entry, err := f.led.Get("run-1", fileID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "silver_company_market_cap", *entry.Silver.Table)
	assert.Equal(t, 3, *entry.Silver.RowsSeen)
	assert.Equal(t, 3, *entry.Silver.RowsWritten)
	assert.Equal(t, "2026-01-15", *entry.Silver.FromDate)
	assert.Equal(t, "2026-01-17", *entry.Silver.ToDate)

	// A promoted entry leaves the promotable queue.
	pending, err := f.led.ListPromotable("")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPromoteNeverMovesWatermarkBackwards(t *testing.T) {
	f := newEngineFixture(t, marketCapContract())
	f.storePayload(t, "run-1", "AAPL", marketCapRows())

	_, _, err := f.engine.Promote(context.Background(), "")
	require.NoError(t, err)

	id := domain.UnitIdentity{
		Domain: domain.DomainFundamentals, Source: "fmp", Dataset: "company-market-cap", Key: "AAPL",
	}
	wm, err := f.led.LatestWatermark(id, ledger.StageSilver)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "2026-01-17", wm.Format(domain.DateLayout))

	// A second payload covering only already-promoted dates writes nothing.
	replayID := f.storePayload(t, "run-2", "AAPL", marketCapRows())
	files, rows, err := f.engine.Promote(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, files)
	assert.Equal(t, 0, rows)

	// The replayed payload's ledger row accounts for every filtered row.
	replay, err := f.led.Get("run-2", replayID)
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, 3, *replay.Silver.RowsSeen)
	assert.Equal(t, 0, *replay.Silver.RowsWritten)
	assert.Equal(t, 3, *replay.Silver.RowsFailed)

	var count int
	require.NoError(t, f.lake.QueryRow(`SELECT COUNT(*) FROM silver_company_market_cap`).Scan(&count))
	assert.Equal(t, 3, count)

	wm, err = f.led.LatestWatermark(id, ledger.StageSilver)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "2026-01-17", wm.Format(domain.DateLayout))
}

func TestPromoteMergesDuplicateKeysInPlace(t *testing.T) {
	f := newEngineFixture(t, marketCapContract())

	rows := marketCapRows()
	// The newest record is repeated with a revised value; last wins.
	rows = append(rows, domain.Row{"symbol": "AAPL", "date": "2026-01-17", "marketCap": 3.50e12})
	f.storePayload(t, "run-1", "AAPL", rows)

	files, written, err := f.engine.Promote(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, files)
	assert.Equal(t, 3, written)

	var cap int64
	require.NoError(t, f.lake.QueryRow(
		`SELECT market_cap FROM silver_company_market_cap WHERE date = '2026-01-17'`,
	).Scan(&cap))
	assert.Equal(t, int64(3.50e12), cap)
}

func TestPromoteRecordsMissingContract(t *testing.T) {
	f := newEngineFixture(t) // no contracts registered
	fileID := f.storePayload(t, "run-1", "AAPL", marketCapRows())

	files, rows, err := f.engine.Promote(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, files)
	assert.Equal(t, 0, rows)

	entry, err := f.led.Get("run-1", fileID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, entry.Silver.Error)
	assert.Contains(t, *entry.Silver.Error, "no schema contract")

	// The attempt was marked in flight before it failed.
	require.NotNil(t, entry.Silver.StartedAt)
	require.NotNil(t, entry.Silver.FinishedAt)
	assert.False(t, entry.Silver.FinishedAt.Before(*entry.Silver.StartedAt))

	// Bronze fields survive the Silver-only update untouched.
	require.NotNil(t, entry.Bronze.CanPromote)
	assert.True(t, *entry.Bronze.CanPromote)
}

func TestPromoteDropsRowsMissingKeyColumns(t *testing.T) {
	f := newEngineFixture(t, marketCapContract())

	rows := []domain.Row{
		{"symbol": "AAPL", "date": "2026-01-15", "marketCap": 3.45e12},
		{"symbol": "", "date": "2026-01-16", "marketCap": 3.47e12}, // ticker backfilled from the request key
		{"symbol": "AAPL", "marketCap": 3.46e12},                   // missing date key: dropped
	}
	fileID := f.storePayload(t, "run-1", "AAPL", rows)

	_, written, err := f.engine.Promote(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	var ticker string
	require.NoError(t, f.lake.QueryRow(
		`SELECT ticker FROM silver_company_market_cap WHERE date = '2026-01-16'`,
	).Scan(&ticker))
	assert.Equal(t, "AAPL", ticker)

	entry, err := f.led.Get("run-1", fileID)
	require.NoError(t, err)
	assert.Equal(t, 1, *entry.Silver.RowsFailed)
	assert.Equal(t, 3, *entry.Silver.RowsSeen)
}

func TestPromoteWithMapperContract(t *testing.T) {
	RegisterMapper("split-events", Mapper{
		Columns: []catalog.Column{
			{Name: "ticker", Type: "str"},
			{Name: "date", Type: "date"},
			{Name: "ratio", Type: "float", Nullable: true},
		},
		BusinessKeys: []string{"ticker", "date"},
		Transform: func(row domain.Row) domain.Row {
			num := Coerce(row["numerator"], TypeFloat)
			den := Coerce(row["denominator"], TypeFloat)
			ratio := any(nil)
			if n, ok := num.(float64); ok {
				if d, ok := den.(float64); ok && d != 0 {
					ratio = n / d
				}
			}
			return domain.Row{"ticker": row["symbol"], "date": row["date"], "ratio": ratio}
		},
	})

	f := newEngineFixture(t, catalog.SchemaContract{
		Dataset: "company-market-cap",
		Table:   "silver_splits",
		Mapper:  "split-events",
	})
	f.storePayload(t, "run-1", "AAPL", []domain.Row{
		{"symbol": "AAPL", "date": "2026-01-15", "numerator": 4.0, "denominator": 1.0},
	})

	_, written, err := f.engine.Promote(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	var ratio float64
	require.NoError(t, f.lake.QueryRow(`SELECT ratio FROM silver_splits`).Scan(&ratio))
	assert.Equal(t, 4.0, ratio)
}
