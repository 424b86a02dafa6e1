package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func successPayload() RawPayload {
	p := RawPayload{
		FileID:     "f-1",
		RunID:      "run-1",
		Domain:     DomainPrices,
		Source:     "fmp",
		Dataset:    "daily-prices",
		Key:        "AAPL",
		StatusCode: 200,
		Content: []Row{
			{"date": "2026-01-15", "close": 228.5},
			{"date": "2026-01-17", "close": 230.1},
			{"date": "2026-01-16", "close": 229.0},
		},
		FetchedAt: time.Date(2026, 1, 18, 7, 0, 0, 0, time.UTC),
	}
	p.ComputeHash()
	return p
}

func TestAcceptanceGate(t *testing.T) {
	p := successPayload()
	assert.True(t, p.AcceptableForStorage())

	// Failed fetches with error text are archived too
	failed := RawPayload{
		FileID:    "f-2",
		Error:     "connection error: dial tcp: connection refused",
		FetchedAt: time.Now(),
	}
	assert.True(t, failed.AcceptableForStorage())

	// No transport metadata and no error is malformed
	malformed := RawPayload{FileID: "f-3", FetchedAt: time.Now()}
	assert.False(t, malformed.AcceptableForStorage())

	// A payload without a fetch timestamp is malformed
	noTime := successPayload()
	noTime.FetchedAt = time.Time{}
	assert.False(t, noTime.AcceptableForStorage())
}

func TestPromotionGate(t *testing.T) {
	p := successPayload()
	assert.True(t, p.Promotable(false))

	// Empty content is promotable only when the dataset allows it
	empty := successPayload()
	empty.Content = []Row{}
	empty.ComputeHash()
	assert.False(t, empty.Promotable(false))
	assert.True(t, empty.Promotable(true))

	// Non-200 status is never promotable
	notFound := successPayload()
	notFound.StatusCode = 404
	assert.False(t, notFound.Promotable(true))

	// Error text blocks promotion even with status 200
	errored := successPayload()
	errored.Error = "read timeout"
	assert.False(t, errored.Promotable(false))

	// A missing hash blocks promotion
	noHash := successPayload()
	noHash.Hash = ""
	assert.False(t, noHash.Promotable(false))
}

func TestComputeHashDeterministic(t *testing.T) {
	a := successPayload()
	b := successPayload()
	require.NotEmpty(t, a.Hash)
	assert.Equal(t, a.Hash, b.Hash)

	b.Content[0]["close"] = 999.0
	b.ComputeHash()
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestScanDates(t *testing.T) {
	p := successPayload()
	p.ScanDates("date", p.FetchedAt)
	assert.Equal(t, "2026-01-15", p.FirstDate)
	assert.Equal(t, "2026-01-17", p.LastDate)
}

func TestScanDatesFallback(t *testing.T) {
	// Absent or unparseable date fields never raise, they fall back to the
	// fetch date.
	p := successPayload()
	p.Content = []Row{{"close": 1.0}, {"date": "not-a-date"}}
	p.ScanDates("date", p.FetchedAt)
	assert.Equal(t, "2026-01-18", p.FirstDate)
	assert.Equal(t, "2026-01-18", p.LastDate)
}

func TestParseDateLayouts(t *testing.T) {
	for _, value := range []string{
		"2026-01-15",
		"2026-01-15 09:30:00",
		"2026-01-15T09:30:00",
		"2026-01-15T09:30:00Z",
	} {
		parsed, ok := ParseDate(value)
		require.True(t, ok, "failed to parse %q", value)
		assert.Equal(t, 15, parsed.Day())
	}

	_, ok := ParseDate(42)
	assert.False(t, ok)
}
