package silver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketflow/internal/catalog"
	"github.com/aristath/marketflow/internal/domain"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name string
		in   any
		typ  FieldType
		want any
	}{
		{"float to int truncates", 42.9, TypeInt, int64(42)},
		{"numeric string to int", "123", TypeInt, int64(123)},
		{"float string to int", "123.0", TypeInt, int64(123)},
		{"garbage to int is null", "n/a", TypeInt, nil},
		{"missing int is null", nil, TypeInt, nil},
		{"string to float", "3.14", TypeFloat, 3.14},
		{"empty string float is null", "  ", TypeFloat, nil},
		{"missing bool is false", nil, TypeBool, false},
		{"yes is true", "yes", TypeBool, true},
		{"numeric bool", 1.0, TypeBool, true},
		{"missing str is empty", nil, TypeStr, ""},
		{"number to str", 42.5, TypeStr, "42.5"},
		{"datetime to date", "2026-01-15 14:30:00", TypeDate, "2026-01-15"},
		{"garbage date is null", "soon", TypeDate, nil},
		{"date to datetime", "2026-01-15", TypeDateTime, "2026-01-15T00:00:00Z"},
		{"list is encoded", []any{"a", "b"}, TypeList, `["a","b"]`},
		{"dict is encoded", map[string]any{"k": 1.0}, TypeDict, `{"k":1}`},
		{"missing dict is null", nil, TypeDict, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Coerce(tt.in, tt.typ))
		})
	}
}

func testSchema() *Schema {
	return &Schema{
		Table:        "silver_daily_prices",
		BusinessKeys: []string{"ticker", "date"},
		Columns: []catalog.Column{
			{Name: "ticker", Type: "str", SourceAlias: "symbol"},
			{Name: "date", Type: "date"},
			{Name: "close", Type: "float", Nullable: true},
		},
	}
}

func TestProjectFallsBackToCoverageDate(t *testing.T) {
	payload := &domain.RawPayload{
		FileID:    "f-1",
		RunID:     "run-1",
		FirstDate: "2026-01-10",
		LastDate:  "2026-01-17",
		FetchedAt: time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC),
		Content: []domain.Row{
			{"symbol": "AAPL", "date": "2026-01-15", "close": 234.5},
			{"symbol": "AAPL", "date": "2026-01-16", "close": "broken"},
		},
	}

	rows, failed := Project(testSchema(), payload, "tradeDate")
	require.Len(t, rows, 2)
	assert.Equal(t, 0, failed)

	// The row's own dateField is absent, so chunk dates use coverage end.
	assert.Equal(t, "2026-01-17", rows[0].Date)

	// Unparseable close degrades to null, not a row failure.
	assert.Nil(t, rows[1].Values[2])

	// Provenance columns trail the declared ones.
	assert.Equal(t, "f-1", rows[0].Values[3])
	assert.Equal(t, "run-1", rows[0].Values[4])
}

func TestResolveSchemaRejectsUnknownMapper(t *testing.T) {
	_, err := ResolveSchema(&catalog.SchemaContract{Dataset: "x", Mapper: "never-registered"})
	assert.Error(t, err)
}

func TestResolveSchemaRejectsKeylessContract(t *testing.T) {
	_, err := ResolveSchema(&catalog.SchemaContract{
		Dataset: "x",
		Columns: []catalog.Column{{Name: "a", Type: "str"}},
	})
	assert.Error(t, err)
}

func TestDedupeKeepsLast(t *testing.T) {
	rows := []ProjectedRow{
		{Key: "AAPL\x1f2026-01-15", Values: []any{1}},
		{Key: "AAPL\x1f2026-01-16", Values: []any{2}},
		{Key: "AAPL\x1f2026-01-15", Values: []any{3}},
	}

	kept, dropped := Dedupe(rows)
	require.Len(t, kept, 2)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, []any{2}, kept[0].Values)
	assert.Equal(t, []any{3}, kept[1].Values)
}

func TestFilterAfterWatermark(t *testing.T) {
	rows := []ProjectedRow{
		{Key: "a", Date: "2026-01-15"},
		{Key: "b", Date: "2026-01-16"},
		{Key: "c", Date: "2026-01-17"},
	}

	kept := FilterAfterWatermark(rows, "2026-01-16")
	require.Len(t, kept, 1)
	assert.Equal(t, "c", kept[0].Key)

	all := FilterAfterWatermark(rows, "")
	assert.Len(t, all, 3)
}

func TestChunkRowsCoversEveryRow(t *testing.T) {
	rows := []ProjectedRow{
		{Key: "a", Date: "2025-11-30"},
		{Key: "b", Date: "2025-12-01"},
		{Key: "c", Date: "2026-01-15"},
		{Key: "d", Date: ""},
	}

	byMonth := ChunkRows(rows, ChunkMonth)
	require.Len(t, byMonth, 4)
	assert.Equal(t, "2025-11", byMonth[0].Key)
	assert.Equal(t, "2025-12", byMonth[1].Key)
	assert.Equal(t, "2026-01", byMonth[2].Key)
	assert.Equal(t, "unknown", byMonth[3].Key)

	byYear := ChunkRows(rows, ChunkYear)
	require.Len(t, byYear, 3)

	total := 0
	for _, c := range byYear {
		total += len(c.Rows)
	}
	assert.Equal(t, len(rows), total)

	single := ChunkRows(rows, ChunkNone)
	require.Len(t, single, 1)
	assert.Len(t, single[0].Rows, 4)
}
