package silver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketflow/internal/catalog"
	"github.com/aristath/marketflow/internal/database"
	"github.com/aristath/marketflow/internal/domain"
	"github.com/aristath/marketflow/internal/ledger"
)

// Metadata is the slice of the ingestion ledger the engine needs.
type Metadata interface {
	ListPromotable(domainFilter string) ([]domain.LedgerEntry, error)
	Upsert(entry *domain.LedgerEntry) error
	LatestWatermark(id domain.UnitIdentity, stage ledger.Stage) (*time.Time, error)
}

// PayloadLoader reads stored Bronze payloads back.
type PayloadLoader interface {
	Load(relPath string) (*domain.RawPayload, error)
}

// Engine promotes eligible Bronze payloads into typed Silver tables. One
// payload failing never blocks the rest of the pass; its error lands in the
// ledger and the engine moves on.
type Engine struct {
	meta            Metadata
	store           PayloadLoader
	contracts       *catalog.ContractSet
	cat             *catalog.Catalog
	lake            *database.DB
	strategy        ChunkStrategy
	filterWatermark bool
	log             zerolog.Logger
}

// NewEngine wires the promotion engine against the lake database.
func NewEngine(meta Metadata, store PayloadLoader, contracts *catalog.ContractSet, cat *catalog.Catalog, lake *database.DB, strategy ChunkStrategy, log zerolog.Logger) *Engine {
	return &Engine{
		meta:            meta,
		store:           store,
		contracts:       contracts,
		cat:             cat,
		lake:            lake,
		strategy:        strategy,
		filterWatermark: true,
		log:             log.With().Str("component", "promotion_engine").Logger(),
	}
}

// DisableWatermarkFilter turns off watermark row filtering. Intended for
// full-reload deployments where the merge keys alone guarantee idempotence.
func (e *Engine) DisableWatermarkFilter() {
	e.filterWatermark = false
}

// Promote runs one promotion pass over every eligible ledger entry,
// restricted to one domain when domainFilter is non-empty. Returns the
// number of payloads that wrote rows and the total rows written.
func (e *Engine) Promote(ctx context.Context, domainFilter string) (files, rows int, err error) {
	entries, err := e.meta.ListPromotable(domainFilter)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list promotable entries: %w", err)
	}

	for i := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return files, rows, ctxErr
		}
		entry := &entries[i]
		written, perr := e.promoteOne(entry)
		if perr != nil {
			e.log.Warn().
				Err(perr).
				Str("file_id", entry.FileID).
				Str("unit", entry.Identity().String()).
				Msg("Promotion failed for entry")
			e.recordOutcome(entry, &domain.SilverStage{
				Error:      domain.Ptr(perr.Error()),
				FinishedAt: domain.Ptr(time.Now().UTC()),
			})
			continue
		}
		if written > 0 {
			files++
			rows += written
		}
	}
	return files, rows, nil
}

// promoteOne moves one payload through project, dedupe, chunk and merge.
// The ledger is marked in-flight first, so an attempt that fails anywhere
// later still carries its start time.
func (e *Engine) promoteOne(entry *domain.LedgerEntry) (int, error) {
	started := time.Now().UTC()
	e.recordOutcome(entry, &domain.SilverStage{StartedAt: domain.Ptr(started)})

	if entry.Bronze.File == nil || *entry.Bronze.File == "" {
		return 0, fmt.Errorf("ledger entry has no bronze file reference")
	}
	payload, err := e.store.Load(*entry.Bronze.File)
	if err != nil {
		return 0, fmt.Errorf("failed to load payload: %w", err)
	}

	id := entry.Identity()
	contract, err := e.contracts.Resolve(id)
	if err != nil {
		return 0, err
	}
	schema, err := ResolveSchema(contract)
	if err != nil {
		return 0, err
	}

	dateField := ""
	if recipe := e.cat.Find(entry.Domain, entry.Dataset); recipe != nil {
		dateField = recipe.DateField
	}

	seen := len(payload.Content)

	projected, failedRows := Project(schema, payload, dateField)

	if e.filterWatermark {
		watermark := ""
		if wm, wmErr := e.meta.LatestWatermark(id, ledger.StageSilver); wmErr == nil && wm != nil {
			watermark = wm.Format(domain.DateLayout)
		}
		projected = FilterAfterWatermark(projected, watermark)
	}

	deduped, dropped := Dedupe(projected)
	chunks := ChunkRows(deduped, e.strategy)

	if err := e.ensureTable(schema); err != nil {
		return 0, err
	}

	written := 0
	for _, chunk := range chunks {
		if err := e.mergeChunk(schema, chunk.Rows); err != nil {
			return written, fmt.Errorf("failed to merge chunk %s into %s: %w", chunk.Key, schema.Table, err)
		}
		written += len(chunk.Rows)
	}

	// Failed covers every row that did not land: projection failures,
	// watermark-filtered rows and dedupe drops alike.
	failed := seen - written
	if failed < 0 {
		failed = 0
	}

	fromDate, toDate := dateSpan(deduped)
	e.recordOutcome(entry, &domain.SilverStage{
		Table:       domain.Ptr(schema.Table),
		Error:       domain.Ptr(""),
		RowsSeen:    domain.Ptr(seen),
		RowsWritten: domain.Ptr(written),
		RowsFailed:  domain.Ptr(failed),
		FromDate:    domain.Ptr(fromDate),
		ToDate:      domain.Ptr(toDate),
		StartedAt:   domain.Ptr(started),
		FinishedAt:  domain.Ptr(time.Now().UTC()),
	})

	e.log.Info().
		Str("table", schema.Table).
		Str("unit", id.String()).
		Int("rows_seen", seen).
		Int("rows_written", written).
		Int("rows_failed", failed).
		Int("projection_failures", failedRows).
		Int("duplicates", dropped).
		Int("chunks", len(chunks)).
		Msg("Promoted payload")

	return written, nil
}

// recordOutcome upserts Silver stage fields. Ledger write failures here are
// logged, not propagated: the Silver table write already committed and a
// metadata hiccup must not fail the pass retroactively.
func (e *Engine) recordOutcome(entry *domain.LedgerEntry, stage *domain.SilverStage) {
	update := &domain.LedgerEntry{
		RunID:         entry.RunID,
		FileID:        entry.FileID,
		Domain:        entry.Domain,
		Source:        entry.Source,
		Dataset:       entry.Dataset,
		Discriminator: entry.Discriminator,
		Key:           entry.Key,
		Silver:        *stage,
	}
	if err := e.meta.Upsert(update); err != nil {
		e.log.Error().
			Err(err).
			Str("file_id", entry.FileID).
			Msg("Failed to record silver outcome in ledger")
	}
}

// ensureTable creates the target table and its business-key unique index.
func (e *Engine) ensureTable(schema *Schema) error {
	defs := make([]string, 0, len(schema.Columns)+len(provenanceColumns))
	keySet := make(map[string]bool, len(schema.BusinessKeys))
	for _, k := range schema.BusinessKeys {
		keySet[k] = true
	}
	for _, col := range schema.AllColumns() {
		def := quoteIdent(col.Name) + " " + SQLiteType(FieldType(col.Type))
		if keySet[col.Name] {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	create := "CREATE TABLE IF NOT EXISTS " + quoteIdent(schema.Table) + " (" + strings.Join(defs, ", ") + ")"
	if _, err := e.lake.Exec(create); err != nil {
		return fmt.Errorf("failed to create table %s: %w", schema.Table, err)
	}

	keys := make([]string, len(schema.BusinessKeys))
	for i, k := range schema.BusinessKeys {
		keys[i] = quoteIdent(k)
	}
	index := "CREATE UNIQUE INDEX IF NOT EXISTS " + quoteIdent("idx_"+schema.Table+"_key") +
		" ON " + quoteIdent(schema.Table) + " (" + strings.Join(keys, ", ") + ")"
	if _, err := e.lake.Exec(index); err != nil {
		return fmt.Errorf("failed to create key index on %s: %w", schema.Table, err)
	}
	return nil
}

// mergeChunk writes one chunk in a single transaction, merging on the
// business keys: existing rows are overwritten column by column, new rows
// inserted.
func (e *Engine) mergeChunk(schema *Schema, rows []ProjectedRow) error {
	if len(rows) == 0 {
		return nil
	}

	all := schema.AllColumns()
	names := make([]string, len(all))
	placeholders := make([]string, len(all))
	for i, col := range all {
		names[i] = quoteIdent(col.Name)
		placeholders[i] = "?"
	}

	keySet := make(map[string]bool, len(schema.BusinessKeys))
	keys := make([]string, len(schema.BusinessKeys))
	for i, k := range schema.BusinessKeys {
		keySet[k] = true
		keys[i] = quoteIdent(k)
	}
	var updates []string
	for _, col := range all {
		if !keySet[col.Name] {
			updates = append(updates, quoteIdent(col.Name)+" = excluded."+quoteIdent(col.Name))
		}
	}

	query := "INSERT INTO " + quoteIdent(schema.Table) + " (" + strings.Join(names, ", ") + ") VALUES (" +
		strings.Join(placeholders, ", ") + ") ON CONFLICT(" + strings.Join(keys, ", ") + ")"
	if len(updates) > 0 {
		query += " DO UPDATE SET " + strings.Join(updates, ", ")
	} else {
		query += " DO NOTHING"
	}

	tx, err := e.lake.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare merge statement: %w", err)
	}
	for _, row := range rows {
		if _, err := stmt.Exec(row.Values...); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("failed to merge row: %w", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge transaction: %w", err)
	}
	return nil
}

// dateSpan returns the min and max business dates across the rows.
func dateSpan(rows []ProjectedRow) (string, string) {
	var from, to string
	for _, row := range rows {
		if row.Date == "" {
			continue
		}
		if from == "" || row.Date < from {
			from = row.Date
		}
		if to == "" || row.Date > to {
			to = row.Date
		}
	}
	return from, to
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
