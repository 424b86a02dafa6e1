// Package ledger implements the ops metadata store tracking every ingested
// unit across the Bronze, Silver and Gold stages. The ledger is the single
// source of truth for what has been fetched, what can be promoted and per
// identity watermarks; the fetch layer must consult it before issuing
// network calls.
package ledger

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketflow/internal/database"
	"github.com/aristath/marketflow/internal/domain"
)

// Stage selects which stage's coverage dates a watermark query reads.
type Stage string

const (
	StageBronze Stage = "bronze"
	StageSilver Stage = "silver"
)

const timeLayout = time.RFC3339

const schema = `
CREATE TABLE IF NOT EXISTS ingestion_ledger (
	run_id             TEXT NOT NULL,
	file_id            TEXT NOT NULL,
	domain             TEXT NOT NULL,
	source             TEXT NOT NULL,
	dataset            TEXT NOT NULL,
	discriminator      TEXT NOT NULL DEFAULT '',
	key                TEXT NOT NULL DEFAULT '',

	bronze_file        TEXT,
	bronze_error       TEXT,
	bronze_rows        INTEGER,
	bronze_from_date   TEXT,
	bronze_to_date     TEXT,
	bronze_started_at  TEXT,
	bronze_finished_at TEXT,
	bronze_can_promote INTEGER,

	silver_table        TEXT,
	silver_error        TEXT,
	silver_rows_seen    INTEGER,
	silver_rows_written INTEGER,
	silver_rows_failed  INTEGER,
	silver_from_date    TEXT,
	silver_to_date      TEXT,
	silver_started_at   TEXT,
	silver_finished_at  TEXT,

	gold_table       TEXT,
	gold_error       TEXT,
	gold_rows        INTEGER,
	gold_started_at  TEXT,
	gold_finished_at TEXT,

	PRIMARY KEY (run_id, file_id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_identity
	ON ingestion_ledger (domain, source, dataset, discriminator, key);

CREATE TABLE IF NOT EXISTS ingestion_runs (
	run_id           TEXT PRIMARY KEY,
	started_at       TEXT NOT NULL,
	finished_at      TEXT NOT NULL,
	status           TEXT NOT NULL,
	files_fetched    INTEGER NOT NULL DEFAULT 0,
	files_failed     INTEGER NOT NULL DEFAULT 0,
	files_skipped    INTEGER NOT NULL DEFAULT 0,
	files_promoted   INTEGER NOT NULL DEFAULT 0,
	rows_promoted    INTEGER NOT NULL DEFAULT 0,
	throttle_waits   INTEGER NOT NULL DEFAULT 0,
	throttle_wait_ms INTEGER NOT NULL DEFAULT 0,
	max_queue_depth  INTEGER NOT NULL DEFAULT 0
);
`

// Ledger provides transactional access to the ingestion metadata tables.
type Ledger struct {
	db  *database.DB
	log zerolog.Logger
}

// New opens the ledger, creating its tables when missing.
func New(db *database.DB, log zerolog.Logger) (*Ledger, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &Ledger{
		db:  db,
		log: log.With().Str("repo", "ledger").Logger(),
	}, nil
}

// Upsert inserts or updates the row keyed by (run_id, file_id). Only stage
// fields the entry populates (non-nil pointers) are written; everything else
// keeps its stored value. Calling it repeatedly with partially-filled
// entries is the expected usage: Bronze fields now, Silver fields later.
func (l *Ledger) Upsert(entry *domain.LedgerEntry) error {
	if entry.RunID == "" || entry.FileID == "" {
		return fmt.Errorf("ledger entry requires run_id and file_id")
	}

	cols := []string{"run_id", "file_id", "domain", "source", "dataset", "discriminator", "key"}
	vals := []any{entry.RunID, entry.FileID, entry.Domain, entry.Source, entry.Dataset, entry.Discriminator, entry.Key}
	updates := []string{}

	add := func(col string, val any) {
		cols = append(cols, col)
		vals = append(vals, val)
		updates = append(updates, col+" = excluded."+col)
	}

	b := entry.Bronze
	addStr(add, "bronze_file", b.File)
	addStr(add, "bronze_error", b.Error)
	addInt(add, "bronze_rows", b.Rows)
	addStr(add, "bronze_from_date", b.FromDate)
	addStr(add, "bronze_to_date", b.ToDate)
	addTime(add, "bronze_started_at", b.StartedAt)
	addTime(add, "bronze_finished_at", b.FinishedAt)
	if b.CanPromote != nil {
		flag := 0
		if *b.CanPromote {
			flag = 1
		}
		add("bronze_can_promote", flag)
	}

	s := entry.Silver
	addStr(add, "silver_table", s.Table)
	addStr(add, "silver_error", s.Error)
	addInt(add, "silver_rows_seen", s.RowsSeen)
	addInt(add, "silver_rows_written", s.RowsWritten)
	addInt(add, "silver_rows_failed", s.RowsFailed)
	addStr(add, "silver_from_date", s.FromDate)
	addStr(add, "silver_to_date", s.ToDate)
	addTime(add, "silver_started_at", s.StartedAt)
	addTime(add, "silver_finished_at", s.FinishedAt)

	g := entry.Gold
	addStr(add, "gold_table", g.Table)
	addStr(add, "gold_error", g.Error)
	addInt(add, "gold_rows", g.Rows)
	addTime(add, "gold_started_at", g.StartedAt)
	addTime(add, "gold_finished_at", g.FinishedAt)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := "INSERT INTO ingestion_ledger (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders + ")"
	if len(updates) > 0 {
		query += " ON CONFLICT(run_id, file_id) DO UPDATE SET " + strings.Join(updates, ", ")
	} else {
		query += " ON CONFLICT(run_id, file_id) DO NOTHING"
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	if _, err := tx.Exec(query, vals...); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to upsert ledger entry %s/%s: %w", entry.RunID, entry.FileID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger upsert: %w", err)
	}
	return nil
}

func addStr(add func(string, any), col string, v *string) {
	if v != nil {
		add(col, *v)
	}
}

func addInt(add func(string, any), col string, v *int) {
	if v != nil {
		add(col, *v)
	}
}

func addTime(add func(string, any), col string, v *time.Time) {
	if v != nil {
		add(col, v.UTC().Format(timeLayout))
	}
}

const entryColumns = `run_id, file_id, domain, source, dataset, discriminator, key,
	bronze_file, bronze_error, bronze_rows, bronze_from_date, bronze_to_date,
	bronze_started_at, bronze_finished_at, bronze_can_promote,
	silver_table, silver_error, silver_rows_seen, silver_rows_written, silver_rows_failed,
	silver_from_date, silver_to_date, silver_started_at, silver_finished_at,
	gold_table, gold_error, gold_rows, gold_started_at, gold_finished_at`

// Get returns one entry or nil when absent.
func (l *Ledger) Get(runID, fileID string) (*domain.LedgerEntry, error) {
	rows, err := l.db.Query(
		"SELECT "+entryColumns+" FROM ingestion_ledger WHERE run_id = ? AND file_id = ?",
		runID, fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	entry, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// LatestWatermark returns the max coverage-to date recorded for the identity
// at the given stage, or nil when the identity has never completed that
// stage. Missing key/discriminator compare as empty strings.
func (l *Ledger) LatestWatermark(id domain.UnitIdentity, stage Stage) (*time.Time, error) {
	var query string
	switch stage {
	case StageBronze:
		query = `SELECT MAX(bronze_to_date) FROM ingestion_ledger
			WHERE domain = ? AND source = ? AND dataset = ? AND discriminator = ? AND key = ?
			AND bronze_can_promote = 1`
	case StageSilver:
		query = `SELECT MAX(silver_to_date) FROM ingestion_ledger
			WHERE domain = ? AND source = ? AND dataset = ? AND discriminator = ? AND key = ?
			AND (silver_error IS NULL OR silver_error = '')`
	default:
		return nil, fmt.Errorf("unknown watermark stage %q", stage)
	}

	var raw sql.NullString
	err := l.db.QueryRow(query, id.Domain, id.Source, id.Dataset, id.Discriminator, id.Key).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s watermark for %s: %w", stage, id, err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(domain.DateLayout, raw.String)
	if err != nil {
		return nil, fmt.Errorf("ledger holds unparseable %s watermark %q for %s", stage, raw.String, id)
	}
	return &t, nil
}

// LatestIngestionTime returns the most recent successful Bronze start time
// for the identity, used by the duplicate-ingestion guard.
func (l *Ledger) LatestIngestionTime(id domain.UnitIdentity) (*time.Time, error) {
	var raw sql.NullString
	err := l.db.QueryRow(`SELECT MAX(bronze_started_at) FROM ingestion_ledger
		WHERE domain = ? AND source = ? AND dataset = ? AND discriminator = ? AND key = ?
		AND (bronze_error IS NULL OR bronze_error = '')`,
		id.Domain, id.Source, id.Dataset, id.Discriminator, id.Key).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest ingestion time for %s: %w", id, err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, raw.String)
	if err != nil {
		return nil, fmt.Errorf("ledger holds unparseable ingestion time %q for %s", raw.String, id)
	}
	return &t, nil
}

// ListPromotable returns entries whose Bronze stage succeeded and whose
// Silver stage has either never finished or wrote zero rows, oldest fetched
// first with null start times last. Pass an empty domainFilter for all
// domains.
func (l *Ledger) ListPromotable(domainFilter string) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ingestion_ledger
		WHERE bronze_can_promote = 1
		AND (silver_finished_at IS NULL OR COALESCE(silver_rows_written, 0) = 0)`
	args := []any{}
	if domainFilter != "" {
		query += " AND domain = ?"
		args = append(args, domainFilter)
	}
	query += " ORDER BY bronze_started_at IS NULL, bronze_started_at ASC"

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list promotable entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// EntriesForRun returns every ledger row recorded under one run id.
func (l *Ledger) EntriesForRun(runID string) ([]domain.LedgerEntry, error) {
	rows, err := l.db.Query(
		"SELECT "+entryColumns+" FROM ingestion_ledger WHERE run_id = ? ORDER BY bronze_started_at",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries for run %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// InvalidKeys returns the distinct keys of a dataset that previously failed
// with a permanent invalid-key error. The ingest-new-keys orchestration uses
// this to avoid re-fetching tickers the upstream API has rejected outright.
func (l *Ledger) InvalidKeys(dom, source, dataset string) ([]string, error) {
	rows, err := l.db.Query(`SELECT DISTINCT key FROM ingestion_ledger
		WHERE domain = ? AND source = ? AND dataset = ? AND key != ''
		AND bronze_error LIKE 'invalid key%'`,
		dom, source, dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to list invalid keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan invalid key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanEntry(rows *sql.Rows) (*domain.LedgerEntry, error) {
	var (
		e                                              domain.LedgerEntry
		bFile, bErr, bFrom, bTo, bStart, bFinish       sql.NullString
		bRows, bCanPromote                             sql.NullInt64
		sTable, sErr, sFrom, sTo, sStart, sFinish      sql.NullString
		sSeen, sWritten, sFailed                       sql.NullInt64
		gTable, gErr, gStart, gFinish                  sql.NullString
		gRows                                          sql.NullInt64
	)

	err := rows.Scan(
		&e.RunID, &e.FileID, &e.Domain, &e.Source, &e.Dataset, &e.Discriminator, &e.Key,
		&bFile, &bErr, &bRows, &bFrom, &bTo, &bStart, &bFinish, &bCanPromote,
		&sTable, &sErr, &sSeen, &sWritten, &sFailed, &sFrom, &sTo, &sStart, &sFinish,
		&gTable, &gErr, &gRows, &gStart, &gFinish,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	e.Bronze.File = strPtr(bFile)
	e.Bronze.Error = strPtr(bErr)
	e.Bronze.Rows = intPtr(bRows)
	e.Bronze.FromDate = strPtr(bFrom)
	e.Bronze.ToDate = strPtr(bTo)
	e.Bronze.StartedAt = timePtr(bStart)
	e.Bronze.FinishedAt = timePtr(bFinish)
	if bCanPromote.Valid {
		e.Bronze.CanPromote = domain.Ptr(bCanPromote.Int64 != 0)
	}

	e.Silver.Table = strPtr(sTable)
	e.Silver.Error = strPtr(sErr)
	e.Silver.RowsSeen = intPtr(sSeen)
	e.Silver.RowsWritten = intPtr(sWritten)
	e.Silver.RowsFailed = intPtr(sFailed)
	e.Silver.FromDate = strPtr(sFrom)
	e.Silver.ToDate = strPtr(sTo)
	e.Silver.StartedAt = timePtr(sStart)
	e.Silver.FinishedAt = timePtr(sFinish)

	e.Gold.Table = strPtr(gTable)
	e.Gold.Error = strPtr(gErr)
	e.Gold.Rows = intPtr(gRows)
	e.Gold.StartedAt = timePtr(gStart)
	e.Gold.FinishedAt = timePtr(gFinish)

	return &e, nil
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func timePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}
