package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/marketflow/internal/domain"
)

// RecordRun stores the summary of a completed pipeline run. Re-recording the
// same run id overwrites the previous summary.
func (l *Ledger) RecordRun(summary domain.RunSummary) error {
	_, err := l.db.Exec(`INSERT INTO ingestion_runs
		(run_id, started_at, finished_at, status, files_fetched, files_failed,
		 files_skipped, files_promoted, rows_promoted, throttle_waits,
		 throttle_wait_ms, max_queue_depth)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			status = excluded.status,
			files_fetched = excluded.files_fetched,
			files_failed = excluded.files_failed,
			files_skipped = excluded.files_skipped,
			files_promoted = excluded.files_promoted,
			rows_promoted = excluded.rows_promoted,
			throttle_waits = excluded.throttle_waits,
			throttle_wait_ms = excluded.throttle_wait_ms,
			max_queue_depth = excluded.max_queue_depth`,
		summary.RunID,
		summary.StartedAt.UTC().Format(timeLayout),
		summary.FinishedAt.UTC().Format(timeLayout),
		string(summary.Status),
		summary.FilesFetched,
		summary.FilesFailed,
		summary.FilesSkipped,
		summary.FilesPromoted,
		summary.RowsPromoted,
		summary.ThrottleWaits,
		summary.ThrottleWaitTime.Milliseconds(),
		summary.MaxQueueDepth,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", summary.RunID, err)
	}
	return nil
}

// LatestRun returns the most recently finished run summary, or nil when no
// run has completed yet.
func (l *Ledger) LatestRun() (*domain.RunSummary, error) {
	rows, err := l.db.Query(`SELECT run_id, started_at, finished_at, status,
		files_fetched, files_failed, files_skipped, files_promoted, rows_promoted,
		throttle_waits, throttle_wait_ms, max_queue_depth
		FROM ingestion_runs ORDER BY finished_at DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRun(rows)
}

func scanRun(rows *sql.Rows) (*domain.RunSummary, error) {
	var (
		s                  domain.RunSummary
		started, finished  string
		status             string
		waitMS             int64
	)
	err := rows.Scan(&s.RunID, &started, &finished, &status,
		&s.FilesFetched, &s.FilesFailed, &s.FilesSkipped, &s.FilesPromoted, &s.RowsPromoted,
		&s.ThrottleWaits, &waitMS, &s.MaxQueueDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run summary: %w", err)
	}

	if s.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("run %s has unparseable start time %q", s.RunID, started)
	}
	if s.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return nil, fmt.Errorf("run %s has unparseable finish time %q", s.RunID, finished)
	}
	s.Status = domain.RunStatus(status)
	s.Elapsed = s.FinishedAt.Sub(s.StartedAt)
	return &s, nil
}
