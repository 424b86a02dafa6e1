package domain

import (
	"sync"
	"time"
)

// RunStatus is the aggregate outcome of one pipeline run.
type RunStatus string

const (
	RunSuccess RunStatus = "success" // no failures
	RunPartial RunStatus = "partial" // mixed
	RunFailure RunStatus = "failure" // no successes
)

// RunSummary is returned by the orchestrator's Run entry point and recorded
// in the run history table.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Elapsed    time.Duration `json:"elapsed"`
	Status     RunStatus     `json:"status"`

	FilesFetched  int `json:"files_fetched"`
	FilesFailed   int `json:"files_failed"`
	FilesSkipped  int `json:"files_skipped"`
	FilesPromoted int `json:"files_promoted"`
	RowsPromoted  int `json:"rows_promoted"`

	ThrottleWaits    int           `json:"throttle_waits"`
	ThrottleWaitTime time.Duration `json:"throttle_wait_time"`
	MaxQueueDepth    int           `json:"max_queue_depth"`
}

// RunCounters aggregates run-scoped counts across concurrent fetch workers.
// All methods are safe for concurrent use.
type RunCounters struct {
	mu sync.Mutex

	fetched  int
	failed   int
	skipped  int
	promoted int
	rows     int

	throttleWaits int
	throttleWait  time.Duration
	maxQueueDepth int
}

// IncFetched records one accepted Bronze file.
func (c *RunCounters) IncFetched() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched++
}

// IncFailed records one failed Bronze file.
func (c *RunCounters) IncFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
}

// IncSkipped records one skipped request (cooldown or duplicate-today).
func (c *RunCounters) IncSkipped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped++
}

// AddPromoted records a promotion pass outcome.
func (c *RunCounters) AddPromoted(files, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promoted += files
	c.rows += rows
}

// RecordThrottleWait feeds the throttle's observability hooks.
func (c *RunCounters) RecordThrottleWait(wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttleWaits++
	c.throttleWait += wait
}

// RecordQueueDepth tracks the deepest observed throttle queue.
func (c *RunCounters) RecordQueueDepth(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if depth > c.maxQueueDepth {
		c.maxQueueDepth = depth
	}
}

// Fetched returns the accepted Bronze file count.
func (c *RunCounters) Fetched() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched
}

// Failed returns the failed Bronze file count.
func (c *RunCounters) Failed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Summarize folds the counters into a RunSummary with the derived status.
func (c *RunCounters) Summarize(runID string, startedAt, finishedAt time.Time) RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := RunSuccess
	switch {
	case c.failed > 0 && c.fetched == 0 && c.promoted == 0:
		status = RunFailure
	case c.failed > 0:
		status = RunPartial
	}

	return RunSummary{
		RunID:            runID,
		StartedAt:        startedAt,
		FinishedAt:       finishedAt,
		Elapsed:          finishedAt.Sub(startedAt),
		Status:           status,
		FilesFetched:     c.fetched,
		FilesFailed:      c.failed,
		FilesSkipped:     c.skipped,
		FilesPromoted:    c.promoted,
		RowsPromoted:     c.rows,
		ThrottleWaits:    c.throttleWaits,
		ThrottleWaitTime: c.throttleWait,
		MaxQueueDepth:    c.maxQueueDepth,
	}
}
