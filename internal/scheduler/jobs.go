package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aristath/marketflow/internal/domain"
	"github.com/aristath/marketflow/internal/pipeline"
)

// Runner is the orchestrator surface the jobs drive.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (*domain.RunSummary, error)
	IngestNewKeys(ctx context.Context, limit int) (*domain.RunSummary, error)
}

// IngestionJob runs the full daily ingestion. Overlapping triggers are
// rejected: a run still in flight wins over a newly due one.
type IngestionJob struct {
	runner  Runner
	running atomic.Bool
	log     zerolog.Logger
}

func NewIngestionJob(runner Runner, log zerolog.Logger) *IngestionJob {
	return &IngestionJob{
		runner: runner,
		log:    log.With().Str("job", "daily_ingestion").Logger(),
	}
}

func (j *IngestionJob) Name() string { return "daily_ingestion" }

func (j *IngestionJob) Run() error {
	if !j.running.CompareAndSwap(false, true) {
		j.log.Warn().Msg("Previous ingestion run still in flight, skipping trigger")
		return nil
	}
	defer j.running.Store(false)

	summary, err := j.runner.Run(context.Background(), pipeline.Options{})
	if summary != nil {
		j.log.Info().
			Str("run_id", summary.RunID).
			Str("status", string(summary.Status)).
			Msg("Daily ingestion completed")
	}
	return err
}

// NewKeysJob backfills recently listed tickers.
type NewKeysJob struct {
	runner Runner
	limit  int
	log    zerolog.Logger
}

func NewNewKeysJob(runner Runner, limit int, log zerolog.Logger) *NewKeysJob {
	return &NewKeysJob{
		runner: runner,
		limit:  limit,
		log:    log.With().Str("job", "new_key_backfill").Logger(),
	}
}

func (j *NewKeysJob) Name() string { return "new_key_backfill" }

func (j *NewKeysJob) Run() error {
	summary, err := j.runner.IngestNewKeys(context.Background(), j.limit)
	if summary != nil {
		j.log.Info().
			Str("run_id", summary.RunID).
			Int("fetched", summary.FilesFetched).
			Msg("New-key backfill completed")
	}
	return err
}
