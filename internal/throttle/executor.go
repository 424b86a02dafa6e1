// Package throttle provides the rate-limited, retrying executor every
// network call goes through.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Observer receives throttle observability events. The run-scoped counter
// structure implements this so waits and queue depth land in the run summary.
type Observer interface {
	RecordThrottleWait(wait time.Duration)
	RecordQueueDepth(depth int)
}

// Config tunes one executor instance.
type Config struct {
	MaxCalls    int           // calls allowed per sliding window
	Period      time.Duration // sliding window length
	MaxAttempts int           // total attempts per Execute (1 = no retry)
	BaseDelay   time.Duration // first retry backoff; doubles per attempt
}

// Executor applies a sliding-window throttle and exponential-backoff retry
// around arbitrary network operations. One instance is shared by all
// concurrent fetch workers; the timestamp queue is guarded by a single mutex
// which is released while sleeping.
type Executor struct {
	cfg Config
	log zerolog.Logger

	mu     chan struct{} // binary semaphore so sleeps never hold a sync.Mutex
	stamps []time.Time

	// Injected for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates an executor. Non-positive MaxCalls and MaxAttempts are
// clamped to 1.
func New(cfg Config, log zerolog.Logger) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxCalls < 1 {
		cfg.MaxCalls = 1
	}
	e := &Executor{
		cfg:    cfg,
		log:    log.With().Str("component", "throttle").Logger(),
		mu:     make(chan struct{}, 1),
		stamps: make([]time.Time, 0, cfg.MaxCalls),
		now:    time.Now,
		sleep:  time.Sleep,
	}
	e.mu <- struct{}{}
	return e
}

// Execute runs call through the throttle with retries. Transient failures
// (wrapped via Transient) are retried up to MaxAttempts with exponential
// backoff; any other error propagates immediately. Exhausting all attempts
// returns an *ExhaustedError wrapping the last transient failure.
func (e *Executor) Execute(ctx context.Context, obs Observer, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.acquire(obs)

		err := call()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt == e.cfg.MaxAttempts {
			break
		}
		delay := e.cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
		e.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Transient failure, retrying")
		e.sleep(delay)
	}
	return &ExhaustedError{Attempts: e.cfg.MaxAttempts, Err: lastErr}
}

// acquire blocks until a throttle slot is free, then records the call.
func (e *Executor) acquire(obs Observer) {
	for {
		<-e.mu
		now := e.now()

		// Prune timestamps that fell out of the sliding window.
		cutoff := now.Add(-e.cfg.Period)
		kept := e.stamps[:0]
		for _, ts := range e.stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		e.stamps = kept

		if len(e.stamps) < e.cfg.MaxCalls {
			e.stamps = append(e.stamps, now)
			depth := len(e.stamps)
			e.mu <- struct{}{}
			if obs != nil {
				obs.RecordQueueDepth(depth)
			}
			return
		}

		// At capacity: wait until the oldest call leaves the window, then
		// re-check. The lock is released for the duration of the sleep.
		wait := e.cfg.Period - now.Sub(e.stamps[0])
		e.mu <- struct{}{}
		if wait <= 0 {
			continue
		}
		if obs != nil {
			obs.RecordThrottleWait(wait)
		}
		e.log.Debug().Dur("wait", wait).Msg("Throttle window full, waiting")
		e.sleep(wait)
	}
}

// TransientError marks a failure as retryable. Transport-level failures are
// wrapped in it by the fetch layer; everything else propagates unretried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ExhaustedError is the terminal failure after all retry attempts.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
